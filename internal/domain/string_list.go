package domain

import "database/sql/driver"

// StringList stores a slice of strings inside a JSON column.
type StringList []string

// Value implements driver.Valuer so StringList can be stored as JSON.
func (s StringList) Value() (driver.Value, error) {
	return jsonValue([]string(s), "[]")
}

// Scan implements sql.Scanner to hydrate the StringList from the database.
func (s *StringList) Scan(value any) error {
	*s = nil
	return jsonScan(value, (*[]string)(s), "StringList")
}

func (s StringList) Contains(value string) bool {
	for _, item := range s {
		if item == value {
			return true
		}
	}
	return false
}

// With returns a copy that includes value, appended when missing.
func (s StringList) With(values ...string) StringList {
	out := make(StringList, len(s), len(s)+len(values))
	copy(out, s)
	for _, value := range values {
		if value != "" && !out.Contains(value) {
			out = append(out, value)
		}
	}
	return out
}
