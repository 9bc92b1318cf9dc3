package threat

import (
	"net/url"
	"regexp"
	"strings"
)

var scannerTools = []string{
	"nmap", "nikto", "sqlmap", "dirbuster", "gobuster",
	"wpscan", "masscan", "zmap", "shodan", "censys",
	"nuclei", "ffuf", "feroxbuster", "burpsuite", "hydra",
	"metasploit", "openvas", "nessus", "qualys", "acunetix",
	"zgrab", "wfuzz", "arachni", "w3af",
}

var sqlPatterns = []string{
	"' or ", "' and ", "union select", "union all select", "drop table",
	"insert into", "delete from", "1=1", "char(", "concat(",
	"benchmark(", "sleep(", "waitfor delay", "pg_sleep", "load_file",
	"information_schema", "' --", "'--", "';",
}

// Request bodies carry free text, so only unambiguous statements count there.
var sqlBodyPatterns = []string{
	"union select", "union all select", "drop table", "insert into",
	"delete from", "benchmark(", "waitfor delay", "pg_sleep", "load_file",
	"information_schema", "' or '1'='1", "' or 1=1",
}

var traversalPatterns = []string{"../", "..\\", "%2e%2e", "%252e"}

var scannerPaths = []string{
	"/.env", "/.git/", "/.svn/", "/.aws/", "/.ds_store", "/.htaccess",
	"/wp-admin", "/wp-login.php", "/wp-content/", "/xmlrpc.php",
	"/phpmyadmin", "/pma/", "/config.php", "/server-status", "/actuator",
	"/cgi-bin/", "/vendor/phpunit", "/boaform", "/hnap1", "/owa/",
	"/solr/", "/jenkins", "/manager/html", "/.well-known/security.txt~",
}

var authPaths = []string{"/login", "/auth/", "/signin", "/send-code", "/verify"}

var reconPrefixes = []string{"/api/", "/internal/", "/admin/"}

var genericAgent = regexp.MustCompile(`(?i)^(curl|wget|python-requests|python-urllib|python-httpx|go-http-client|java/|libwww-perl|okhttp|axios|node-fetch|undici|apache-httpclient|scrapy|aiohttp|httpie|powershell)`)

func firstMatch(haystack string, needles []string) string {
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return needle
		}
	}
	return ""
}

// decoded lowercases s and undoes up to two rounds of percent encoding.
func decoded(s string) string {
	out := strings.ToLower(s)
	for i := 0; i < 2; i++ {
		next, err := url.QueryUnescape(out)
		if err != nil || next == out {
			break
		}
		out = strings.ToLower(next)
	}
	return out
}

func scannerTool(userAgent string) string {
	return firstMatch(strings.ToLower(userAgent), scannerTools)
}

func isGenericAgent(userAgent string) bool {
	ua := strings.TrimSpace(userAgent)
	return ua == "" || genericAgent.MatchString(ua)
}

func isAuthPath(path string) bool {
	return firstMatch(strings.ToLower(path), authPaths) != ""
}

func isReconPath(path string) bool {
	lower := strings.ToLower(path)
	for _, prefix := range reconPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}
