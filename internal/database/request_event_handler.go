package database

import (
	"context"
	"slices"
	"time"

	"eyeweb/internal/domain"
)

const eventInsertBatchSize = 500

func InsertRequestEvents(ctx context.Context, events []domain.RequestEvent) error {
	if len(events) == 0 {
		return nil
	}
	db, err := conn(ctx)
	if err != nil {
		return err
	}
	return db.CreateInBatches(&events, eventInsertBatchSize).Error
}

// ListRequestEventsSince returns events created at or after since, oldest
// first. A positive limit keeps only the newest limit events.
func ListRequestEventsSince(ctx context.Context, since time.Time, limit int) ([]domain.RequestEvent, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	query := db.Where("created_at >= ?", since)
	if limit <= 0 {
		var events []domain.RequestEvent
		err = query.Order("created_at ASC, id ASC").Find(&events).Error
		return events, err
	}

	var events []domain.RequestEvent
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&events).Error; err != nil {
		return nil, err
	}
	slices.Reverse(events)
	return events, nil
}

// ListLatestRequestEvents returns the newest events, optionally for one IP.
func ListLatestRequestEvents(ctx context.Context, ip string, limit, offset int) ([]domain.RequestEvent, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	query := db.Model(&domain.RequestEvent{})
	if ip != "" {
		query = query.Where("ip = ?", ip)
	}

	var events []domain.RequestEvent
	err = query.Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&events).Error
	return events, err
}

func CountRequestEvents(ctx context.Context, ip string) (int64, error) {
	db, err := conn(ctx)
	if err != nil {
		return 0, err
	}

	query := db.Model(&domain.RequestEvent{})
	if ip != "" {
		query = query.Where("ip = ?", ip)
	}

	var count int64
	err = query.Count(&count).Error
	return count, err
}

func CountRequestEventsSince(ctx context.Context, since time.Time) (int64, error) {
	db, err := conn(ctx)
	if err != nil {
		return 0, err
	}

	var count int64
	err = db.Model(&domain.RequestEvent{}).
		Where("created_at >= ?", since).
		Count(&count).Error
	return count, err
}

// DistinctIPsSince lists the addresses with at least one event since the cutoff.
func DistinctIPsSince(ctx context.Context, since time.Time) ([]string, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var ips []string
	err = db.Model(&domain.RequestEvent{}).
		Where("created_at >= ?", since).
		Distinct("ip").
		Pluck("ip", &ips).Error
	return ips, err
}

func DeleteRequestEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	db, err := conn(ctx)
	if err != nil {
		return 0, err
	}

	result := db.Where("created_at < ?", cutoff).Delete(&domain.RequestEvent{})
	return result.RowsAffected, result.Error
}
