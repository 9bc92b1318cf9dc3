package database

import (
	"context"
	"time"

	"eyeweb/internal/domain"
)

func InsertThreatEvents(ctx context.Context, events []domain.ThreatEvent) error {
	if len(events) == 0 {
		return nil
	}
	db, err := conn(ctx)
	if err != nil {
		return err
	}
	return db.CreateInBatches(&events, eventInsertBatchSize).Error
}

func ListLatestThreatEvents(ctx context.Context, limit, offset int) ([]domain.ThreatEvent, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var events []domain.ThreatEvent
	err = db.Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&events).Error
	return events, err
}

func CountThreatEvents(ctx context.Context) (int64, error) {
	db, err := conn(ctx)
	if err != nil {
		return 0, err
	}

	var count int64
	err = db.Model(&domain.ThreatEvent{}).Count(&count).Error
	return count, err
}

func CountThreatEventsSince(ctx context.Context, since time.Time) (int64, error) {
	db, err := conn(ctx)
	if err != nil {
		return 0, err
	}

	var count int64
	err = db.Model(&domain.ThreatEvent{}).
		Where("created_at >= ?", since).
		Count(&count).Error
	return count, err
}

func DeleteThreatEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	db, err := conn(ctx)
	if err != nil {
		return 0, err
	}

	result := db.Where("created_at < ?", cutoff).Delete(&domain.ThreatEvent{})
	return result.RowsAffected, result.Error
}
