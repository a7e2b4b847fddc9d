package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/gumroad/dispute-engine/internal/domain"
)

const processorEventColumns = `id, event_type, payload, status, attempts,
	last_attempt, created_at`

type ProcessorEventRepository struct {
	db *sql.DB
}

func NewProcessorEventRepository(db *sql.DB) *ProcessorEventRepository {
	return &ProcessorEventRepository{db: db}
}

func (r *ProcessorEventRepository) Create(ctx context.Context, event *domain.ProcessorEvent) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO processor_events (id, event_type, payload, status, attempts, last_attempt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.EventType, event.Payload, event.Status,
		event.Attempts, event.LastAttempt, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

// GetPending claims a batch of pending events under the poll transaction.
// FOR UPDATE SKIP LOCKED keeps concurrent pollers off each other's batch for
// as long as the transaction is open.
func (r *ProcessorEventRepository) GetPending(ctx context.Context, tx *sql.Tx, limit int) ([]domain.ProcessorEvent, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+processorEventColumns+` FROM processor_events
		WHERE status = $1 ORDER BY created_at LIMIT $2 FOR UPDATE SKIP LOCKED`,
		domain.ProcessorEventStatusPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("GetPending: %w", err)
	}
	defer rows.Close()

	var events []domain.ProcessorEvent
	for rows.Next() {
		e, err := scanProcessorEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("GetPending: scan: %w", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetPending: rows: %w", err)
	}
	return events, nil
}

func (r *ProcessorEventRepository) UpdateStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, status domain.ProcessorEventStatus) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE processor_events SET status = $1, attempts = attempts + 1, last_attempt = now()
		WHERE id = $2`,
		status, id,
	)
	if err != nil {
		return fmt.Errorf("UpdateStatus: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdateStatus: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("UpdateStatus: %w", domain.ErrNotFound)
	}
	return nil
}

func scanProcessorEvent(s scanner) (*domain.ProcessorEvent, error) {
	var e domain.ProcessorEvent
	err := s.Scan(
		&e.ID, &e.EventType, &e.Payload, &e.Status,
		&e.Attempts, &e.LastAttempt, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
