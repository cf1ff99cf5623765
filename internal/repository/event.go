// Package repository 数据访问层
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/orchestrated/orchestrator/internal/event"
	"github.com/orchestrated/orchestrator/pkg/sagaerrors"
)

// EventRepository persists saga events in Postgres. One row per saga run,
// keyed by transaction id, updated with an optimistic version check so
// concurrent workers never interleave history appends.
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository 创建仓储
func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// InitSchema creates the saga schema and tables if they do not exist.
func (r *EventRepository) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS saga`,
		`CREATE TABLE IF NOT EXISTS saga.events (
			transaction_id TEXT PRIMARY KEY,
			event_id BIGINT NOT NULL,
			order_id TEXT NOT NULL,
			payload JSONB NOT NULL,
			source TEXT NOT NULL,
			status TEXT NOT NULL,
			history JSONB NOT NULL,
			version BIGINT NOT NULL,
			created_at_ms BIGINT NOT NULL,
			updated_at_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_saga_events_order
			ON saga.events (order_id, created_at_ms DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_saga_events_status
			ON saga.events (status, updated_at_ms)`,
		// 同一订单同时只允许一个进行中的 saga
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_saga_events_active_order
			ON saga.events (order_id)
			WHERE status IN ('PENDING', 'ROLLBACK_PENDING')`,
	}

	for _, stmt := range statements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Save writes the event. Version 0 inserts a new row; any other version
// updates with an optimistic lock and returns ErrVersionConflict when the
// stored row moved on. On success the in-memory version is bumped.
func (r *EventRepository) Save(ctx context.Context, ev *event.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	history, err := json.Marshal(ev.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	if ev.Version == 0 {
		query := `
			INSERT INTO saga.events (transaction_id, event_id, order_id, payload, source, status, history, version, created_at_ms, updated_at_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9)
			ON CONFLICT DO NOTHING
		`
		result, err := r.db.ExecContext(ctx, query,
			ev.TransactionID, ev.ID, ev.OrderID, payload, ev.Source, ev.Status, history, ev.CreatedAtMs, ev.UpdatedAtMs,
		)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			// 同一事务号已存在，或该订单已有进行中的 saga（uq_saga_events_active_order）
			return sagaerrors.ErrVersionConflict
		}
		ev.Version = 1
		return nil
	}

	query := `
		UPDATE saga.events
		SET order_id = $1, payload = $2, source = $3, status = $4, history = $5, version = version + 1, updated_at_ms = $6
		WHERE transaction_id = $7 AND version = $8
	`
	result, err := r.db.ExecContext(ctx, query,
		ev.OrderID, payload, ev.Source, ev.Status, history, ev.UpdatedAtMs, ev.TransactionID, ev.Version,
	)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return sagaerrors.ErrVersionConflict
	}
	ev.Version++
	return nil
}

const selectColumns = `transaction_id, event_id, order_id, payload, source, status, history, version, created_at_ms, updated_at_ms`

// FindByTransactionID loads one saga run.
func (r *EventRepository) FindByTransactionID(ctx context.Context, transactionID string) (*event.Event, error) {
	query := `
		SELECT ` + selectColumns + `
		FROM saga.events
		WHERE transaction_id = $1
	`
	row := r.db.QueryRowContext(ctx, query, transactionID)
	return scanEvent(row)
}

// FindLatestByOrderID loads the newest run for the order. Older runs with
// other transaction ids stay in the log but are not authoritative.
func (r *EventRepository) FindLatestByOrderID(ctx context.Context, orderID string) (*event.Event, error) {
	query := `
		SELECT ` + selectColumns + `
		FROM saga.events
		WHERE order_id = $1
		ORDER BY created_at_ms DESC
		LIMIT 1
	`
	row := r.db.QueryRowContext(ctx, query, orderID)
	return scanEvent(row)
}

// FindStuck lists non-terminal sagas whose last update is older than the
// cutoff. Read path for the sweeper; nothing here mutates state.
func (r *EventRepository) FindStuck(ctx context.Context, updatedBeforeMs int64, limit int) ([]*event.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + selectColumns + `
		FROM saga.events
		WHERE status IN ($1, $2) AND updated_at_ms < $3
		ORDER BY updated_at_ms ASC
		LIMIT $4
	`
	rows, err := r.db.QueryContext(ctx, query,
		event.StatusPending, event.StatusRollbackPending, updatedBeforeMs, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query stuck sagas: %w", err)
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*event.Event, error) {
	var ev event.Event
	var payload, history []byte
	err := row.Scan(
		&ev.TransactionID, &ev.ID, &ev.OrderID, &payload, &ev.Source, &ev.Status, &history, &ev.Version, &ev.CreatedAtMs, &ev.UpdatedAtMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sagaerrors.ErrSagaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	if err := json.Unmarshal(payload, &ev.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := json.Unmarshal(history, &ev.History); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	return &ev, nil
}
