// ABOUTME: Invocation history records: append on completion, list newest first
// ABOUTME: Supports filtering by tool and agent with a bounded result size

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Invocation statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const (
	// Fixed-width so stored timestamps sort lexically.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

	defaultListLimit = 100
	maxListLimit     = 1000
)

// ErrInvalidRecord is returned when a record is missing required fields.
var ErrInvalidRecord = errors.New("invalid invocation record")

// InvocationRecord is one finished invocation.
type InvocationRecord struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlationId"`
	TraceID       string    `json:"traceId,omitempty"`
	ToolName      string    `json:"toolName"`
	AgentID       string    `json:"agentId,omitempty"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	Error         string    `json:"error,omitempty"`
	DurationMs    int64     `json:"durationMs"`
	StartedAt     time.Time `json:"startedAt"`
	FinishedAt    time.Time `json:"finishedAt"`
}

// InvocationFilter narrows ListInvocations. Empty fields match everything.
type InvocationFilter struct {
	ToolName string
	AgentID  string
	Status   string
	Limit    int
}

// RecordInvocation stores rec. ID and FinishedAt are filled in when empty,
// StartedAt defaults to FinishedAt minus the duration.
func (s *SQLiteStore) RecordInvocation(ctx context.Context, rec *InvocationRecord) error {
	if rec.ToolName == "" || rec.CorrelationID == "" {
		return fmt.Errorf("%w: tool name and correlation id are required", ErrInvalidRecord)
	}
	if rec.Status != StatusCompleted && rec.Status != StatusFailed {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, rec.Status)
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now()
	}
	rec.FinishedAt = rec.FinishedAt.UTC()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = rec.FinishedAt.Add(-time.Duration(rec.DurationMs) * time.Millisecond)
	}
	rec.StartedAt = rec.StartedAt.UTC()

	query := `
		INSERT INTO invocations (id, correlation_id, trace_id, tool_name, agent_id,
			status, reason, error, duration_ms, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.CorrelationID,
		rec.TraceID,
		rec.ToolName,
		rec.AgentID,
		rec.Status,
		rec.Reason,
		rec.Error,
		rec.DurationMs,
		rec.StartedAt.Format(timeLayout),
		rec.FinishedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting invocation: %w", err)
	}
	return nil
}

// ListInvocations returns records matching filter, most recently finished first.
func (s *SQLiteStore) ListInvocations(ctx context.Context, filter InvocationFilter) ([]*InvocationRecord, error) {
	limit := normalizeLimit(filter.Limit)

	query := `
		SELECT id, correlation_id, trace_id, tool_name, agent_id, status, reason,
			error, duration_ms, started_at, finished_at
		FROM invocations
		WHERE (? = '' OR tool_name = ?)
		  AND (? = '' OR agent_id = ?)
		  AND (? = '' OR status = ?)
		ORDER BY finished_at DESC, id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query,
		filter.ToolName, filter.ToolName,
		filter.AgentID, filter.AgentID,
		filter.Status, filter.Status,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying invocations: %w", err)
	}
	defer rows.Close()

	var records []*InvocationRecord
	for rows.Next() {
		rec, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating invocations: %w", err)
	}
	return records, nil
}

// CountInvocations returns the number of stored records.
func (s *SQLiteStore) CountInvocations(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM invocations").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting invocations: %w", err)
	}
	return n, nil
}

// PruneInvocations deletes records that finished before cutoff and returns
// how many were removed.
func (s *SQLiteStore) PruneInvocations(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM invocations WHERE finished_at < ?",
		cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning invocations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning invocations: %w", err)
	}
	return n, nil
}

func scanInvocation(rows *sql.Rows) (*InvocationRecord, error) {
	var rec InvocationRecord
	var startedAt, finishedAt string
	err := rows.Scan(
		&rec.ID,
		&rec.CorrelationID,
		&rec.TraceID,
		&rec.ToolName,
		&rec.AgentID,
		&rec.Status,
		&rec.Reason,
		&rec.Error,
		&rec.DurationMs,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning invocation: %w", err)
	}

	rec.StartedAt, err = time.Parse(timeLayout, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	rec.FinishedAt, err = time.Parse(timeLayout, finishedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing finished_at: %w", err)
	}
	return &rec, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
