// Package journal keeps an audit trail of settlement attempts.
// Rows are written after every attempt and are never consulted when deciding what to settle.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mtlprog/resolver/internal/domain"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ErrNotFound indicates that no attempts exist for the request.
var ErrNotFound = errors.New("settlement attempts not found")

// Attempt is a stored settlement outcome.
type Attempt struct {
	ID int64 `json:"id"`
	domain.SettlementOutcome
	CreatedAt time.Time `json:"createdAt"`
}

// Repository defines persistent storage for settlement attempts.
type Repository interface {
	Record(ctx context.Context, outcome domain.SettlementOutcome) error
	ListByRequest(ctx context.Context, requestID uint64, limit int) ([]Attempt, error)
}

// PgRepository implements Repository with PostgreSQL.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewPgRepository creates a new PostgreSQL attempt journal.
func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func (r *PgRepository) Record(ctx context.Context, outcome domain.SettlementOutcome) error {
	rec, err := toRow(outcome)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO settlement_attempts
		   (attempt_id, request_id, operation, result, final_state, actions,
		    error, error_kind, retryable, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11)
		 ON CONFLICT (attempt_id) DO NOTHING`,
		rec.attemptID, rec.requestID, string(outcome.Operation), string(outcome.Result),
		string(outcome.FinalState), rec.actions, outcome.Error, string(outcome.ErrorKind),
		outcome.Retryable, outcome.StartedAt, outcome.FinishedAt)
	if err != nil {
		return fmt.Errorf("recording settlement attempt: %w", err)
	}
	return nil
}

// ListByRequest returns the most recent attempts for a request, newest first.
func (r *PgRepository) ListByRequest(ctx context.Context, requestID uint64, limit int) ([]Attempt, error) {
	id, err := requestKey(requestID)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, attempt_id::text, request_id, operation, result, final_state, actions,
		        error, error_kind, retryable, started_at, finished_at, created_at
		 FROM settlement_attempts
		 WHERE request_id = $1
		 ORDER BY started_at DESC, id DESC
		 LIMIT $2`, id, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("listing settlement attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating settlement attempts: %w", err)
	}
	if len(attempts) == 0 {
		return nil, ErrNotFound
	}
	return attempts, nil
}

// Latest returns the newest attempt for a request.
func (r *PgRepository) Latest(ctx context.Context, requestID uint64) (*Attempt, error) {
	attempts, err := r.ListByRequest(ctx, requestID, 1)
	if err != nil {
		return nil, err
	}
	return &attempts[0], nil
}

type row struct {
	attemptID uuid.UUID
	requestID int64
	actions   []byte
}

func toRow(outcome domain.SettlementOutcome) (row, error) {
	id, err := uuid.Parse(outcome.AttemptID)
	if err != nil {
		return row{}, fmt.Errorf("parsing attempt id %q: %w", outcome.AttemptID, err)
	}
	requestID, err := requestKey(outcome.RequestID)
	if err != nil {
		return row{}, err
	}
	actions := outcome.Actions
	if actions == nil {
		actions = []domain.LedgerAction{}
	}
	data, err := json.Marshal(actions)
	if err != nil {
		return row{}, fmt.Errorf("encoding ledger actions: %w", err)
	}
	return row{attemptID: id, requestID: requestID, actions: data}, nil
}

func scanAttempt(rows pgx.Rows) (Attempt, error) {
	var (
		a                              Attempt
		requestID                      int64
		operation, result, state, kind string
		actions                        []byte
	)
	err := rows.Scan(&a.ID, &a.AttemptID, &requestID, &operation, &result, &state, &actions,
		&a.Error, &kind, &a.Retryable, &a.StartedAt, &a.FinishedAt, &a.CreatedAt)
	if err != nil {
		return Attempt{}, fmt.Errorf("scanning settlement attempt: %w", err)
	}
	a.RequestID = uint64(requestID)
	a.Operation = domain.Operation(operation)
	a.Result = domain.SettlementResult(result)
	a.FinalState = domain.SettlementState(state)
	a.ErrorKind = domain.ErrorKind(kind)
	if err := json.Unmarshal(actions, &a.Actions); err != nil {
		return Attempt{}, fmt.Errorf("decoding ledger actions: %w", err)
	}
	return a, nil
}

func requestKey(requestID uint64) (int64, error) {
	if requestID > math.MaxInt64 {
		return 0, fmt.Errorf("request id %d out of range", requestID)
	}
	return int64(requestID), nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}
