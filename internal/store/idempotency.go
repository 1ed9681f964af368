package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/erazemk/popis/internal/db"
	"github.com/erazemk/popis/internal/model"
)

// GetAppliedOutcome returns the outcome recorded for an idempotency key, or
// nil when the key has not been seen.
func GetAppliedOutcome(ctx context.Context, c db.Conn, key string) (*model.Outcome, error) {
	var raw string
	err := c.QueryRowContext(ctx,
		`SELECT outcome FROM applied_mutations WHERE idempotency_key = ?`, key,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting applied mutation: %w", err)
	}

	var out model.Outcome
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decoding applied mutation %s: %w", key, err)
	}
	return &out, nil
}

// RecordOutcome stores the outcome for its idempotency key. A key that is
// already recorded keeps its first outcome and false is returned.
func RecordOutcome(ctx context.Context, c db.Conn, deviceID string, out model.Outcome) (bool, error) {
	raw, err := json.Marshal(out)
	if err != nil {
		return false, fmt.Errorf("encoding outcome: %w", err)
	}
	result, err := c.ExecContext(ctx,
		`INSERT INTO applied_mutations (idempotency_key, device_id, outcome, applied_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		out.IdempotencyKey, deviceID, string(raw), time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("recording outcome: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}
