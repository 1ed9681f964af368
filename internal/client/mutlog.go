package client

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/erazemk/popis/internal/db"
	"github.com/erazemk/popis/internal/model"
)

// State is where a logged mutation stands.
type State string

// Mutation states. Rejected and conflicting mutations stay in the log until
// the user dismisses them; they are never sent again.
const (
	StatePending  State = "pending"
	StateRejected State = "rejected"
	StateConflict State = "conflict"
)

// ErrUnknownEntity is returned when recording a change to an entity the
// device does not hold.
var ErrUnknownEntity = errors.New("entity not in local cache")

// Entry is one mutation in the local log.
type Entry struct {
	Seq            int64
	Mutation       model.Mutation
	HasAttachments bool
	State          State
	Attempts       int
	ErrorCode      model.ErrorCode
	Message        string
	CreatedAt      time.Time
}

// Log is the device's append-only record of changes waiting for the server.
// Appends and acknowledgements each run in their own local transaction, so
// user edits may be recorded while a sync is in flight.
type Log struct {
	db *db.DB
}

// NewLog returns a log backed by the local database.
func NewLog(database *db.DB) *Log {
	return &Log{db: database}
}

// DB returns the local database the log writes to.
func (l *Log) DB() *db.DB { return l.db }

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

// Record appends a mutation and updates the local cache to match. A create
// with entityID zero gets a fresh temporary id. An update to an entity whose
// latest mutation has never been sent overwrites that mutation's payload
// instead of queuing a second one.
func (l *Log) Record(ctx context.Context, et model.EntityType, op model.Operation, entityID int64, payload any) (*Entry, error) {
	if !et.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", et)
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	tx, err := l.db.BeginTx(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var e *Entry
	if op == model.OpCreate {
		e, err = recordCreate(ctx, tx, et, entityID, raw)
	} else {
		e, err = recordChange(ctx, tx, et, op, entityID, raw)
	}
	if err != nil {
		return nil, err
	}
	if err := refreshNeedsSync(ctx, tx, et, e.Mutation.EntityID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing: %w", err)
	}
	return e, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return raw, nil
}

func recordCreate(ctx context.Context, c db.Conn, et model.EntityType, id int64, raw json.RawMessage) (*Entry, error) {
	if id == 0 {
		if err := c.QueryRowContext(ctx,
			`UPDATE local_ids SET next = next - 1 WHERE id = 1 RETURNING next`).Scan(&id); err != nil {
			return nil, fmt.Errorf("allocating temporary id: %w", err)
		}
	}
	if !model.IsTemporaryID(id) {
		return nil, fmt.Errorf("create needs a temporary id, got %d", id)
	}
	// A server create yields version 1; later local changes build on that.
	if err := putCached(ctx, c, Cached{EntityType: et, EntityID: id, Version: 1, Payload: raw, LocallyCreated: true}); err != nil {
		return nil, err
	}
	return appendMutation(ctx, c, et, model.OpCreate, id, 0, raw)
}

func recordChange(ctx context.Context, c db.Conn, et model.EntityType, op model.Operation, id int64, raw json.RawMessage) (*Entry, error) {
	cached, err := GetCached(ctx, c, et, id)
	if err != nil {
		return nil, err
	}
	if cached == nil {
		return nil, fmt.Errorf("%w: %s %d", ErrUnknownEntity, et, id)
	}

	if op == model.OpUpdate {
		last, err := latestEntry(ctx, c, et, id)
		if err != nil {
			return nil, err
		}
		if last != nil && coalescable(last) {
			if _, err := c.ExecContext(ctx,
				`UPDATE mutations SET payload = ?, has_attachments = ? WHERE seq = ?`,
				string(raw), hasAttachments(raw), last.Seq); err != nil {
				return nil, fmt.Errorf("coalescing into %s: %w", last.Mutation.IdempotencyKey, err)
			}
			cached.Payload = raw
			if err := putCached(ctx, c, *cached); err != nil {
				return nil, err
			}
			last.Mutation.Payload = raw
			last.HasAttachments = hasAttachments(raw)
			return last, nil
		}
		cached.Payload = raw
	}

	// The server bumps the version once per applied mutation; the next local
	// change is based on the version this one will produce.
	base := cached.Version
	cached.Version++
	if err := putCached(ctx, c, *cached); err != nil {
		return nil, err
	}
	return appendMutation(ctx, c, et, op, id, base, raw)
}

// coalescable reports whether a new update may overwrite e. Only mutations
// the server can never have seen qualify.
func coalescable(e *Entry) bool {
	op := e.Mutation.Operation
	return e.State == StatePending && e.Attempts == 0 && (op == model.OpCreate || op == model.OpUpdate)
}

func appendMutation(ctx context.Context, c db.Conn, et model.EntityType, op model.Operation, id, base int64, raw json.RawMessage) (*Entry, error) {
	key := uuid.NewString()
	var seq int64
	err := c.QueryRowContext(ctx,
		`INSERT INTO mutations (idempotency_key, entity_type, operation, entity_id, base_version, payload, has_attachments)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING seq`,
		key, et, op, id, base, string(raw), hasAttachments(raw)).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("appending %s %s: %w", op, et, err)
	}
	return getEntry(ctx, c, `seq = ?`, seq)
}

const entryColumns = `seq, idempotency_key, entity_type, operation, entity_id, base_version,
	payload, has_attachments, state, attempts, error_code, message, created_at`

func scanEntry(row interface{ Scan(...any) error }) (*Entry, error) {
	var e Entry
	var id int64
	var payload string
	err := row.Scan(&e.Seq, &e.Mutation.IdempotencyKey, &e.Mutation.EntityType, &e.Mutation.Operation,
		&id, &e.Mutation.BaseVersion, &payload, &e.HasAttachments, &e.State, &e.Attempts,
		&e.ErrorCode, &e.Message, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Mutation.Payload = json.RawMessage(payload)
	if e.Mutation.Operation == model.OpCreate && model.IsTemporaryID(id) {
		e.Mutation.TemporaryID = id
	}
	e.Mutation.EntityID = id
	return &e, nil
}

func getEntry(ctx context.Context, c db.Conn, where string, args ...any) (*Entry, error) {
	e, err := scanEntry(c.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM mutations WHERE `+where, args...))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting mutation: %w", err)
	}
	return e, nil
}

func latestEntry(ctx context.Context, c db.Conn, et model.EntityType, id int64) (*Entry, error) {
	return getEntry(ctx, c, `entity_type = ? AND entity_id = ? ORDER BY seq DESC LIMIT 1`, et, id)
}

func listEntries(ctx context.Context, c db.Conn, where string, args ...any) ([]Entry, error) {
	rows, err := c.QueryContext(ctx, `SELECT `+entryColumns+` FROM mutations WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("listing mutations: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning mutation: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Drain returns up to max pending mutations, oldest first, without removing
// them.
func (l *Log) Drain(ctx context.Context, max int) ([]Entry, error) {
	return listEntries(ctx, l.db, `state = 'pending' ORDER BY seq LIMIT ?`, max)
}

// Pending counts mutations still waiting to be sent.
func (l *Log) Pending(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutations WHERE state = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting pending mutations: %w", err)
	}
	return n, nil
}

// Surfaced returns the rejected and conflicting mutations awaiting the user.
func (l *Log) Surfaced(ctx context.Context) ([]Entry, error) {
	return listEntries(ctx, l.db, `state IN ('rejected', 'conflict') ORDER BY seq`)
}

// MarkAttempted records that entries are about to be sent. From then on the
// server may have applied them, so they no longer absorb later edits.
func (l *Log) MarkAttempted(ctx context.Context, entries []Entry) error {
	tx, err := l.db.BeginTx(ctx, false)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`UPDATE mutations SET attempts = attempts + 1 WHERE seq = ?`, e.Seq); err != nil {
			return fmt.Errorf("marking %s attempted: %w", e.Mutation.IdempotencyKey, err)
		}
	}
	return tx.Commit()
}

// Acknowledge applies the server's outcomes for one batch in a single local
// transaction: accepted mutations leave the log (relabelling created
// entities), rejected and conflicting ones are kept for the user.
func (l *Log) Acknowledge(ctx context.Context, outcomes []model.Outcome) error {
	tx, err := l.db.BeginTx(ctx, false)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	inBatch := make(map[string]bool, len(outcomes))
	for _, out := range outcomes {
		inBatch[out.IdempotencyKey] = true
	}
	for _, out := range outcomes {
		e, err := getEntry(ctx, tx, `idempotency_key = ?`, out.IdempotencyKey)
		if err != nil {
			return err
		}
		if e == nil || e.State != StatePending {
			slog.Warn("outcome for unknown mutation", "key", out.IdempotencyKey, "status", out.Status)
			continue
		}
		if err := acknowledge(ctx, tx, e, out, inBatch); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// acknowledge applies one outcome. A refused mutation takes the later pending
// mutations of the same entity with it: they were built on state the server
// never accepted. Mutations of the current batch get their own outcome.
func acknowledge(ctx context.Context, c db.Conn, e *Entry, out model.Outcome, inBatch map[string]bool) error {
	et, id := e.Mutation.EntityType, e.Mutation.EntityID

	switch out.Status {
	case model.OutcomeAccepted:
		if _, err := c.ExecContext(ctx, `DELETE FROM mutations WHERE seq = ?`, e.Seq); err != nil {
			return fmt.Errorf("removing %s: %w", out.IdempotencyKey, err)
		}
		if model.IsTemporaryID(id) && out.PermanentID > 0 {
			if err := remap(ctx, c, et, id, out.PermanentID); err != nil {
				return err
			}
			id = out.PermanentID
		}
		return settle(ctx, c, et, id, out.ServerVersion, out.Payload)

	case model.OutcomeConflict:
		if err := surface(ctx, c, e, StateConflict, out); err != nil {
			return err
		}
		if err := surfaceFollowing(ctx, c, e, StateConflict, out, inBatch); err != nil {
			return err
		}
		slog.Warn("mutation conflicts with server state", "entity", et, "id", id, "server_version", out.ServerVersion)
		// The device drops its attempt and takes the server's state.
		if out.Payload != nil {
			if err := putCached(ctx, c, confirmed(et, id, out.ServerVersion, out.Payload)); err != nil {
				return err
			}
		}
		return revert(ctx, c, et, id)

	case model.OutcomeRejected:
		if err := surface(ctx, c, e, StateRejected, out); err != nil {
			return err
		}
		if err := surfaceFollowing(ctx, c, e, StateRejected, out, inBatch); err != nil {
			return err
		}
		slog.Warn("mutation rejected", "entity", et, "id", id, "code", out.ErrorCode, "message", out.Message)
		return revert(ctx, c, et, id)
	}
	return fmt.Errorf("unknown outcome status %q for %s", out.Status, out.IdempotencyKey)
}

// settle stores the server's state for an entity once nothing else is
// pending against it; otherwise the local state stays ahead.
func settle(ctx context.Context, c db.Conn, et model.EntityType, id, version int64, payload json.RawMessage) error {
	if err := refreshNeedsSync(ctx, c, et, id); err != nil {
		return err
	}
	cached, err := GetCached(ctx, c, et, id)
	if err != nil || cached == nil {
		return err
	}
	cached.LocallyCreated = false
	if payload != nil {
		cached.ServerVersion, cached.ServerPayload = version, payload
		if !cached.NeedsSync {
			cached.Version, cached.Payload = version, payload
		}
	}
	return putCached(ctx, c, *cached)
}

func surfaceFollowing(ctx context.Context, c db.Conn, e *Entry, state State, out model.Outcome, inBatch map[string]bool) error {
	later, err := listEntries(ctx, c,
		`entity_type = ? AND entity_id = ? AND state = 'pending' AND seq > ? ORDER BY seq`,
		e.Mutation.EntityType, e.Mutation.EntityID, e.Seq)
	if err != nil {
		return err
	}
	for i := range later {
		if inBatch[later[i].Mutation.IdempotencyKey] {
			continue
		}
		follow := model.Outcome{
			ErrorCode: out.ErrorCode,
			Message:   fmt.Sprintf("builds on %s mutation %s", state, e.Mutation.IdempotencyKey),
		}
		if err := surface(ctx, c, &later[i], state, follow); err != nil {
			return err
		}
	}
	return nil
}

func surface(ctx context.Context, c db.Conn, e *Entry, state State, out model.Outcome) error {
	_, err := c.ExecContext(ctx,
		`UPDATE mutations SET state = ?, error_code = ?, message = ? WHERE seq = ?`,
		state, out.ErrorCode, out.Message, e.Seq)
	if err != nil {
		return fmt.Errorf("marking %s %s: %w", e.Mutation.IdempotencyKey, state, err)
	}
	return nil
}

// Dismiss removes a rejected or conflicting mutation once the user has seen
// it. A locally created entity whose creation was refused goes with it.
func (l *Log) Dismiss(ctx context.Context, key string) error {
	tx, err := l.db.BeginTx(ctx, false)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	e, err := getEntry(ctx, tx, `idempotency_key = ?`, key)
	if err != nil {
		return err
	}
	if e == nil || e.State == StatePending {
		return fmt.Errorf("mutation %s is not awaiting dismissal", key)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM mutations WHERE seq = ?`, e.Seq); err != nil {
		return fmt.Errorf("dismissing %s: %w", key, err)
	}

	et, id := e.Mutation.EntityType, e.Mutation.EntityID
	if e.Mutation.Operation == model.OpCreate && model.IsTemporaryID(id) {
		// Nothing else addressing the refused entity can ever be sent.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM mutations WHERE entity_type = ? AND entity_id = ? AND state <> 'pending'`, et, id); err != nil {
			return fmt.Errorf("dismissing mutations of %s %d: %w", et, id, err)
		}
		if err := deleteCached(ctx, tx, et, id); err != nil {
			return err
		}
	} else if err := revert(ctx, tx, et, id); err != nil {
		return err
	}
	return tx.Commit()
}
