// Package reconcile is the server side of the sync protocol. It applies
// pushed mutation batches one record at a time, each in its own transaction,
// and serves pulls from the change feed.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/erazemk/popis/internal/db"
	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/pathtree"
	"github.com/erazemk/popis/internal/scope"
	"github.com/erazemk/popis/internal/store"
	"github.com/erazemk/popis/internal/validate"
)

// Principal is the authenticated device and the auditor operating it.
type Principal struct {
	DeviceID  string
	AuditorID int64
	Role      string
}

func (p Principal) actor() validate.Actor {
	return validate.Actor{AuditorID: p.AuditorID, Role: p.Role}
}

// Engine applies pushes and serves pulls against the authoritative store.
type Engine struct {
	db        *db.DB
	scopes    scope.Resolver
	pullLimit int
}

// NewEngine creates an engine. pullLimit caps the changes returned per entity
// type in one pull.
func NewEngine(database *db.DB, scopes scope.Resolver, pullLimit int) *Engine {
	if pullLimit <= 0 {
		pullLimit = 500
	}
	return &Engine{db: database, scopes: scopes, pullLimit: pullLimit}
}

// roots returns the permitted scope of p; nil means unrestricted.
func (e *Engine) roots(ctx context.Context, p Principal) ([]string, error) {
	if model.RoleAtLeast(p.Role, model.RoleAdmin) {
		return nil, nil
	}
	roots, err := scope.Paths(ctx, e.db, e.scopes, p.AuditorID)
	if err != nil {
		return nil, fmt.Errorf("resolving scope of auditor %d: %w", p.AuditorID, err)
	}
	if roots == nil {
		roots = []string{}
	}
	return roots, nil
}

// ApplyBatch applies muts in order and returns one outcome per mutation in
// the same order. Each mutation commits or fails on its own; a refused record
// never affects its siblings. An error means the store itself failed; the
// mutations applied before it stay committed and a retry of the whole batch
// is answered from the idempotency ledger.
func (e *Engine) ApplyBatch(ctx context.Context, p Principal, muts []model.Mutation) ([]model.Outcome, error) {
	roots, err := e.roots(ctx, p)
	if err != nil {
		return nil, err
	}

	outcomes := make([]model.Outcome, 0, len(muts))
	counts := map[model.OutcomeStatus]int{}
	refusedRefs := map[entityRef]bool{}
	for i := range muts {
		ref := refOf(&muts[i])
		blocked := muts[i].Operation != model.OpCreate && refusedRefs[ref]
		out, err := e.apply(ctx, p, roots, &muts[i], blocked)
		if err != nil {
			return nil, fmt.Errorf("applying mutation %s: %w", muts[i].IdempotencyKey, err)
		}
		if out.Status != model.OutcomeAccepted {
			refusedRefs[ref] = true
		}
		counts[out.Status]++
		outcomes = append(outcomes, out)
	}

	slog.Info("batch applied", "device", p.DeviceID, "auditor", p.AuditorID, "mutations", len(muts),
		"accepted", counts[model.OutcomeAccepted], "conflict", counts[model.OutcomeConflict],
		"rejected", counts[model.OutcomeRejected])
	return outcomes, nil
}

// entityRef names an entity the way the device addresses it within a batch.
type entityRef struct {
	et model.EntityType
	id int64
}

func refOf(m *model.Mutation) entityRef {
	if m.Operation == model.OpCreate {
		return entityRef{m.EntityType, m.TemporaryID}
	}
	return entityRef{m.EntityType, m.EntityID}
}

// apply runs one mutation. A blocked mutation follows a refused mutation of
// the same entity in the batch: its base version assumes state the server
// never accepted, so it conflicts without being applied.
func (e *Engine) apply(ctx context.Context, p Principal, roots []string, m *model.Mutation, blocked bool) (model.Outcome, error) {
	if _, err := uuid.Parse(m.IdempotencyKey); err != nil {
		slog.Warn("mutation refused", "device", p.DeviceID, "key", m.IdempotencyKey,
			"code", model.CodeInvalidIdempotencyKey, "error", err)
		return refused(m, validate.Fail(model.CodeInvalidIdempotencyKey, "idempotency key must be a UUID")), nil
	}

	prev, err := store.GetAppliedOutcome(ctx, e.db, m.IdempotencyKey)
	if err != nil {
		return model.Outcome{}, err
	}
	if prev != nil {
		return *prev, nil
	}

	tx, err := e.db.BeginTx(ctx, false)
	if err != nil {
		return model.Outcome{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	mc := &mutation{Mutation: m, tx: tx, principal: p, roots: roots}
	var res *result
	if blocked {
		err = mc.superseded(ctx)
	} else {
		res, err = dispatch(ctx, mc)
	}

	if err != nil && db.IsUniqueViolation(err) {
		// A concurrent transaction claimed the same unique value after this
		// one passed validation.
		tx.Rollback()
		slog.Warn("mutation lost a concurrent write", "device", p.DeviceID, "key", m.IdempotencyKey,
			"entity", m.EntityType, "operation", m.Operation, "error", err)
		err = e.raced(ctx, p, m)
	}

	var out model.Outcome
	var conflict *conflictError
	switch {
	case err == nil:
		out, err = accepted(m, res)
		if err != nil {
			return model.Outcome{}, err
		}
		recorded, err := store.RecordOutcome(ctx, tx, p.DeviceID, out)
		if err != nil {
			return model.Outcome{}, err
		}
		if !recorded {
			// A concurrent delivery of the same key won.
			tx.Rollback()
			return e.recorded(ctx, m)
		}
		if err := tx.Commit(); err != nil {
			return model.Outcome{}, fmt.Errorf("committing mutation: %w", err)
		}
		return out, nil

	case errors.As(err, &conflict):
		out = model.Outcome{
			IdempotencyKey: m.IdempotencyKey,
			Status:         model.OutcomeConflict,
			EntityType:     m.EntityType,
			ErrorCode:      conflict.code(),
			Message:        conflict.Error(),
			ServerVersion:  conflict.Version,
			Payload:        conflict.Payload,
		}

	default:
		var ve *validate.Error
		if !errors.As(err, &ve) {
			return model.Outcome{}, err
		}
		if ve.Code == model.CodeMalformedMutation || ve.Code == model.CodeUnsupportedOperation {
			slog.Warn("mutation refused", "device", p.DeviceID, "key", m.IdempotencyKey,
				"entity", m.EntityType, "operation", m.Operation, "code", ve.Code, "error", ve.Message)
		}
		out = refused(m, ve)
	}

	tx.Rollback()
	recorded, err := store.RecordOutcome(ctx, e.db, p.DeviceID, out)
	if err != nil {
		return model.Outcome{}, err
	}
	if !recorded {
		return e.recorded(ctx, m)
	}
	return out, nil
}

// raced builds the conflict for a mutation that lost a unique constraint race,
// carrying the current state of the entity it addressed when there is one.
func (e *Engine) raced(ctx context.Context, p Principal, m *model.Mutation) error {
	ce := &conflictError{EntityType: m.EntityType, EntityID: m.EntityID, Base: m.BaseVersion, Code: model.CodeConcurrentWrite}
	if m.Operation == model.OpCreate || m.EntityID == 0 {
		return ce
	}
	id := m.EntityID
	if model.IsTemporaryID(id) {
		perm, ok, err := store.ResolveID(ctx, e.db, p.DeviceID, m.EntityType, id)
		if err != nil {
			return err
		}
		if !ok {
			return ce
		}
		id = perm
	}
	payload, version, err := loadEntity(ctx, e.db, m.EntityType, id)
	if err != nil {
		return err
	}
	ce.EntityID, ce.Version, ce.Payload = id, version, payload
	return ce
}

func (e *Engine) recorded(ctx context.Context, m *model.Mutation) (model.Outcome, error) {
	prev, err := store.GetAppliedOutcome(ctx, e.db, m.IdempotencyKey)
	if err != nil {
		return model.Outcome{}, err
	}
	if prev == nil {
		return model.Outcome{}, fmt.Errorf("outcome for %s vanished", m.IdempotencyKey)
	}
	return *prev, nil
}

func accepted(m *model.Mutation, res *result) (model.Outcome, error) {
	payload, err := json.Marshal(res.payload)
	if err != nil {
		return model.Outcome{}, fmt.Errorf("encoding %s %d: %w", m.EntityType, res.id, err)
	}
	out := model.Outcome{
		IdempotencyKey: m.IdempotencyKey,
		Status:         model.OutcomeAccepted,
		EntityType:     m.EntityType,
		PermanentID:    res.id,
		ServerVersion:  res.version,
		Payload:        payload,
	}
	if m.Operation == model.OpCreate {
		out.TemporaryID = m.TemporaryID
	}
	return out, nil
}

func refused(m *model.Mutation, ve *validate.Error) model.Outcome {
	return model.Outcome{
		IdempotencyKey: m.IdempotencyKey,
		Status:         model.OutcomeRejected,
		EntityType:     m.EntityType,
		TemporaryID:    m.TemporaryID,
		ErrorCode:      ve.Code,
		Message:        ve.Message,
	}
}

// result is an applied mutation: the entity's permanent ID, its new version
// and its full server-side state.
type result struct {
	id      int64
	version int64
	payload any
}

// conflictError reports that the entity moved past the device's base version.
type conflictError struct {
	EntityType model.EntityType
	EntityID   int64
	Base       int64
	Version    int64
	Payload    json.RawMessage
	Superseded bool
	Code       model.ErrorCode
}

func (c *conflictError) Error() string {
	if c.Code == model.CodeConcurrentWrite {
		return fmt.Sprintf("%s %d was changed by a concurrent write", c.EntityType, c.EntityID)
	}
	if c.Superseded {
		return fmt.Sprintf("%s %d: an earlier mutation of this entity in the batch was refused", c.EntityType, c.EntityID)
	}
	return fmt.Sprintf("%s %d is at version %d, mutation was based on %d", c.EntityType, c.EntityID, c.Version, c.Base)
}

func (c *conflictError) code() model.ErrorCode {
	if c.Code != "" {
		return c.Code
	}
	if c.Payload == nil {
		return model.CodeEntityNotFound
	}
	return ""
}

// mutation carries one mutation through its transaction.
type mutation struct {
	*model.Mutation
	tx        *db.Tx
	principal Principal
	roots     []string
}

func (m *mutation) decode(v any) error {
	if len(m.Payload) == 0 {
		return validate.Fail(model.CodeMalformedMutation, "%s %s needs a payload", m.EntityType, m.Operation)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return validate.Fail(model.CodeMalformedMutation, "decoding %s payload: %v", m.EntityType, err)
	}
	return nil
}

// resolve maps a possibly temporary reference to a server ID.
func (m *mutation) resolve(ctx context.Context, et model.EntityType, id int64) (int64, error) {
	if !model.IsTemporaryID(id) {
		return id, nil
	}
	perm, ok, err := store.ResolveID(ctx, m.tx, m.principal.DeviceID, et, id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, validate.Fail(model.CodeUnresolvedReference, "temporary %s id %d is unknown", et, id)
	}
	return perm, nil
}

// target resolves the entity an update or workflow operation addresses.
func (m *mutation) target(ctx context.Context) (int64, error) {
	if m.EntityID == 0 {
		return 0, validate.Fail(model.CodeMalformedMutation, "%s %s needs an entity_id", m.EntityType, m.Operation)
	}
	return m.resolve(ctx, m.EntityType, m.EntityID)
}

// created maps the mutation's temporary ID to the new permanent one.
func (m *mutation) created(ctx context.Context, id int64) error {
	if !model.IsTemporaryID(m.TemporaryID) {
		return nil
	}
	return store.MapID(ctx, m.tx, m.principal.DeviceID, m.EntityType, m.TemporaryID, id)
}

func (m *mutation) inScope(path string) error {
	if m.roots == nil || pathtree.WithinAny(path, m.roots) {
		return nil
	}
	return validate.Fail(model.CodeOutOfScope, "location %s is outside the auditor's assigned locations", path)
}

// checkVersion turns a stale base version into a conflict carrying the
// current server state.
func (m *mutation) checkVersion(ctx context.Context, id, current int64) error {
	if m.BaseVersion == current {
		return nil
	}
	return m.conflict(ctx, id)
}

func (m *mutation) conflict(ctx context.Context, id int64) error {
	payload, version, err := loadEntity(ctx, m.tx, m.EntityType, id)
	if err != nil {
		return err
	}
	return &conflictError{EntityType: m.EntityType, EntityID: id, Base: m.BaseVersion, Version: version, Payload: payload}
}

// superseded answers a blocked mutation with the entity's current state.
func (m *mutation) superseded(ctx context.Context) error {
	id, err := m.target(ctx)
	if err != nil {
		return err
	}
	err = m.conflict(ctx, id)
	var ce *conflictError
	if errors.As(err, &ce) {
		ce.Superseded = true
	}
	return err
}

// versioned maps store.ErrVersionMismatch from a conditional write to a
// conflict.
func (m *mutation) versioned(ctx context.Context, id int64, err error) error {
	if errors.Is(err, store.ErrVersionMismatch) {
		return m.conflict(ctx, id)
	}
	return err
}

func (m *mutation) emit(ctx context.Context, et model.EntityType, id int64, op model.ChangeOp, version int64, scopePath string) error {
	_, err := store.RecordChange(ctx, m.tx, store.ChangeRecord{
		EntityType: et,
		EntityID:   id,
		Op:         op,
		Version:    version,
		ScopePath:  scopePath,
		DeviceID:   m.principal.DeviceID,
	})
	return err
}

type handlerFunc func(ctx context.Context, m *mutation) (*result, error)

var handlers = map[model.EntityType]map[model.Operation]handlerFunc{
	model.EntityLocation: {
		model.OpCreate: createLocation,
		model.OpUpdate: updateLocation,
	},
	model.EntityItem: {
		model.OpCreate: createItem,
		model.OpUpdate: updateItem,
	},
	model.EntityQRCode: {
		model.OpCreate: createQRCode,
		model.OpBind:   bindQRCode,
	},
	model.EntityReport: {
		model.OpCreate:  createReport,
		model.OpSubmit:  transitionReport,
		model.OpApprove: transitionReport,
		model.OpReject:  transitionReport,
		model.OpReopen:  transitionReport,
	},
	model.EntityFinding: {
		model.OpCreate: createFinding,
		model.OpUpdate: updateFinding,
	},
}

func dispatch(ctx context.Context, m *mutation) (*result, error) {
	ops, ok := handlers[m.EntityType]
	if !ok {
		return nil, validate.Fail(model.CodeMalformedMutation, "unknown entity type %q", m.EntityType)
	}
	h, ok := ops[m.Operation]
	if !ok {
		return nil, validate.Fail(model.CodeUnsupportedOperation, "%s does not support %q", m.EntityType, m.Operation)
	}
	return h(ctx, m)
}
