package client

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/erazemk/popis/internal/db"
	"github.com/erazemk/popis/internal/model"
)

func newLog(t *testing.T) *Log {
	t.Helper()
	database, err := OpenLocal(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewLog(database)
}

func cached(t *testing.T, c db.Conn, et model.EntityType, id int64) *Cached {
	t.Helper()
	e, err := GetCached(context.Background(), c, et, id)
	require.NoError(t, err)
	return e
}

func seed(t *testing.T, l *Log, et model.EntityType, id, version int64, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, putCached(context.Background(), l.DB(), confirmed(et, id, version, raw)))
}

func TestRecordCreateAllocatesTemporaryIDs(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	a, err := l.Record(ctx, model.EntityLocation, model.OpCreate, 0, model.LocationPayload{Code: "A", Name: "A"})
	require.NoError(t, err)
	b, err := l.Record(ctx, model.EntityLocation, model.OpCreate, 0, model.LocationPayload{Code: "B", Name: "B"})
	require.NoError(t, err)

	assert.Equal(t, int64(-1), a.Mutation.TemporaryID)
	assert.Equal(t, int64(-2), b.Mutation.TemporaryID)
	assert.NotEqual(t, a.Mutation.IdempotencyKey, b.Mutation.IdempotencyKey)

	c := cached(t, l.DB(), model.EntityLocation, -1)
	require.NotNil(t, c)
	assert.True(t, c.LocallyCreated)
	assert.True(t, c.NeedsSync)
	assert.Equal(t, int64(1), c.Version)
}

func TestRecordUpdateRequiresCachedEntity(t *testing.T) {
	l := newLog(t)

	_, err := l.Record(context.Background(), model.EntityItem, model.OpUpdate, 42, model.ItemPayload{Name: "x"})
	assert.ErrorIs(t, err, ErrUnknownEntity)
}

func TestUpdatesCoalesceUntilAttempted(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()
	seed(t, l, model.EntityItem, 5, 3, model.ItemPayload{Code: "INV-5", Name: "Chair", LocationID: 1})

	first, err := l.Record(ctx, model.EntityItem, model.OpUpdate, 5, model.ItemPayload{Code: "INV-5", Name: "Chair A", LocationID: 1})
	require.NoError(t, err)
	second, err := l.Record(ctx, model.EntityItem, model.OpUpdate, 5, model.ItemPayload{Code: "INV-5", Name: "Chair B", LocationID: 1})
	require.NoError(t, err)

	// Only the final state is ever sent.
	assert.Equal(t, first.Mutation.IdempotencyKey, second.Mutation.IdempotencyKey)
	pending, err := l.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Chair B", gjson.GetBytes(pending[0].Mutation.Payload, "name").String())
	assert.Equal(t, int64(3), pending[0].Mutation.BaseVersion)

	// Once sent, the mutation may have been applied: a new edit is queued
	// on top of the version it will produce.
	require.NoError(t, l.MarkAttempted(ctx, pending))
	third, err := l.Record(ctx, model.EntityItem, model.OpUpdate, 5, model.ItemPayload{Code: "INV-5", Name: "Chair C", LocationID: 1})
	require.NoError(t, err)
	assert.NotEqual(t, first.Mutation.IdempotencyKey, third.Mutation.IdempotencyKey)
	assert.Equal(t, int64(4), third.Mutation.BaseVersion)

	pending, err = l.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.Mutation.IdempotencyKey, pending[0].Mutation.IdempotencyKey)
}

func TestUpdateCoalescesIntoCreate(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	created, err := l.Record(ctx, model.EntityLocation, model.OpCreate, 0, model.LocationPayload{Code: "A", Name: "First"})
	require.NoError(t, err)
	_, err = l.Record(ctx, model.EntityLocation, model.OpUpdate, created.Mutation.EntityID, model.LocationPayload{Code: "A", Name: "Second"})
	require.NoError(t, err)

	pending, err := l.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.OpCreate, pending[0].Mutation.Operation)
	assert.Equal(t, "Second", gjson.GetBytes(pending[0].Mutation.Payload, "name").String())
}

func TestWorkflowOperationsNeverCoalesce(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	r, err := l.Record(ctx, model.EntityReport, model.OpCreate, 0, model.ReportPayload{LocationID: 3})
	require.NoError(t, err)
	sub, err := l.Record(ctx, model.EntityReport, model.OpSubmit, r.Mutation.EntityID, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(1), sub.Mutation.BaseVersion)
	pending, err := l.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestDrainIsFIFOAndBounded(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	var keys []string
	for i := 0; i < 5; i++ {
		e, err := l.Record(ctx, model.EntityQRCode, model.OpCreate, 0, model.QRCodePayload{Token: string(rune('a' + i))})
		require.NoError(t, err)
		keys = append(keys, e.Mutation.IdempotencyKey)
	}

	pending, err := l.Drain(ctx, 3)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, e := range pending {
		assert.Equal(t, keys[i], e.Mutation.IdempotencyKey)
	}

	// Draining removes nothing.
	n, err := l.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestAcknowledgeRemapsTemporaryIDs(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	report, err := l.Record(ctx, model.EntityReport, model.OpCreate, 0, model.ReportPayload{LocationID: 3})
	require.NoError(t, err)
	finding, err := l.Record(ctx, model.EntityFinding, model.OpCreate, 0,
		model.FindingPayload{ReportID: report.Mutation.EntityID, ItemID: 9, Status: model.FindingFound})
	require.NoError(t, err)
	submit, err := l.Record(ctx, model.EntityReport, model.OpSubmit, report.Mutation.EntityID, nil)
	require.NoError(t, err)

	serverReport, _ := json.Marshal(model.AuditReport{ID: 70, LocationID: 3, State: model.ReportDraft, Version: 1})
	require.NoError(t, l.Acknowledge(ctx, []model.Outcome{{
		IdempotencyKey: report.Mutation.IdempotencyKey,
		Status:         model.OutcomeAccepted,
		EntityType:     model.EntityReport,
		TemporaryID:    report.Mutation.EntityID,
		PermanentID:    70,
		ServerVersion:  1,
		Payload:        serverReport,
	}}))

	// The cache row moved to the server id and still awaits the submit.
	assert.Nil(t, cached(t, l.DB(), model.EntityReport, report.Mutation.EntityID))
	r := cached(t, l.DB(), model.EntityReport, 70)
	require.NotNil(t, r)
	assert.False(t, r.LocallyCreated)
	assert.True(t, r.NeedsSync)

	pending, err := l.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, finding.Mutation.IdempotencyKey, pending[0].Mutation.IdempotencyKey)
	assert.Equal(t, int64(70), gjson.GetBytes(pending[0].Mutation.Payload, "report_id").Int())
	assert.Equal(t, int64(9), gjson.GetBytes(pending[0].Mutation.Payload, "item_id").Int())
	assert.Equal(t, submit.Mutation.IdempotencyKey, pending[1].Mutation.IdempotencyKey)
	assert.Equal(t, int64(70), pending[1].Mutation.EntityID)

	f := cached(t, l.DB(), model.EntityFinding, finding.Mutation.EntityID)
	require.NotNil(t, f)
	assert.Equal(t, int64(70), gjson.GetBytes(f.Payload, "report_id").Int())

	id, ok, err := ResolveTemporary(ctx, l.DB(), model.EntityReport, report.Mutation.EntityID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(70), id)
}

func TestAcknowledgeRejectedIsSurfacedNotRetried(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	e, err := l.Record(ctx, model.EntityQRCode, model.OpCreate, 0, model.QRCodePayload{Token: "dup"})
	require.NoError(t, err)
	require.NoError(t, l.Acknowledge(ctx, []model.Outcome{{
		IdempotencyKey: e.Mutation.IdempotencyKey,
		Status:         model.OutcomeRejected,
		ErrorCode:      model.CodeQRTokenTaken,
		Message:        "token dup is taken",
	}}))

	pending, err := l.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	surfaced, err := l.Surfaced(ctx)
	require.NoError(t, err)
	require.Len(t, surfaced, 1)
	assert.Equal(t, StateRejected, surfaced[0].State)
	assert.Equal(t, model.CodeQRTokenTaken, surfaced[0].ErrorCode)

	require.NoError(t, l.Dismiss(ctx, e.Mutation.IdempotencyKey))
	assert.Nil(t, cached(t, l.DB(), model.EntityQRCode, e.Mutation.EntityID))
	surfaced, err = l.Surfaced(ctx)
	require.NoError(t, err)
	assert.Empty(t, surfaced)
}

func TestAcknowledgeConflictTakesServerState(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()
	seed(t, l, model.EntityLocation, 4, 3, model.LocationPayload{Code: "X", Name: "Old"})

	e, err := l.Record(ctx, model.EntityLocation, model.OpUpdate, 4, model.LocationPayload{Code: "X", Name: "Mine"})
	require.NoError(t, err)

	server, _ := json.Marshal(model.Location{ID: 4, Code: "X", Name: "Theirs", Path: "X", Version: 4})
	require.NoError(t, l.Acknowledge(ctx, []model.Outcome{{
		IdempotencyKey: e.Mutation.IdempotencyKey,
		Status:         model.OutcomeConflict,
		EntityType:     model.EntityLocation,
		ServerVersion:  4,
		Payload:        server,
	}}))

	c := cached(t, l.DB(), model.EntityLocation, 4)
	require.NotNil(t, c)
	assert.Equal(t, int64(4), c.Version)
	assert.Equal(t, "Theirs", gjson.GetBytes(c.Payload, "name").String())
	assert.False(t, c.NeedsSync)

	surfaced, err := l.Surfaced(ctx)
	require.NoError(t, err)
	require.Len(t, surfaced, 1)
	assert.Equal(t, StateConflict, surfaced[0].State)
}

func TestConflictSurfacesEditsBuiltOnIt(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()
	seed(t, l, model.EntityLocation, 4, 1, model.LocationPayload{Code: "X", Name: "Old"})

	first, err := l.Record(ctx, model.EntityLocation, model.OpUpdate, 4, model.LocationPayload{Code: "X", Name: "First"})
	require.NoError(t, err)
	pending, err := l.Drain(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, l.MarkAttempted(ctx, pending))
	second, err := l.Record(ctx, model.EntityLocation, model.OpUpdate, 4, model.LocationPayload{Code: "X", Name: "Second"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Mutation.BaseVersion)

	server, _ := json.Marshal(model.Location{ID: 4, Code: "X", Name: "Theirs", Path: "X", Version: 2})
	require.NoError(t, l.Acknowledge(ctx, []model.Outcome{{
		IdempotencyKey: first.Mutation.IdempotencyKey,
		Status:         model.OutcomeConflict,
		EntityType:     model.EntityLocation,
		ServerVersion:  2,
		Payload:        server,
	}}))

	n, err := l.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	surfaced, err := l.Surfaced(ctx)
	require.NoError(t, err)
	require.Len(t, surfaced, 2)
	assert.Equal(t, second.Mutation.IdempotencyKey, surfaced[1].Mutation.IdempotencyKey)
	assert.Equal(t, StateConflict, surfaced[1].State)
	assert.Contains(t, surfaced[1].Message, first.Mutation.IdempotencyKey)

	c := cached(t, l.DB(), model.EntityLocation, 4)
	assert.Equal(t, "Theirs", gjson.GetBytes(c.Payload, "name").String())
	assert.Equal(t, int64(2), c.Version)
	assert.False(t, c.NeedsSync)
}

func TestRejectedUpdateRestoresServerState(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()
	seed(t, l, model.EntityItem, 5, 1, model.ItemPayload{Code: "INV-5", Name: "Desk", LocationID: 1})

	e, err := l.Record(ctx, model.EntityItem, model.OpUpdate, 5, model.ItemPayload{Code: "INV-5", Name: "Refused", LocationID: 1})
	require.NoError(t, err)
	later, err := l.Record(ctx, model.EntityItem, model.OpUpdate, 5, model.ItemPayload{Code: "INV-5", Name: "Refused", LocationID: 2})
	require.NoError(t, err)
	// The first edit was never sent, so the second folded into it.
	require.Equal(t, e.Mutation.IdempotencyKey, later.Mutation.IdempotencyKey)

	require.NoError(t, l.Acknowledge(ctx, []model.Outcome{{
		IdempotencyKey: e.Mutation.IdempotencyKey,
		Status:         model.OutcomeRejected,
		EntityType:     model.EntityItem,
		ErrorCode:      model.CodeLocationLocked,
	}}))

	c := cached(t, l.DB(), model.EntityItem, 5)
	assert.Equal(t, "Desk", gjson.GetBytes(c.Payload, "name").String())
	assert.Equal(t, int64(1), c.Version)
	assert.False(t, c.NeedsSync)

	require.NoError(t, l.Dismiss(ctx, e.Mutation.IdempotencyKey))

	// A pull of the unchanged server row applies again.
	ok, err := applyChange(ctx, l.DB(), model.EntityItem, model.Change{Op: model.ChangeUpdated, EntityID: 5, Version: 1,
		Payload: json.RawMessage(`{"id":5,"code":"INV-5","name":"Desk"}`)})
	require.NoError(t, err)
	assert.True(t, ok)

	next, err := l.Record(ctx, model.EntityItem, model.OpUpdate, 5, model.ItemPayload{Code: "INV-5", Name: "Desk 2", LocationID: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), next.Mutation.BaseVersion)
}

func TestDismissingRefusedCreateDropsItsFollowers(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	created, err := l.Record(ctx, model.EntityReport, model.OpCreate, 0, model.ReportPayload{LocationID: 3})
	require.NoError(t, err)
	_, err = l.Record(ctx, model.EntityReport, model.OpSubmit, created.Mutation.EntityID, nil)
	require.NoError(t, err)

	require.NoError(t, l.Acknowledge(ctx, []model.Outcome{{
		IdempotencyKey: created.Mutation.IdempotencyKey,
		Status:         model.OutcomeRejected,
		EntityType:     model.EntityReport,
		ErrorCode:      model.CodeLocationLocked,
	}}))
	surfaced, err := l.Surfaced(ctx)
	require.NoError(t, err)
	require.Len(t, surfaced, 2)
	assert.Equal(t, StateRejected, surfaced[1].State)
	assert.Equal(t, model.CodeLocationLocked, surfaced[1].ErrorCode)

	require.NoError(t, l.Dismiss(ctx, created.Mutation.IdempotencyKey))
	surfaced, err = l.Surfaced(ctx)
	require.NoError(t, err)
	assert.Empty(t, surfaced)
	assert.Nil(t, cached(t, l.DB(), model.EntityReport, created.Mutation.EntityID))
}

func TestRewriteRefsOnlyTouchesMatchingTargets(t *testing.T) {
	payload := []byte(`{"report_id":-1,"item_id":-1,"status":"found"}`)

	out, changed, err := rewriteRefs(payload, model.EntityFinding, model.EntityItem, -1, 12)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(-1), gjson.GetBytes(out, "report_id").Int())
	assert.Equal(t, int64(12), gjson.GetBytes(out, "item_id").Int())

	_, changed, err = rewriteRefs(payload, model.EntityFinding, model.EntityLocation, -1, 12)
	require.NoError(t, err)
	assert.False(t, changed)
}
