package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/erazemk/popis/internal/api"
	"github.com/erazemk/popis/internal/auth"
	"github.com/erazemk/popis/internal/db"
	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/reconcile"
	"github.com/erazemk/popis/internal/scope"
	"github.com/erazemk/popis/internal/store"
)

func TestRetryDoublesThenGivesUp(t *testing.T) {
	r := retry{max: 4, base: 100 * time.Millisecond}

	var delays []time.Duration
	for {
		d, ok := r.Next()
		if !ok {
			break
		}
		delays = append(delays, d)
	}
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, delays)
	assert.Equal(t, 4, r.attempt)
}

func TestNextBatchShrinksForAttachments(t *testing.T) {
	plain := Entry{}
	photo := Entry{HasAttachments: true}

	assert.Len(t, nextBatch([]Entry{plain, plain, plain, plain, plain}, 4, 2), 4)
	assert.Len(t, nextBatch([]Entry{photo, plain, plain, plain}, 4, 2), 2)
	// Plain entries already taken past the attachment bound stay in front.
	assert.Len(t, nextBatch([]Entry{plain, plain, plain, photo}, 4, 2), 3)
	assert.Len(t, nextBatch([]Entry{plain, photo, plain}, 4, 2), 2)
}

// fakeTransport answers from canned functions and counts calls.
type fakeTransport struct {
	mu    sync.Mutex
	push  func(n int, req model.PushRequest) (*model.PushResponse, error)
	pull  func(n int, req model.PullRequest) (*model.PullResponse, error)
	pushN int
	pullN int
}

func (f *fakeTransport) Push(_ context.Context, req model.PushRequest) (*model.PushResponse, error) {
	f.mu.Lock()
	f.pushN++
	n := f.pushN
	f.mu.Unlock()
	return f.push(n, req)
}

func (f *fakeTransport) Pull(_ context.Context, req model.PullRequest) (*model.PullResponse, error) {
	f.mu.Lock()
	f.pullN++
	n := f.pullN
	f.mu.Unlock()
	if f.pull == nil {
		return &model.PullResponse{Cursors: req.Cursors}, nil
	}
	return f.pull(n, req)
}

func acceptAll(req model.PushRequest) *model.PushResponse {
	resp := &model.PushResponse{}
	for _, m := range req.Mutations {
		resp.Outcomes = append(resp.Outcomes, model.Outcome{
			IdempotencyKey: m.IdempotencyKey,
			Status:         model.OutcomeAccepted,
			EntityType:     m.EntityType,
			TemporaryID:    m.TemporaryID,
			PermanentID:    100 - m.TemporaryID,
			ServerVersion:  1,
		})
	}
	return resp
}

func newSyncer(t *testing.T, tr Transport, opts Options) (*Syncer, *Log, *[]time.Duration) {
	t.Helper()
	l := newLog(t)
	s := NewSyncer(l, tr, opts)
	var slept []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return s, l, &slept
}

func recordQRCodes(t *testing.T, l *Log, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := l.Record(context.Background(), model.EntityQRCode, model.OpCreate, 0, model.QRCodePayload{Token: fmt.Sprintf("qr-%d", i)})
		require.NoError(t, err)
	}
}

func TestPushRetriesTransientFailures(t *testing.T) {
	tr := &fakeTransport{push: func(n int, req model.PushRequest) (*model.PushResponse, error) {
		if n <= 2 {
			return nil, fmt.Errorf("%w: connection reset", ErrTransient)
		}
		return acceptAll(req), nil
	}}
	s, l, slept := newSyncer(t, tr, Options{DeviceID: "d", MaxAttempts: 5, BaseDelay: time.Second})
	recordQRCodes(t, l, 2)

	res, err := s.Push(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Accepted)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)

	n, err := l.Pending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPushGivesUpButKeepsMutations(t *testing.T) {
	tr := &fakeTransport{push: func(int, model.PushRequest) (*model.PushResponse, error) {
		return nil, fmt.Errorf("%w: timeout", ErrTransient)
	}}
	s, l, slept := newSyncer(t, tr, Options{DeviceID: "d", MaxAttempts: 3, BaseDelay: time.Second})
	recordQRCodes(t, l, 2)

	_, err := s.Push(context.Background())
	require.ErrorIs(t, err, ErrDeferred)
	assert.Equal(t, 3, tr.pushN)
	assert.Len(t, *slept, 2)

	n, err := l.Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPushFatalErrorIsNotRetried(t *testing.T) {
	tr := &fakeTransport{push: func(int, model.PushRequest) (*model.PushResponse, error) {
		return nil, fmt.Errorf("%w: HTTP 401", ErrFatal)
	}}
	s, l, slept := newSyncer(t, tr, Options{DeviceID: "d"})
	recordQRCodes(t, l, 1)

	_, err := s.Push(context.Background())
	require.ErrorIs(t, err, ErrFatal)
	assert.Equal(t, 1, tr.pushN)
	assert.Empty(t, *slept)
}

func TestPushRefusesMismatchedResponse(t *testing.T) {
	tr := &fakeTransport{push: func(_ int, req model.PushRequest) (*model.PushResponse, error) {
		resp := acceptAll(req)
		resp.Outcomes[0], resp.Outcomes[1] = resp.Outcomes[1], resp.Outcomes[0]
		return resp, nil
	}}
	s, l, _ := newSyncer(t, tr, Options{DeviceID: "d"})
	recordQRCodes(t, l, 2)

	_, err := s.Push(context.Background())
	require.ErrorIs(t, err, ErrFatal)

	// Nothing was acknowledged.
	n, err := l.Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NotNil(t, cached(t, l.DB(), model.EntityQRCode, -1))
}

func TestPushSendsBatchesInOrder(t *testing.T) {
	var sizes []int
	var first []string
	tr := &fakeTransport{push: func(_ int, req model.PushRequest) (*model.PushResponse, error) {
		sizes = append(sizes, len(req.Mutations))
		first = append(first, gjson.GetBytes(req.Mutations[0].Payload, "token").String())
		return acceptAll(req), nil
	}}
	s, l, _ := newSyncer(t, tr, Options{DeviceID: "d", MaxBatch: 2})
	recordQRCodes(t, l, 5)

	res, err := s.Push(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Equal(t, []string{"qr-0", "qr-2", "qr-4"}, first)
}

func TestPullPagesUntilDone(t *testing.T) {
	payload := json.RawMessage(`{"id":1,"code":"HQ","name":"HQ","path":"HQ","depth":0,"version":1}`)
	tr := &fakeTransport{pull: func(n int, req model.PullRequest) (*model.PullResponse, error) {
		if n == 1 {
			assert.Zero(t, req.Cursors[model.EntityLocation])
			return &model.PullResponse{
				Changes: map[model.EntityType][]model.Change{model.EntityLocation: {{Seq: 1, Op: model.ChangeCreated, EntityID: 1, Version: 1, Payload: payload}}},
				Cursors: map[model.EntityType]int64{model.EntityLocation: 1},
				HasMore: map[model.EntityType]bool{model.EntityLocation: true},
			}, nil
		}
		assert.Equal(t, int64(1), req.Cursors[model.EntityLocation])
		return &model.PullResponse{
			Changes: map[model.EntityType][]model.Change{model.EntityLocation: {{Seq: 2, Op: model.ChangeDeleted, EntityID: 1}}},
			Cursors: map[model.EntityType]int64{model.EntityLocation: 2},
		}, nil
	}}
	s, l, _ := newSyncer(t, tr, Options{DeviceID: "d"})

	n, err := s.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, tr.pullN)
	assert.Nil(t, cached(t, l.DB(), model.EntityLocation, 1))

	cursors, err := Cursors(context.Background(), l.DB())
	require.NoError(t, err)
	assert.Equal(t, int64(2), cursors[model.EntityLocation])
}

func TestPullKeepsPendingLocalEdits(t *testing.T) {
	tr := &fakeTransport{pull: func(int, model.PullRequest) (*model.PullResponse, error) {
		return &model.PullResponse{
			Changes: map[model.EntityType][]model.Change{model.EntityItem: {{Seq: 9, Op: model.ChangeUpdated, EntityID: 5, Version: 4,
				Payload: json.RawMessage(`{"id":5,"name":"Server"}`)}}},
			Cursors: map[model.EntityType]int64{model.EntityItem: 9},
		}, nil
	}}
	s, l, _ := newSyncer(t, tr, Options{DeviceID: "d"})
	seed(t, l, model.EntityItem, 5, 3, model.ItemPayload{Name: "Old"})
	_, err := l.Record(context.Background(), model.EntityItem, model.OpUpdate, 5, model.ItemPayload{Name: "Mine"})
	require.NoError(t, err)

	n, err := s.Pull(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	c := cached(t, l.DB(), model.EntityItem, 5)
	assert.Equal(t, "Mine", gjson.GetBytes(c.Payload, "name").String())
	assert.Equal(t, int64(4), c.ServerVersion)
	assert.Equal(t, "Server", gjson.GetBytes(c.ServerPayload, "name").String())
}

func TestConcurrentSyncsShareOnePush(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	tr := &fakeTransport{push: func(_ int, req model.PushRequest) (*model.PushResponse, error) {
		started <- struct{}{}
		<-release
		return acceptAll(req), nil
	}}
	s, l, _ := newSyncer(t, tr, Options{DeviceID: "d"})
	recordQRCodes(t, l, 1)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = s.Push(context.Background())
	}()
	<-started
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _ = s.Push(context.Background())
	}()
	// Give the second caller time to join the flight.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, tr.pushN)
	assert.Equal(t, 1, results[0].Accepted)
	assert.Equal(t, 1, results[1].Accepted)
}

func TestPullWaitsForRunningPush(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var mu sync.Mutex
	var order []string
	tr := &fakeTransport{
		push: func(_ int, req model.PushRequest) (*model.PushResponse, error) {
			started <- struct{}{}
			<-release
			mu.Lock()
			order = append(order, "push")
			mu.Unlock()
			return acceptAll(req), nil
		},
		pull: func(_ int, req model.PullRequest) (*model.PullResponse, error) {
			mu.Lock()
			order = append(order, "pull")
			mu.Unlock()
			return &model.PullResponse{Cursors: req.Cursors}, nil
		},
	}
	s, l, _ := newSyncer(t, tr, Options{DeviceID: "d"})
	recordQRCodes(t, l, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.Push(context.Background())
	}()
	<-started
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.Pull(context.Background())
	}()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, order, "pull ran while push was in flight")
	mu.Unlock()
	close(release)
	wg.Wait()

	assert.Equal(t, []string{"push", "pull"}, order)
}

// End to end against the real server.

const e2eSecret = "e2e-secret"

var console = reconcile.Principal{DeviceID: "console", AuditorID: 1, Role: model.RoleAdmin}

func startServer(t *testing.T) (*httptest.Server, *db.DB, *reconcile.Engine) {
	t.Helper()
	database := db.NewTestDB(t)
	engine := reconcile.NewEngine(database, scope.NewDBResolver(database), 100)
	server := httptest.NewServer(api.NewRouter(database, engine, e2eSecret))
	t.Cleanup(server.Close)
	return server, database, engine
}

// create applies a creation as an administrator so it lands in the change
// feed, and returns the new id.
func create(t *testing.T, e *reconcile.Engine, et model.EntityType, payload any) int64 {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	outs, err := e.ApplyBatch(context.Background(), console, []model.Mutation{{
		IdempotencyKey: uuid.NewString(),
		EntityType:     et,
		Operation:      model.OpCreate,
		TemporaryID:    -1,
		Payload:        raw,
	}})
	require.NoError(t, err)
	require.Equal(t, model.OutcomeAccepted, outs[0].Status, outs[0].Message)
	return outs[0].PermanentID
}

func device(t *testing.T, server *httptest.Server, deviceID string, auditorID int64) (*Syncer, *Log) {
	t.Helper()
	tok, err := auth.GenerateToken(e2eSecret, deviceID, auditorID, model.RoleAuditor, 0)
	require.NoError(t, err)
	l := newLog(t)
	return NewSyncer(l, NewHTTPTransport(server.URL, tok, 5*time.Second), Options{DeviceID: deviceID, MaxAttempts: 1}), l
}

func TestOfflineAuditSyncsEndToEnd(t *testing.T) {
	server, database, engine := startServer(t)
	ctx := context.Background()

	locID := create(t, engine, model.EntityLocation, model.LocationPayload{Code: "X", Name: "Store X"})
	itemID := create(t, engine, model.EntityItem, model.ItemPayload{Code: "INV-1", Name: "Desk", LocationID: locID})
	require.NoError(t, store.SetAuditorLocations(ctx, database, 7, []int64{locID}))

	s, l := device(t, server, "tablet-a", 7)
	_, err := s.Pull(ctx)
	require.NoError(t, err)
	require.NotNil(t, cached(t, l.DB(), model.EntityItem, itemID))

	// Offline: start the audit, record a finding, submit.
	r, err := l.Record(ctx, model.EntityReport, model.OpCreate, 0, model.ReportPayload{LocationID: locID})
	require.NoError(t, err)
	f, err := l.Record(ctx, model.EntityFinding, model.OpCreate, 0,
		model.FindingPayload{ReportID: r.Mutation.EntityID, ItemID: itemID, Status: model.FindingFound})
	require.NoError(t, err)
	_, err = l.Record(ctx, model.EntityReport, model.OpSubmit, r.Mutation.EntityID, nil)
	require.NoError(t, err)

	res, err := s.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Accepted)
	assert.Zero(t, res.Rejected+res.Conflicts)

	reportID, ok, err := ResolveTemporary(ctx, l.DB(), model.EntityReport, r.Mutation.EntityID)
	require.NoError(t, err)
	require.True(t, ok)
	findingID, ok, err := ResolveTemporary(ctx, l.DB(), model.EntityFinding, f.Mutation.EntityID)
	require.NoError(t, err)
	require.True(t, ok)

	report := cached(t, l.DB(), model.EntityReport, reportID)
	require.NotNil(t, report)
	assert.Equal(t, model.ReportSubmitted, gjson.GetBytes(report.Payload, "state").String())
	assert.False(t, report.NeedsSync)
	finding := cached(t, l.DB(), model.EntityFinding, findingID)
	require.NotNil(t, finding)
	assert.Equal(t, reportID, gjson.GetBytes(finding.Payload, "report_id").Int())

	// The location is locked on the server and the device learned it.
	location := cached(t, l.DB(), model.EntityLocation, locID)
	require.NotNil(t, location)
	assert.Equal(t, reportID, gjson.GetBytes(location.Payload, "locked_by_report").Int())

	// Replaying the same sync sends nothing.
	res, err = s.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Batches)
}

func TestStaleDeviceGetsConflictAndRecovers(t *testing.T) {
	server, database, engine := startServer(t)
	ctx := context.Background()

	locID := create(t, engine, model.EntityLocation, model.LocationPayload{Code: "X", Name: "Store X"})
	for _, id := range []int64{7, 8} {
		require.NoError(t, store.SetAuditorLocations(ctx, database, id, []int64{locID}))
	}

	a, la := device(t, server, "tablet-a", 7)
	b, lb := device(t, server, "tablet-b", 8)
	for _, s := range []*Syncer{a, b} {
		_, err := s.Pull(ctx)
		require.NoError(t, err)
	}

	_, err := la.Record(ctx, model.EntityLocation, model.OpUpdate, locID, model.LocationPayload{Code: "X", Name: "Store X (north)"})
	require.NoError(t, err)
	res, err := a.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Accepted)

	_, err = lb.Record(ctx, model.EntityLocation, model.OpUpdate, locID, model.LocationPayload{Code: "X", Name: "Store X", LevelLabel: "shop"})
	require.NoError(t, err)
	res, err = b.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Conflicts)

	// B now holds the server's state and can reapply on top of it.
	c := cached(t, lb.DB(), model.EntityLocation, locID)
	require.NotNil(t, c)
	assert.Equal(t, "Store X (north)", gjson.GetBytes(c.Payload, "name").String())
	_, err = lb.Record(ctx, model.EntityLocation, model.OpUpdate, locID, model.LocationPayload{Code: "X", Name: "Store X (north)", LevelLabel: "shop"})
	require.NoError(t, err)
	res, err = b.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)

	got, err := store.GetLocation(ctx, database, locID)
	require.NoError(t, err)
	assert.Equal(t, "shop", got.LevelLabel)
	assert.Equal(t, "Store X (north)", got.Name)
}

func TestEditsChainedOnUnsentUpdateNeverOverwrite(t *testing.T) {
	server, database, engine := startServer(t)
	ctx := context.Background()

	locID := create(t, engine, model.EntityLocation, model.LocationPayload{Code: "X", Name: "Store X"})
	for _, id := range []int64{7, 8} {
		require.NoError(t, store.SetAuditorLocations(ctx, database, id, []int64{locID}))
	}
	a, la := device(t, server, "tablet-a", 7)
	b, lb := device(t, server, "tablet-b", 8)
	for _, s := range []*Syncer{a, b} {
		_, err := s.Pull(ctx)
		require.NoError(t, err)
	}

	// B's first edit went out but the response was lost.
	_, err := lb.Record(ctx, model.EntityLocation, model.OpUpdate, locID, model.LocationPayload{Code: "X", Name: "B first"})
	require.NoError(t, err)
	pending, err := lb.Drain(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, lb.MarkAttempted(ctx, pending))

	_, err = la.Record(ctx, model.EntityLocation, model.OpUpdate, locID, model.LocationPayload{Code: "X", Name: "A wins"})
	require.NoError(t, err)
	_, err = a.Sync(ctx)
	require.NoError(t, err)

	second, err := lb.Record(ctx, model.EntityLocation, model.OpUpdate, locID, model.LocationPayload{Code: "X", Name: "B second"})
	require.NoError(t, err)
	require.Equal(t, int64(2), second.Mutation.BaseVersion)

	res, err := b.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Conflicts)
	assert.Zero(t, res.Accepted)

	got, err := store.GetLocation(ctx, database, locID)
	require.NoError(t, err)
	assert.Equal(t, "A wins", got.Name)

	c := cached(t, lb.DB(), model.EntityLocation, locID)
	require.NotNil(t, c)
	assert.Equal(t, "A wins", gjson.GetBytes(c.Payload, "name").String())
	assert.False(t, c.NeedsSync)
	n, err := lb.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRejectedEditIsUndoneOnDevice(t *testing.T) {
	server, database, engine := startServer(t)
	ctx := context.Background()

	locID := create(t, engine, model.EntityLocation, model.LocationPayload{Code: "X", Name: "Store X"})
	itemID := create(t, engine, model.EntityItem, model.ItemPayload{Code: "INV-1", Name: "Desk", LocationID: locID})
	for _, id := range []int64{7, 8} {
		require.NoError(t, store.SetAuditorLocations(ctx, database, id, []int64{locID}))
	}
	a, la := device(t, server, "tablet-a", 7)
	b, lb := device(t, server, "tablet-b", 8)
	for _, s := range []*Syncer{a, b} {
		_, err := s.Pull(ctx)
		require.NoError(t, err)
	}

	// A's audit locks the location.
	_, err := la.Record(ctx, model.EntityReport, model.OpCreate, 0, model.ReportPayload{LocationID: locID})
	require.NoError(t, err)
	_, err = a.Sync(ctx)
	require.NoError(t, err)

	rename, err := lb.Record(ctx, model.EntityItem, model.OpUpdate, itemID,
		model.ItemPayload{Code: "INV-1", Name: "Refused name", LocationID: locID})
	require.NoError(t, err)
	res, err := b.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Rejected)

	c := cached(t, lb.DB(), model.EntityItem, itemID)
	require.NotNil(t, c)
	assert.Equal(t, "Desk", gjson.GetBytes(c.Payload, "name").String())
	assert.Equal(t, int64(1), c.Version)
	assert.False(t, c.NeedsSync)

	require.NoError(t, lb.Dismiss(ctx, rename.Mutation.IdempotencyKey))
	_, err = b.Pull(ctx)
	require.NoError(t, err)
	c = cached(t, lb.DB(), model.EntityItem, itemID)
	assert.Equal(t, "Desk", gjson.GetBytes(c.Payload, "name").String())

	// The next edit builds on the server's version, not the refused one.
	next, err := lb.Record(ctx, model.EntityItem, model.OpUpdate, itemID,
		model.ItemPayload{Code: "INV-1", Name: "Desk", LocationID: locID, CustomFields: map[string]string{"note": "scratched"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), next.Mutation.BaseVersion)
}
