package store

import (
	"context"
	"errors"
	"testing"

	"github.com/erazemk/popis/internal/db"
	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/pathtree"
)

func TestCreateAndGetLocation(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	hq := mustLocation(t, database, "HQ", nil)
	b1 := mustLocation(t, database, "B1", hq)

	got, err := GetLocation(ctx, database, b1.ID)
	if err != nil {
		t.Fatalf("GetLocation: %v", err)
	}
	if got.Path != "HQ.B1" || got.Depth != 1 {
		t.Errorf("expected HQ.B1 at depth 1, got %s at %d", got.Path, got.Depth)
	}
	if got.ParentID == nil || *got.ParentID != hq.ID {
		t.Errorf("expected parent %d, got %v", hq.ID, got.ParentID)
	}
	if got.Version != 1 {
		t.Errorf("expected version 1, got %d", got.Version)
	}

	byPath, _ := GetLocationByPath(ctx, database, "HQ.B1")
	if byPath == nil || byPath.ID != b1.ID {
		t.Errorf("expected lookup by path to find %d, got %v", b1.ID, byPath)
	}

	missing, err := GetLocation(ctx, database, 999)
	if err != nil {
		t.Fatalf("GetLocation: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for missing location")
	}
}

func TestUpdateLocationVersionCheck(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	hq := mustLocation(t, database, "HQ", nil)
	p := model.LocationPayload{Code: "HQ", Name: "Head office"}

	if err := UpdateLocation(ctx, database, hq.ID, 1, p, "HQ", 0); err != nil {
		t.Fatalf("UpdateLocation: %v", err)
	}
	if err := UpdateLocation(ctx, database, hq.ID, 1, p, "HQ", 0); !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("expected ErrVersionMismatch on stale version, got %v", err)
	}

	got, _ := GetLocation(ctx, database, hq.ID)
	if got.Name != "Head office" || got.Version != 2 {
		t.Errorf("expected renamed location at version 2, got %q v%d", got.Name, got.Version)
	}
}

func TestRebaseDescendants(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	hq := mustLocation(t, database, "HQ", nil)
	b1 := mustLocation(t, database, "B1", hq)
	f1 := mustLocation(t, database, "F1", b1)
	mustLocation(t, database, "R1", f1)
	w := mustLocation(t, database, "W", nil)

	// Move B1 under W.
	p := model.LocationPayload{Code: "B1", Name: "B1", ParentID: &w.ID}
	if err := UpdateLocation(ctx, database, b1.ID, b1.Version, p, "W.B1", 1); err != nil {
		t.Fatalf("UpdateLocation: %v", err)
	}
	moved, err := RebaseDescendants(ctx, database, "HQ.B1", "W.B1")
	if err != nil {
		t.Fatalf("RebaseDescendants: %v", err)
	}
	if len(moved) != 2 {
		t.Fatalf("expected 2 rebased descendants, got %d", len(moved))
	}

	r1, _ := GetLocationByPath(ctx, database, "W.B1.F1.R1")
	if r1 == nil || r1.Depth != 3 {
		t.Fatalf("expected W.B1.F1.R1 at depth 3, got %v", r1)
	}
	if old, _ := GetLocationByPath(ctx, database, "HQ.B1.F1"); old != nil {
		t.Error("expected old path to be gone")
	}

	// The stored paths still agree with the parent links.
	nodes, paths, depths, err := LocationTree(ctx, database)
	if err != nil {
		t.Fatalf("LocationTree: %v", err)
	}
	tree, err := pathtree.NewTree(nodes, model.MaxLocationDepth)
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	if mismatches := tree.Verify(paths, depths); len(mismatches) != 0 {
		t.Errorf("expected consistent tree, got %v", mismatches)
	}

	height, _ := SubtreeHeight(ctx, database, "W", 0)
	if height != 3 {
		t.Errorf("expected height 3 below W, got %d", height)
	}
}

func TestSubtreeHeightLeaf(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	mustLocation(t, database, "HQ", nil)
	height, err := SubtreeHeight(ctx, database, "HQ", 0)
	if err != nil {
		t.Fatalf("SubtreeHeight: %v", err)
	}
	if height != 0 {
		t.Errorf("expected 0 for a leaf, got %d", height)
	}
}

func TestLikePatternEscapesUnderscore(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	// "A_" must not match "AB.*" through the LIKE wildcard.
	a := mustLocation(t, database, "A_", nil)
	mustLocation(t, database, "X", a)
	ab := mustLocation(t, database, "AB", nil)
	mustLocation(t, database, "Y", ab)

	desc, err := ListDescendants(ctx, database, "A_")
	if err != nil {
		t.Fatalf("ListDescendants: %v", err)
	}
	if len(desc) != 1 || desc[0].Path != "A_.X" {
		t.Errorf("expected only A_.X, got %v", desc)
	}
}

func TestSetLocationLockClaimsOnce(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	hq := mustLocation(t, database, "HQ", nil)
	first, err := CreateReport(ctx, database, hq.ID, 7)
	if err != nil {
		t.Fatalf("CreateReport: %v", err)
	}
	second, err := CreateReport(ctx, database, hq.ID, 8)
	if err != nil {
		t.Fatalf("CreateReport: %v", err)
	}

	if err := LockLocationChain(ctx, database, hq.Path); err != nil {
		t.Fatalf("LockLocationChain: %v", err)
	}
	if err := SetLocationLock(ctx, database, hq.ID, &first.ID); err != nil {
		t.Fatalf("claiming free location: %v", err)
	}
	if err := SetLocationLock(ctx, database, hq.ID, &first.ID); err != nil {
		t.Errorf("expected holder to reclaim its own lock, got %v", err)
	}
	if err := SetLocationLock(ctx, database, hq.ID, &second.ID); !errors.Is(err, ErrLocationLocked) {
		t.Errorf("expected ErrLocationLocked, got %v", err)
	}

	got, _ := GetLocation(ctx, database, hq.ID)
	if got.LockedByReport == nil || *got.LockedByReport != first.ID {
		t.Errorf("expected lock held by %d, got %v", first.ID, got.LockedByReport)
	}

	if err := SetLocationLock(ctx, database, hq.ID, nil); err != nil {
		t.Fatalf("releasing lock: %v", err)
	}
	if err := SetLocationLock(ctx, database, hq.ID, &second.ID); err != nil {
		t.Errorf("expected released location to be claimable, got %v", err)
	}
}
