package store

import (
	"context"
	"testing"

	"github.com/erazemk/popis/internal/db"
	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/pathtree"
)

// mustLocation creates a location under parent (nil for a root).
func mustLocation(t *testing.T, c db.Conn, code string, parent *model.Location) *model.Location {
	t.Helper()
	p := model.LocationPayload{Code: code, Name: code}
	path, depth := code, 0
	if parent != nil {
		p.ParentID = &parent.ID
		path, depth = pathtree.Join(parent.Path, code), parent.Depth+1
	}
	loc, err := CreateLocation(context.Background(), c, p, path, depth)
	if err != nil {
		t.Fatalf("CreateLocation %s: %v", code, err)
	}
	return loc
}

func mustItem(t *testing.T, c db.Conn, code string, loc *model.Location) *model.InventoryItem {
	t.Helper()
	item, err := CreateItem(context.Background(), c, model.ItemPayload{Code: code, Name: code, LocationID: loc.ID})
	if err != nil {
		t.Fatalf("CreateItem %s: %v", code, err)
	}
	return item
}
