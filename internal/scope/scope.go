// Package scope resolves which location subtrees an auditor may see. The
// authoritative assignment lives in the database; a Redis cache may sit in
// front of it.
package scope

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/erazemk/popis/internal/db"
	"github.com/erazemk/popis/internal/store"
)

// Resolver maps an auditor to the ids of their permitted location roots.
// Ids stay valid when a root moves in the tree; callers resolve them to the
// current paths.
type Resolver interface {
	RootIDs(ctx context.Context, auditorID int64) ([]int64, error)
	Invalidate(ctx context.Context, auditorID int64) error
}

// Paths resolves the auditor's roots through r and returns their current
// paths read from c.
func Paths(ctx context.Context, c db.Conn, r Resolver, auditorID int64) ([]string, error) {
	ids, err := r.RootIDs(ctx, auditorID)
	if err != nil {
		return nil, err
	}
	return store.LocationPaths(ctx, c, ids)
}

// DBResolver reads assignments straight from the database.
type DBResolver struct {
	db *db.DB
}

// NewDBResolver creates a resolver backed by the auditor_locations table.
func NewDBResolver(database *db.DB) *DBResolver {
	return &DBResolver{db: database}
}

// RootIDs returns the auditor's assigned root locations.
func (r *DBResolver) RootIDs(ctx context.Context, auditorID int64) ([]int64, error) {
	return store.AuditorScopeIDs(ctx, r.db, auditorID)
}

// Invalidate is a no-op; the database is always current.
func (r *DBResolver) Invalidate(ctx context.Context, auditorID int64) error { return nil }

// CachedResolver keeps resolved roots in Redis for ttl. Redis failures fall
// through to the wrapped resolver.
type CachedResolver struct {
	next   Resolver
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewCachedResolver wraps next with a Redis cache.
func NewCachedResolver(next Resolver, client *redis.Client, ttl time.Duration) *CachedResolver {
	return &CachedResolver{next: next, client: client, ttl: ttl}
}

func scopeKey(auditorID int64) string {
	return fmt.Sprintf("popis:auditor:%d:roots", auditorID)
}

// RootIDs returns the cached roots or resolves and caches them. Concurrent
// misses for the same auditor share one lookup.
func (r *CachedResolver) RootIDs(ctx context.Context, auditorID int64) ([]int64, error) {
	data, err := r.client.Get(ctx, scopeKey(auditorID)).Bytes()
	if err == nil {
		var ids []int64
		if err := json.Unmarshal(data, &ids); err == nil {
			return ids, nil
		}
	} else if err != redis.Nil {
		slog.Warn("scope cache unavailable", "auditor", auditorID, "error", err)
	}

	v, err, _ := r.group.Do(strconv.FormatInt(auditorID, 10), func() (any, error) {
		ids, err := r.next.RootIDs(ctx, auditorID)
		if err != nil {
			return nil, err
		}
		if data, err := json.Marshal(ids); err == nil {
			if err := r.client.Set(ctx, scopeKey(auditorID), data, r.ttl).Err(); err != nil {
				slog.Warn("caching scope failed", "auditor", auditorID, "error", err)
			}
		}
		return ids, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]int64), nil
}

// Invalidate drops the cached roots of an auditor.
func (r *CachedResolver) Invalidate(ctx context.Context, auditorID int64) error {
	if err := r.client.Del(ctx, scopeKey(auditorID)).Err(); err != nil {
		return fmt.Errorf("invalidating scope cache: %w", err)
	}
	return r.next.Invalidate(ctx, auditorID)
}
