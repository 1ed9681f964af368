package client

import (
	"context"
	"fmt"

	"github.com/erazemk/popis/internal/db"
	"github.com/erazemk/popis/internal/model"
)

// maxPullPages stops a server that keeps reporting more without moving a
// cursor.
const maxPullPages = 1000

func (s *Syncer) pull(ctx context.Context) (int, error) {
	applied := 0
	for page := 0; page < maxPullPages; page++ {
		cursors, err := Cursors(ctx, s.log.DB())
		if err != nil {
			return applied, err
		}
		req := model.PullRequest{DeviceID: s.opts.DeviceID, Cursors: cursors, Limit: s.opts.PullLimit}

		var resp *model.PullResponse
		err = s.attempt(ctx, "pull", func(ctx context.Context) error {
			var err error
			resp, err = s.transport.Pull(ctx, req)
			return err
		})
		if err != nil {
			return applied, err
		}

		n, err := s.applyPull(ctx, resp)
		if err != nil {
			return applied, err
		}
		applied += n

		more := false
		for et, has := range resp.HasMore {
			if has {
				if resp.Cursors[et] <= cursors[et] {
					return applied, fmt.Errorf("%w: %s cursor stuck at %d", ErrFatal, et, cursors[et])
				}
				more = true
			}
		}
		if !more {
			return applied, nil
		}
	}
	return applied, fmt.Errorf("%w: pull did not finish after %d pages", ErrFatal, maxPullPages)
}

// applyPull merges one page into the cache and advances the cursors in the
// same local transaction.
func (s *Syncer) applyPull(ctx context.Context, resp *model.PullResponse) (int, error) {
	tx, err := s.log.DB().BeginTx(ctx, false)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	n := 0
	for _, et := range model.EntityTypes {
		for _, ch := range resp.Changes[et] {
			ok, err := applyChange(ctx, tx, et, ch)
			if err != nil {
				return 0, err
			}
			if ok {
				n++
			}
		}
		if cursor, ok := resp.Cursors[et]; ok {
			if err := SetCursor(ctx, tx, et, cursor); err != nil {
				return 0, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing: %w", err)
	}
	return n, nil
}

// applyChange merges one server change. Entities with local edits still
// pending keep their local state and only record the newer server state;
// the push outcome settles them.
func applyChange(ctx context.Context, c db.Conn, et model.EntityType, ch model.Change) (bool, error) {
	if ch.Op == model.ChangeDeleted {
		return true, deleteCached(ctx, c, et, ch.EntityID)
	}

	cur, err := GetCached(ctx, c, et, ch.EntityID)
	if err != nil {
		return false, err
	}
	if cur != nil && cur.NeedsSync {
		if ch.Version < cur.ServerVersion {
			return false, nil
		}
		cur.ServerVersion, cur.ServerPayload = ch.Version, ch.Payload
		return false, putCached(ctx, c, *cur)
	}
	if cur != nil && cur.ServerPayload != nil && cur.ServerVersion > ch.Version {
		return false, nil
	}
	return true, putCached(ctx, c, confirmed(et, ch.EntityID, ch.Version, ch.Payload))
}
