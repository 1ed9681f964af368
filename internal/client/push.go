package client

import (
	"context"
	"fmt"

	"github.com/erazemk/popis/internal/model"
)

// nextBatch takes the leading run of entries that fits in one request. A
// batch holding any entry with attachments is bounded by maxAttach instead
// of max.
func nextBatch(entries []Entry, max, maxAttach int) []Entry {
	limit := max
	for i, e := range entries {
		l := limit
		if e.HasAttachments {
			l = min(l, maxAttach)
		}
		if i >= l {
			return entries[:i]
		}
		limit = l
	}
	return entries
}

func (s *Syncer) push(ctx context.Context) (Result, error) {
	var res Result
	for {
		pending, err := s.log.Drain(ctx, s.opts.MaxBatch)
		if err != nil {
			return res, err
		}
		if len(pending) == 0 {
			return res, nil
		}
		batch := nextBatch(pending, s.opts.MaxBatch, s.opts.MaxAttachmentBatch)

		if err := s.log.MarkAttempted(ctx, batch); err != nil {
			return res, err
		}
		req := model.PushRequest{DeviceID: s.opts.DeviceID, Mutations: make([]model.Mutation, len(batch))}
		for i, e := range batch {
			req.Mutations[i] = wireMutation(e.Mutation)
		}

		var resp *model.PushResponse
		err = s.attempt(ctx, "push", func(ctx context.Context) error {
			var err error
			resp, err = s.transport.Push(ctx, req)
			return err
		})
		if err != nil {
			return res, err
		}
		if err := checkOutcomes(req.Mutations, resp.Outcomes); err != nil {
			return res, err
		}
		if err := s.log.Acknowledge(ctx, resp.Outcomes); err != nil {
			return res, err
		}

		res.Batches++
		for _, out := range resp.Outcomes {
			switch out.Status {
			case model.OutcomeAccepted:
				res.Accepted++
			case model.OutcomeRejected:
				res.Rejected++
			case model.OutcomeConflict:
				res.Conflicts++
			}
		}
	}
}

// wireMutation shapes a logged mutation for the push request: creations
// carry their temporary id, everything else the id it targets.
func wireMutation(m model.Mutation) model.Mutation {
	if m.Operation == model.OpCreate {
		m.TemporaryID = m.EntityID
		m.EntityID = 0
		m.BaseVersion = 0
	}
	return m
}

// checkOutcomes makes sure the response answers the request record by
// record before any of it is acknowledged.
func checkOutcomes(sent []model.Mutation, outs []model.Outcome) error {
	if len(outs) != len(sent) {
		return fmt.Errorf("%w: sent %d mutations, got %d outcomes", ErrFatal, len(sent), len(outs))
	}
	for i, out := range outs {
		if out.IdempotencyKey != sent[i].IdempotencyKey {
			return fmt.Errorf("%w: outcome %d answers %s, expected %s", ErrFatal, i, out.IdempotencyKey, sent[i].IdempotencyKey)
		}
		switch out.Status {
		case model.OutcomeAccepted, model.OutcomeRejected, model.OutcomeConflict:
		default:
			return fmt.Errorf("%w: outcome %d has status %q", ErrFatal, i, out.Status)
		}
	}
	return nil
}
