package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/syncular/syncular/internal/auth"
	"github.com/syncular/syncular/internal/metrics"
	"github.com/syncular/syncular/internal/scope"
	"github.com/syncular/syncular/internal/store"
	"github.com/syncular/syncular/internal/syncerr"
)

// Pull plans one pull: per subscription it resolves the effective scope
// set, then serves either an incremental commit window or a bootstrap
// snapshot. Cursor persistence and the registry scope update happen in
// the background after the response is assembled.
func (e *Engine) Pull(ctx context.Context, pr *auth.Principal, partitionID, clientID string, req *PullRequest) (*PullResult, error) {
	if len(req.Subscriptions) > e.limits.MaxSubscriptions {
		return nil, syncerr.Invalid("pull carries %d subscriptions, limit is %d",
			len(req.Subscriptions), e.limits.MaxSubscriptions)
	}
	seen := make(map[string]struct{}, len(req.Subscriptions))
	for _, sub := range req.Subscriptions {
		if sub.ID == "" {
			return nil, syncerr.Invalid("subscription id is required")
		}
		if sub.Table == "" {
			return nil, syncerr.Invalid("subscription %s names no table", sub.ID)
		}
		if _, dup := seen[sub.ID]; dup {
			return nil, syncerr.Invalid("duplicate subscription id %q", sub.ID)
		}
		seen[sub.ID] = struct{}{}
	}

	limitCommits := clamp(req.LimitCommits, e.limits.DefaultLimitCommits, e.limits.MaxLimitCommits)
	rowLimit := clamp(req.LimitSnapshotRows, e.limits.DefaultSnapshotRows, e.limits.MaxSnapshotRows)
	pageLimit := clamp(req.MaxSnapshotPages, e.limits.DefaultSnapshotPages, e.limits.MaxSnapshotPages)

	out := &PullResult{Subscriptions: make([]SubscriptionResult, 0, len(req.Subscriptions))}
	effective := scope.NewSet()
	for _, sub := range req.Subscriptions {
		res, err := e.scopes.Lookup(sub.Table).Resolve(ctx, pr.Grant(), sub.Scopes, sub.Params)
		if err != nil {
			if errors.Is(err, scope.ErrDenied) {
				return nil, syncerr.InvalidSubscription("subscription %s requests scopes outside the grant", sub.ID)
			}
			return nil, fmt.Errorf("engine: resolve scopes for %s: %w", sub.ID, err)
		}
		if res.Empty() {
			out.Subscriptions = append(out.Subscriptions, SubscriptionResult{
				ID:         sub.ID,
				Status:     SubscriptionRevoked,
				NextCursor: sub.Cursor,
				Commits:    []store.CommitWithChanges{},
			})
			continue
		}
		effective.Merge(res.Keys)

		var sr SubscriptionResult
		if sub.Cursor == -1 {
			sr, err = e.bootstrap(ctx, partitionID, sub, res, rowLimit, pageLimit)
		} else {
			sr, err = e.incremental(ctx, partitionID, sub, res, limitCommits, req.DedupeRows)
		}
		if err != nil {
			return nil, err
		}
		out.Subscriptions = append(out.Subscriptions, sr)
	}

	e.recordPull(pr.ActorID, partitionID, clientID, effective, out)
	metrics.PullTotal.WithLabelValues(partitionID).Inc()
	return out, nil
}

// incremental returns commits past the cursor whose changes intersect
// the resolved scope set. The cursor stays put when the window is
// empty.
func (e *Engine) incremental(ctx context.Context, partitionID string, sub Subscription, res scope.Resolution, limit int, dedupe bool) (SubscriptionResult, error) {
	commits, err := e.store.CommitsAfter(ctx, store.ChangeFilter{
		PartitionID: partitionID,
		Table:       sub.Table,
		After:       sub.Cursor,
		ScopeKeys:   res.Keys.Strings(),
		MatchAll:    res.All,
		Limit:       limit,
	})
	if err != nil {
		return SubscriptionResult{}, fmt.Errorf("engine: commits after %d: %w", sub.Cursor, err)
	}

	next := sub.Cursor
	for _, c := range commits {
		if c.Commit.CommitSeq > next {
			next = c.Commit.CommitSeq
		}
	}
	if dedupe {
		commits = dedupeCommits(commits)
	}
	if commits == nil {
		commits = []store.CommitWithChanges{}
	}
	return SubscriptionResult{
		ID:         sub.ID,
		Status:     SubscriptionActive,
		NextCursor: next,
		Commits:    commits,
	}, nil
}

// dedupeCommits keeps only the newest change per row across the window.
// Commits whose changes are all superseded drop out entirely; the
// cursor math runs on the original window so nothing is skipped.
func dedupeCommits(commits []store.CommitWithChanges) []store.CommitWithChanges {
	type rowKey struct{ table, rowID string }
	latest := make(map[rowKey]int64)
	for _, c := range commits {
		for _, ch := range c.Changes {
			k := rowKey{ch.Table, ch.RowID}
			if ch.CommitSeq > latest[k] {
				latest[k] = ch.CommitSeq
			}
		}
	}
	out := commits[:0]
	for _, c := range commits {
		kept := c.Changes[:0]
		for _, ch := range c.Changes {
			if latest[rowKey{ch.Table, ch.RowID}] == ch.CommitSeq {
				kept = append(kept, ch)
			}
		}
		if len(kept) > 0 {
			c.Changes = kept
			out = append(out, c)
		}
	}
	return out
}

// recordPull persists the client cursor and refreshes the registry's
// view of the client's scopes off the request path. The cursor advances
// to the lowest nextCursor across active subscriptions so pruning never
// outruns a client that is still catching up.
func (e *Engine) recordPull(actorID, partitionID, clientID string, effective scope.Set, out *PullResult) {
	var next *int64
	for _, sr := range out.Subscriptions {
		if sr.Status != SubscriptionActive || sr.NextCursor < 0 {
			continue
		}
		if next == nil || sr.NextCursor < *next {
			v := sr.NextCursor
			next = &v
		}
	}

	keys := effective.Partitioned(partitionID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if next != nil {
			err := e.store.UpsertCursor(ctx, store.Cursor{
				PartitionID:     partitionID,
				ClientID:        clientID,
				ActorID:         actorID,
				Cursor:          *next,
				EffectiveScopes: effective.Strings(),
			})
			if err != nil {
				e.logOnce("record-cursor", func(ev *zerolog.Event) {
					ev.Err(err).Str("client_id", clientID).Msg("cursor update failed")
				})
			}
		}
		e.registry.UpdateClientScopeKeys(partitionID, clientID, keys)
	}()
}
