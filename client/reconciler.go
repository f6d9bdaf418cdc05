package client

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// Scope names one invalidated slice of client state: the rows of one event
// type under one resource.
type Scope struct {
	ResourceKey string
	EventType   string
}

// Reconciler coalesces gateway notices into coarse cache invalidations.
// Events are debounced per scope so a burst of changes to one calendar
// causes one refetch, not one per row. Resync and reconnect notices discard
// the pending set and invalidate everything.
type Reconciler struct {
	debounce      time.Duration
	refetch       func(scopes []Scope)
	invalidateAll func()

	dirty map[Scope]struct{}
}

func NewReconciler(debounce time.Duration, refetch func(scopes []Scope), invalidateAll func()) *Reconciler {
	return &Reconciler{
		debounce:      debounce,
		refetch:       refetch,
		invalidateAll: invalidateAll,
		dirty:         make(map[Scope]struct{}),
	}
}

// Run consumes notices until ctx is cancelled. Pending scopes are flushed
// once the stream has been quiet for the debounce window.
func (r *Reconciler) Run(ctx context.Context, notices <-chan Notice) {
	timer := time.NewTimer(r.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	for {
		select {
		case <-ctx.Done():
			return

		case n := <-notices:
			switch n.Kind {
			case NoticeResync, NoticeReconnected:
				r.dirty = make(map[Scope]struct{})
				if armed && !timer.Stop() {
					<-timer.C
				}
				armed = false
				log.Debug().Msg("Full cache invalidation")
				r.invalidateAll()

			case NoticeEvent:
				r.dirty[Scope{ResourceKey: n.ResourceKey, EventType: n.EventType}] = struct{}{}
				if armed && !timer.Stop() {
					<-timer.C
				}
				timer.Reset(r.debounce)
				armed = true
			}

		case <-timer.C:
			armed = false
			r.flush()
		}
	}
}

func (r *Reconciler) flush() {
	if len(r.dirty) == 0 {
		return
	}

	scopes := make([]Scope, 0, len(r.dirty))
	for scope := range r.dirty {
		scopes = append(scopes, scope)
	}
	sort.Slice(scopes, func(i, j int) bool {
		if scopes[i].ResourceKey != scopes[j].ResourceKey {
			return scopes[i].ResourceKey < scopes[j].ResourceKey
		}
		return scopes[i].EventType < scopes[j].EventType
	})

	r.dirty = make(map[Scope]struct{})
	log.Debug().Int("scopes", len(scopes)).Msg("Flushing cache invalidations")
	r.refetch(scopes)
}
