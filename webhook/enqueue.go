package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/slotline/relay/change"
	"github.com/slotline/relay/id"
	"github.com/slotline/relay/telemetry"
)

const endpointCacheSize = 512

// Enqueuer turns change events into pending delivery attempts. It runs as a
// durable feed handler, so an error here keeps the feed message unacked and
// the event is redelivered; the unique (endpoint_id, change_event_id) pair
// in the store absorbs the replay.
type Enqueuer struct {
	store     *Store
	generator id.Generator
	cache     *lru.Cache[string, []Endpoint]
}

func NewEnqueuer(store *Store, generator id.Generator) (*Enqueuer, error) {
	cache, err := lru.New[string, []Endpoint](endpointCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create endpoint cache: %w", err)
	}
	return &Enqueuer{
		store:     store,
		generator: generator,
		cache:     cache,
	}, nil
}

// HandleChange fans the event out to every active endpoint registered for
// its resource. Delete events and endpoint settings changes are not
// delivered.
func (e *Enqueuer) HandleChange(ev change.Event) error {
	if ev.Operation == change.OpDelete || ev.Table == EndpointTable {
		return nil
	}

	endpoints, err := e.endpointsFor(ev.ResourceKey)
	if err != nil {
		return err
	}
	if len(endpoints) == 0 {
		return nil
	}

	payload, err := json.Marshal(Payload{
		EventType:     ev.Type(),
		Timestamp:     ev.Time().UTC().Format(time.RFC3339),
		ChangeEventID: ev.ID,
		Data:          ev.After,
	})
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	now := time.Now().UnixMilli()
	attempts := make([]Attempt, 0, len(endpoints))
	for _, ep := range endpoints {
		attempts = append(attempts, Attempt{
			ID:            e.generator.NextID(),
			EndpointID:    ep.ID,
			ChangeEventID: ev.ID,
			ResourceKey:   ev.ResourceKey,
			URL:           ep.URL,
			Payload:       payload,
			NextAttemptAt: now,
			CreatedAt:     now,
		})
	}

	inserted, err := e.store.CreateAttempts(attempts)
	if err != nil {
		return fmt.Errorf("failed to enqueue delivery attempts: %w", err)
	}
	if inserted > 0 {
		telemetry.WebhookEnqueuedTotal.Add(float64(inserted))
		log.Debug().
			Str("resource_key", ev.ResourceKey).
			Uint64("change_event_id", ev.ID).
			Int("attempts", inserted).
			Msg("Enqueued webhook deliveries")
	}
	return nil
}

func (e *Enqueuer) endpointsFor(resourceKey string) ([]Endpoint, error) {
	if cached, ok := e.cache.Get(resourceKey); ok {
		return cached, nil
	}
	endpoints, err := e.store.ActiveEndpoints(resourceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load endpoints: %w", err)
	}
	e.cache.Add(resourceKey, endpoints)
	return endpoints, nil
}

// Invalidate drops the cached endpoint list for a resource.
func (e *Enqueuer) Invalidate(resourceKey string) {
	e.cache.Remove(resourceKey)
}

// EndpointMirror keeps the local endpoint table in step with the dashboard's
// settings tables by consuming their change events. It must be registered on
// the feed alongside the Enqueuer so cache invalidation happens before the
// next event for the same resource is enqueued.
type EndpointMirror struct {
	store    *Store
	enqueuer *Enqueuer
}

func NewEndpointMirror(store *Store, enqueuer *Enqueuer) *EndpointMirror {
	return &EndpointMirror{store: store, enqueuer: enqueuer}
}

// Table is the settings table the mirror consumes.
const EndpointTable = "webhook_endpoints"

func (m *EndpointMirror) HandleChange(ev change.Event) error {
	if ev.Table != EndpointTable {
		return nil
	}

	if ev.Operation == change.OpDelete {
		ep := endpointFromRow(ev.Before)
		if ep.ID == "" {
			log.Warn().Uint64("change_event_id", ev.ID).Msg("Endpoint delete without id, skipping")
			return nil
		}
		if err := m.store.DeleteEndpoint(ep.ID); err != nil {
			return err
		}
		m.enqueuer.Invalidate(ep.ResourceKey)
		return nil
	}

	ep := endpointFromRow(ev.After)
	if ep.ID == "" {
		log.Warn().Uint64("change_event_id", ev.ID).Msg("Endpoint row without id, skipping")
		return nil
	}
	if err := m.store.UpsertEndpoint(ep); err != nil {
		return err
	}
	m.enqueuer.Invalidate(ep.ResourceKey)
	if prev := endpointFromRow(ev.Before); prev.ResourceKey != "" && prev.ResourceKey != ep.ResourceKey {
		m.enqueuer.Invalidate(prev.ResourceKey)
	}
	return nil
}

func endpointFromRow(row map[string]interface{}) Endpoint {
	ep := Endpoint{
		ID:          stringField(row, "id"),
		ResourceKey: stringField(row, "resource_key"),
		URL:         stringField(row, "url"),
	}
	switch v := row["is_active"].(type) {
	case bool:
		ep.IsActive = v
	case int64:
		ep.IsActive = v != 0
	case uint64:
		ep.IsActive = v != 0
	case float64:
		ep.IsActive = v != 0
	}
	return ep
}

func stringField(row map[string]interface{}, key string) string {
	if v, ok := row[key].(string); ok {
		return v
	}
	return ""
}
