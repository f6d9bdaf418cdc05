// Package source consumes the data store's change-notification feed and
// normalizes it into change.Event records. The feed is NATS JetStream: the
// managed store publishes one msgpack-encoded event per committed row change
// on <subject_prefix>.<table>.
package source

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/slotline/relay/change"
	"github.com/slotline/relay/encoding"
	"github.com/slotline/relay/notify"
	"github.com/slotline/relay/telemetry"
)

// Config configures the feed consumer.
type Config struct {
	URL           string        // NATS server URL
	Stream        string        // JetStream stream holding change events
	SubjectPrefix string        // Subjects are <prefix>.<table>
	Consumer      string        // Durable consumer name (server-side resume position)
	Tables        []string      // Glob patterns of watched tables
	AlwaysTables  []string      // Tables admitted regardless of the watch patterns
	AckWait       time.Duration // Redelivery window for unacknowledged events
}

// Source is the change event source. A single consume loop keeps events in
// stream order, so per-row commit order is preserved for every consumer.
//
// Durable handlers run before the feed message is acknowledged; a handler
// error leaves the message unacked for redelivery (at-least-once). The hub
// receives the event afterwards on the non-durable realtime path.
type Source struct {
	config   Config
	filter   *TableFilter
	hub      *notify.Hub
	handlers []change.Handler
	onGap    func()

	nc      *nats.Conn
	consume jetstream.ConsumeContext

	// Last stream sequence seen, for gap detection after feed disruptions.
	lastSeq atomic.Uint64

	lifecycleMu sync.Mutex
	running     atomic.Bool
}

// New creates a feed consumer. Handlers and the gap callback must be
// registered before Start.
func New(config Config, hub *notify.Hub) (*Source, error) {
	if config.Stream == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if config.SubjectPrefix == "" {
		return nil, fmt.Errorf("subject prefix is required")
	}
	if config.Consumer == "" {
		return nil, fmt.Errorf("consumer name is required")
	}
	if config.AckWait <= 0 {
		config.AckWait = 30 * time.Second
	}

	filter, err := NewTableFilter(config.Tables, config.AlwaysTables)
	if err != nil {
		return nil, err
	}

	return &Source{
		config: config,
		filter: filter,
		hub:    hub,
	}, nil
}

// AddHandler registers a durable handler. Not safe after Start.
func (s *Source) AddHandler(h change.Handler) {
	s.handlers = append(s.handlers, h)
}

// OnGap registers the callback invoked when the source detects it cannot
// deliver a contiguous stream (messages aged out or the consumer was lost).
// Consumers use it to advise clients to force a full resync. Not safe after
// Start.
func (s *Source) OnGap(fn func()) {
	s.onGap = fn
}

// Start connects to the feed and begins consuming.
func (s *Source) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running.Load() {
		return nil
	}

	nc, err := nats.Connect(s.config.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			telemetry.FeedReconnectsTotal.Inc()
			log.Warn().Msg("Change feed transport reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to feed: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	stream, err := js.Stream(ctx, s.config.Stream)
	if err != nil {
		nc.Close()
		return fmt.Errorf("feed stream %s not available: %w", s.config.Stream, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       s.config.Consumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       s.config.AckWait,
		FilterSubject: s.config.SubjectPrefix + ".>",
		// One outstanding message keeps delivery strictly ordered even
		// across redeliveries.
		MaxAckPending: 1,
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create feed consumer: %w", err)
	}

	consume, err := cons.Consume(s.handleMsg)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to start feed consumer: %w", err)
	}

	s.nc = nc
	s.consume = consume
	s.running.Store(true)

	log.Info().
		Str("stream", s.config.Stream).
		Str("consumer", s.config.Consumer).
		Strs("tables", s.config.Tables).
		Msg("Change feed consumer started")

	return nil
}

// Stop stops consuming and closes the transport.
func (s *Source) Stop() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running.Load() {
		return
	}

	if s.consume != nil {
		s.consume.Stop()
	}
	if s.nc != nil {
		s.nc.Close()
	}
	s.running.Store(false)

	log.Info().Msg("Change feed consumer stopped")
}

// handleMsg processes one feed message. Ack only happens after every durable
// handler accepted the event; an unacked message is redelivered after AckWait.
func (s *Source) handleMsg(msg jetstream.Msg) {
	meta, err := msg.Metadata()
	if err == nil {
		s.checkGap(meta.Sequence.Stream)
	}

	var ev change.Event
	if err := encoding.Unmarshal(msg.Data(), &ev); err != nil {
		// Poison message: terminate so it is not redelivered forever.
		log.Warn().Err(err).Str("subject", msg.Subject()).Msg("Failed to decode change event")
		if termErr := msg.Term(); termErr != nil {
			log.Warn().Err(termErr).Msg("Failed to terminate undecodable feed message")
		}
		return
	}

	if !s.filter.Match(ev.Table) {
		if err := msg.Ack(); err != nil {
			log.Warn().Err(err).Msg("Failed to ack filtered feed message")
		}
		return
	}

	telemetry.FeedEventsTotal.With(ev.Table).Inc()

	for _, h := range s.handlers {
		if err := h.HandleChange(ev); err != nil {
			log.Error().
				Err(err).
				Uint64("event_id", ev.ID).
				Str("table", ev.Table).
				Msg("Durable change handler failed, event will be redelivered")
			if nakErr := msg.Nak(); nakErr != nil {
				log.Warn().Err(nakErr).Msg("Failed to nak feed message")
			}
			return
		}
	}

	if err := msg.Ack(); err != nil {
		log.Warn().Err(err).Uint64("event_id", ev.ID).Msg("Failed to ack feed message")
	}

	// Realtime path last: the event is durable by now, and a dropped push
	// only costs a client one refetch.
	s.hub.Publish(ev)
}

// checkGap flags a hole in the stream sequence. Redeliveries rewind the
// sequence, which is not a gap; only forward jumps mean events were lost
// (aged out of the stream or the consumer was recreated).
func (s *Source) checkGap(streamSeq uint64) {
	last := s.lastSeq.Load()
	if last != 0 && streamSeq > last+1 {
		telemetry.FeedGapsTotal.Inc()
		log.Warn().
			Uint64("last_seq", last).
			Uint64("next_seq", streamSeq).
			Msg("Change feed gap detected, advising full resync")
		if s.onGap != nil {
			s.onGap()
		}
	}
	if streamSeq > last {
		s.lastSeq.Store(streamSeq)
	}
}
