package stream

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/internal/channel"
	"github.com/BaSui01/swarmflow/types"
)

// Config configures the event hub.
type Config struct {
	// HeartbeatInterval is the idle interval after which a synthetic
	// heartbeat event is published so transport-level idle timeouts do
	// not close the connection.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`

	// TeardownGrace is the delay between a terminal event and the
	// teardown of the execution's stream state, giving consumers time
	// to drain and reconnecting clients time to replay.
	TeardownGrace time.Duration `yaml:"teardown_grace" json:"teardown_grace"`

	// CacheTimeout bounds each replay-cache operation so a slow cache
	// backend cannot stall publishing.
	CacheTimeout time.Duration `yaml:"cache_timeout" json:"cache_timeout"`
}

// DefaultConfig returns the default hub configuration.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 25 * time.Second,
		TeardownGrace:     5 * time.Second,
		CacheTimeout:      250 * time.Millisecond,
	}
}

// Subscription is one consumer's attachment to an execution's stream.
// Events is closed when the stream tears down.
type Subscription struct {
	ID          uint64
	ExecutionID string
	Events      <-chan types.StreamEvent

	queue *channel.Unbounded[types.StreamEvent]
}

// execStream is the hub's per-execution state: the sequence counter,
// the live consumer queues, the cache write pipeline, and heartbeat
// bookkeeping.
type execStream struct {
	executionID string
	seq         uint64
	consumers   map[uint64]*channel.Unbounded[types.StreamEvent]
	nextSubID   uint64
	lastEvent   time.Time
	terminal    bool
	hbCancel    context.CancelFunc

	// pending holds events handed to the cache writer whose append has
	// not landed yet; replay merges them with the cached events.
	pending    []types.StreamEvent
	cacheQ     *channel.Unbounded[types.StreamEvent]
	writerDone chan struct{}

	mu sync.Mutex
}

// Hub fans a producer's events out to consumers per execution. The
// producer never blocks: consumer queues are unbounded and cache
// writes are bounded by CacheTimeout.
type Hub struct {
	config  Config
	cache   ReplayCache
	streams map[string]*execStream
	logger  *zap.Logger
	mu      sync.Mutex
}

// NewHub creates an event hub. A nil cache disables replay.
func NewHub(config Config, cache ReplayCache, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cache == nil {
		cache = NewMemoryReplayCache(0)
	}
	return &Hub{
		config:  config,
		cache:   cache,
		streams: make(map[string]*execStream),
		logger:  logger.With(zap.String("component", "event_hub")),
	}
}

// getOrCreate returns the stream for an execution, creating it and
// starting its heartbeat loop on first use.
func (h *Hub) getOrCreate(executionID string) *execStream {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.streams[executionID]; ok {
		return s
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	s := &execStream{
		executionID: executionID,
		consumers:   make(map[uint64]*channel.Unbounded[types.StreamEvent]),
		lastEvent:   time.Now(),
		hbCancel:    cancel,
		cacheQ:      channel.NewUnbounded[types.StreamEvent](),
		writerDone:  make(chan struct{}),
	}
	h.streams[executionID] = s
	go h.heartbeatLoop(hbCtx, s)
	go h.cacheWriter(s)
	return s
}

// Publish assigns the next sequence number, hands the event to the
// stream's cache writer, and enqueues it to every live consumer. The
// producer never waits on the cache backend. Returns the assigned
// sequence.
func (h *Hub) Publish(ctx context.Context, event types.StreamEvent) uint64 {
	s := h.getOrCreate(event.ExecutionID)

	s.mu.Lock()
	defer s.mu.Unlock()
	return h.publishLocked(s, event)
}

// publishLocked requires s.mu held.
func (h *Hub) publishLocked(s *execStream, event types.StreamEvent) uint64 {
	if s.terminal {
		h.logger.Debug("dropping event after terminal",
			zap.String("execution_id", s.executionID),
			zap.String("type", string(event.Type)))
		return s.seq
	}

	s.seq++
	event.Sequence = s.seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	s.lastEvent = time.Now()

	s.pending = append(s.pending, event)
	s.cacheQ.Push(event)

	for _, q := range s.consumers {
		q.Push(event)
	}

	if event.Type.Terminal() {
		s.terminal = true
		h.scheduleTeardown(s.executionID)
	}
	return event.Sequence
}

// cacheWriter drains one stream's cache queue in publish order. Each
// append is bounded by CacheTimeout; a failed append loses the event
// from replay but never stalls the stream.
func (h *Hub) cacheWriter(s *execStream) {
	defer close(s.writerDone)
	for event := range s.cacheQ.Out() {
		ctx := context.Background()
		cancel := context.CancelFunc(func() {})
		if h.config.CacheTimeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, h.config.CacheTimeout)
		}
		err := h.cache.Append(ctx, s.executionID, event)
		cancel()
		if err != nil {
			h.logger.Warn("replay cache append failed",
				zap.String("execution_id", s.executionID), zap.Error(err))
		}

		s.mu.Lock()
		if len(s.pending) > 0 && s.pending[0].Sequence == event.Sequence {
			s.pending = s.pending[1:]
		}
		s.mu.Unlock()
	}
}

// Attach adds a consumer and, in the same critical section, records
// the sequence horizon and the in-flight cache writes, so the replayed
// slice and the live stream meet with no gap and no duplication at the
// boundary. The cache fetch itself happens outside the stream lock.
func (h *Hub) Attach(ctx context.Context, executionID string, withReplay bool) (*Subscription, []types.StreamEvent, error) {
	s := h.getOrCreate(executionID)

	s.mu.Lock()
	horizon := s.seq
	var pending []types.StreamEvent
	if withReplay {
		pending = append(pending, s.pending...)
	}
	q := channel.NewUnbounded[types.StreamEvent]()
	s.nextSubID++
	id := s.nextSubID
	s.consumers[id] = q
	s.mu.Unlock()

	var replayed []types.StreamEvent
	if withReplay {
		cacheCtx := ctx
		cancel := context.CancelFunc(func() {})
		if h.config.CacheTimeout > 0 {
			cacheCtx, cancel = context.WithTimeout(ctx, h.config.CacheTimeout)
		}
		cached, err := h.cache.Events(cacheCtx, executionID)
		cancel()
		if err != nil {
			h.logger.Warn("replay fetch failed",
				zap.String("execution_id", executionID), zap.Error(err))
			cached = nil
		}
		replayed = mergeReplay(cached, pending, horizon)
	}

	h.logger.Debug("consumer attached",
		zap.String("execution_id", executionID),
		zap.Uint64("subscription_id", id),
		zap.Int("replayed", len(replayed)))

	return &Subscription{
		ID:          id,
		ExecutionID: executionID,
		Events:      q.Out(),
		queue:       q,
	}, replayed, nil
}

// mergeReplay combines cached events with the writes that were still
// in flight at attach time. Every event at or below the horizon is in
// one of the two lists, so the merge is gapless; cached events above a
// non-zero horizon were published after the attach and arrive through
// the live queue instead.
func mergeReplay(cached, pending []types.StreamEvent, horizon uint64) []types.StreamEvent {
	seen := make(map[uint64]struct{}, len(cached)+len(pending))
	out := make([]types.StreamEvent, 0, len(cached)+len(pending))
	for _, ev := range cached {
		if horizon > 0 && ev.Sequence > horizon {
			continue
		}
		if _, dup := seen[ev.Sequence]; dup {
			continue
		}
		seen[ev.Sequence] = struct{}{}
		out = append(out, ev)
	}
	for _, ev := range pending {
		if _, dup := seen[ev.Sequence]; dup {
			continue
		}
		seen[ev.Sequence] = struct{}{}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// AddConsumer attaches without replay.
func (h *Hub) AddConsumer(ctx context.Context, executionID string) (*Subscription, error) {
	sub, _, err := h.Attach(ctx, executionID, false)
	return sub, err
}

// Replay returns an execution's events in sequence order: the cached
// ones plus any whose cache write is still in flight.
func (h *Hub) Replay(ctx context.Context, executionID string) ([]types.StreamEvent, error) {
	h.mu.Lock()
	s, ok := h.streams[executionID]
	h.mu.Unlock()

	var pending []types.StreamEvent
	var horizon uint64
	if ok {
		s.mu.Lock()
		horizon = s.seq
		pending = append(pending, s.pending...)
		s.mu.Unlock()
	}

	cached, err := h.cache.Events(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return mergeReplay(cached, pending, horizon), nil
}

// RemoveConsumer detaches a subscription and discards its queue.
func (h *Hub) RemoveConsumer(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	s, ok := h.streams[sub.ExecutionID]
	h.mu.Unlock()
	if ok {
		s.mu.Lock()
		delete(s.consumers, sub.ID)
		s.mu.Unlock()
	}
	sub.queue.Discard()
}

// DropExecution tears an execution's stream down immediately: all
// consumer queues close after draining and the replay cache entry is
// removed. The cache writer must finish before the drop, or a queued
// append would resurrect the entry.
func (h *Hub) DropExecution(ctx context.Context, executionID string) {
	if done := h.teardown(executionID); done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	if err := h.cache.Drop(ctx, executionID); err != nil {
		h.logger.Warn("replay cache drop failed",
			zap.String("execution_id", executionID), zap.Error(err))
	}
}

// ConsumerCount returns the number of live consumers for an execution.
func (h *Hub) ConsumerCount(executionID string) int {
	h.mu.Lock()
	s, ok := h.streams[executionID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumers)
}

// scheduleTeardown removes the stream after the teardown grace.
func (h *Hub) scheduleTeardown(executionID string) {
	time.AfterFunc(h.config.TeardownGrace, func() {
		h.teardown(executionID)
	})
}

// teardown removes the stream and returns the cache writer's done
// channel (nil if no stream existed).
func (h *Hub) teardown(executionID string) <-chan struct{} {
	h.mu.Lock()
	s, ok := h.streams[executionID]
	if ok {
		delete(h.streams, executionID)
	}
	h.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	// A publisher still holding the old stream must not push to the
	// closed cache queue.
	s.terminal = true
	s.hbCancel()
	s.cacheQ.Close()
	queues := make([]*channel.Unbounded[types.StreamEvent], 0, len(s.consumers))
	for _, q := range s.consumers {
		queues = append(queues, q)
	}
	s.consumers = make(map[uint64]*channel.Unbounded[types.StreamEvent])
	s.mu.Unlock()

	// Close, not discard: buffered events still reach readers.
	for _, q := range queues {
		q.Close()
	}

	h.logger.Debug("stream torn down", zap.String("execution_id", executionID))
	return s.writerDone
}

// heartbeatLoop publishes a synthetic heartbeat whenever the stream
// has consumers and no real event arrived for a full interval.
func (h *Hub) heartbeatLoop(ctx context.Context, s *execStream) {
	interval := h.config.HeartbeatInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			idle := time.Since(s.lastEvent) >= interval
			if idle && !s.terminal && len(s.consumers) > 0 {
				h.publishLocked(s, types.NewStreamEvent(
					s.executionID, types.EventHeartbeat, "", nil))
			}
			s.mu.Unlock()
		}
	}
}
