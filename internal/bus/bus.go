// Package bus implements the control plane's event bus: named,
// append-only streams with consumer groups, at-least-once delivery, and
// acknowledgement-driven redelivery.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	terrors "github.com/atlas-desktop/trading-backend/internal/errors"
)

// Record is a single appended event: a monotonically increasing
// stream-local ID, the short type tag, and its JSON payload.
type Record struct {
	ID        uint64
	Type      string
	Data      json.RawMessage
	Timestamp time.Time
}

// wireRecord is the external `{type, data}` envelope mandated by the
// external-interface contract: a flat mapping with a short tag and a
// UTF-8 JSON string payload.
type wireRecord struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// MarshalRecord encodes a Record in the wire envelope format.
func MarshalRecord(r Record) ([]byte, error) {
	return json.Marshal(wireRecord{Type: r.Type, Data: string(r.Data)})
}

// ParseRecord decodes the wire envelope format into a Record's type/data
// pair (ID and Timestamp are bus-assigned, not part of the wire format).
func ParseRecord(raw []byte) (eventType string, data json.RawMessage, err error) {
	var w wireRecord
	if err := json.Unmarshal(raw, &w); err != nil {
		return "", nil, fmt.Errorf("parse record: %w", err)
	}
	return w.Type, json.RawMessage(w.Data), nil
}

// pendingEntry tracks an unacknowledged delivery awaiting either Ack or
// redelivery once the visibility timeout elapses.
type pendingEntry struct {
	record        Record
	deliverAt     time.Time
	deliveryCount int
}

// group is a named consumer group on one stream: a read cursor plus the
// set of deliveries awaiting acknowledgement.
type group struct {
	mu        sync.Mutex
	cursor    uint64 // last-delivered record ID; next pull starts after this
	pending   map[uint64]*pendingEntry
	createdAt time.Time
}

// stream is one named, partitioned, append-only log.
type stream struct {
	name string

	mu      sync.Mutex
	records []Record // trimmed ring; oldest are evicted past maxRecordsPerSoak, acked or not
	nextID  uint64
	groups  map[string]*group

	notifyMu sync.Mutex
	waiters  []chan struct{}
}

func (s *stream) broadcast() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	for _, w := range s.waiters {
		close(w)
	}
	s.waiters = nil
}

func (s *stream) wait() chan struct{} {
	ch := make(chan struct{})
	s.notifyMu.Lock()
	s.waiters = append(s.waiters, ch)
	s.notifyMu.Unlock()
	return ch
}

// Stats summarizes bus throughput and health, matching the shape of a
// Prometheus-scraped status payload.
type Stats struct {
	EventsPublished  int64 `json:"events_published"`
	EventsDelivered  int64 `json:"events_delivered"`
	EventsAcked      int64 `json:"events_acked"`
	EventsRedelivered int64 `json:"events_redelivered"`
	PublishRetries   int64 `json:"publish_retries"`
	P99LatencyNs     int64 `json:"p99_latency_ns"`
}

// Bus is the central event routing system: a set of named streams, each
// supporting multiple named consumer groups with independent cursors.
type Bus struct {
	mu      sync.RWMutex
	streams map[string]*stream
	logger  *zap.Logger

	redeliveryTimeout time.Duration
	maxRecordsPerSoak int

	published   atomic.Int64
	delivered   atomic.Int64
	acked       atomic.Int64
	redelivered atomic.Int64
	retries     atomic.Int64

	latencyMu sync.Mutex
	latencies []int64
}

// New creates a Bus. redeliveryTimeout is the visibility timeout after
// which an unacknowledged delivery is handed back out.
func New(logger *zap.Logger, redeliveryTimeout time.Duration) *Bus {
	if redeliveryTimeout <= 0 {
		redeliveryTimeout = 30 * time.Second
	}
	return &Bus{
		streams:           make(map[string]*stream),
		logger:            logger,
		redeliveryTimeout: redeliveryTimeout,
		maxRecordsPerSoak: 100000,
		latencies:         make([]int64, 0, 4096),
	}
}

func (b *Bus) streamFor(name string) *stream {
	b.mu.RLock()
	s, ok := b.streams[name]
	b.mu.RUnlock()
	if ok {
		return s
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[name]; ok {
		return s
	}
	s = &stream{name: name, groups: make(map[string]*group)}
	b.streams[name] = s
	return s
}

// Append adds a record to the named stream, retrying with exponential
// backoff (capped at 5s) on transient failure, and returns its assigned
// ID. The in-memory store itself cannot fail, but the retry scaffold is
// kept so a durably-backed stream can be swapped in without changing
// call sites.
func (b *Bus) Append(ctx context.Context, streamName, eventType string, data json.RawMessage) (uint64, error) {
	s := b.streamFor(streamName)

	backoff := 100 * time.Millisecond
	const backoffCap = 5 * time.Second
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		id, err := b.append(s, eventType, data)
		if err == nil {
			b.published.Add(1)
			return id, nil
		}
		lastErr = err
		b.retries.Add(1)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
	return 0, terrors.Transient(terrors.KindBus, "append", lastErr)
}

func (b *Bus) append(s *stream, eventType string, data json.RawMessage) (uint64, error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	rec := Record{ID: id, Type: eventType, Data: data, Timestamp: time.Now()}
	s.records = append(s.records, rec)
	if len(s.records) > b.maxRecordsPerSoak {
		s.records = s.records[len(s.records)-b.maxRecordsPerSoak:]
	}
	s.mu.Unlock()

	s.broadcast()
	return id, nil
}

// EnsureGroup idempotently creates a consumer group on a stream,
// resuming from the tail ("$") the first time it is created. A
// subsequent call is a no-op, mirroring XGROUP CREATE's BUSYGROUP
// tolerance.
func (b *Bus) EnsureGroup(streamName, groupName string) {
	s := b.streamFor(streamName)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[groupName]; ok {
		return
	}
	s.groups[groupName] = &group{
		cursor:    s.nextID, // resume from tail: skip everything already appended
		pending:   make(map[uint64]*pendingEntry),
		createdAt: time.Now(),
	}
}

// Pull reads up to count new records for a consumer group, blocking up
// to blockTimeout if none are yet available. Redelivery of timed-out
// pending entries is checked first.
func (b *Bus) Pull(ctx context.Context, streamName, groupName, consumerName string, count int, blockTimeout time.Duration) ([]Record, error) {
	s := b.streamFor(streamName)

	deadline := time.Now().Add(blockTimeout)
	for {
		recs := b.collect(s, groupName, count)
		if len(recs) > 0 {
			b.delivered.Add(int64(len(recs)))
			return recs, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		waitCh := s.wait()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-waitCh:
		case <-time.After(remaining):
			return nil, nil
		}
	}
}

func (b *Bus) collect(s *stream, groupName string, count int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupName]
	if !ok {
		g = &group{cursor: 0, pending: make(map[uint64]*pendingEntry)}
		s.groups[groupName] = g
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Record, 0, count)

	// Redeliver anything past its visibility timeout before handing out
	// fresh records, so FIFO-per-partition order is respected overall.
	now := time.Now()
	for id, pe := range g.pending {
		if len(out) >= count {
			break
		}
		if now.Before(pe.deliverAt) {
			continue
		}
		pe.deliveryCount++
		pe.deliverAt = now.Add(b.redeliveryTimeout)
		out = append(out, pe.record)
		b.redelivered.Add(1)
		_ = id
	}
	if len(out) >= count {
		return out
	}

	for _, rec := range s.records {
		if len(out) >= count {
			break
		}
		if rec.ID <= g.cursor {
			continue
		}
		g.cursor = rec.ID
		g.pending[rec.ID] = &pendingEntry{record: rec, deliverAt: now.Add(b.redeliveryTimeout), deliveryCount: 1}
		out = append(out, rec)
	}
	return out
}

// Ack acknowledges a delivered record by ID, removing it from the
// group's pending set. Only side-effect-committed records should be
// acked.
func (b *Bus) Ack(streamName, groupName string, id uint64) error {
	s := b.streamFor(streamName)
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupName]
	if !ok {
		return fmt.Errorf("unknown consumer group %q on stream %q", groupName, streamName)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.pending[id]; !ok {
		return nil
	}
	delete(g.pending, id)
	b.acked.Add(1)
	b.trackLatency(s, id)
	return nil
}

func (b *Bus) trackLatency(s *stream, id uint64) {
	var ts time.Time
	for _, r := range s.records {
		if r.ID == id {
			ts = r.Timestamp
			break
		}
	}
	if ts.IsZero() {
		return
	}
	latency := time.Since(ts).Nanoseconds()

	b.latencyMu.Lock()
	defer b.latencyMu.Unlock()
	b.latencies = append(b.latencies, latency)
	if len(b.latencies) > 10000 {
		b.latencies = b.latencies[5000:]
	}
}

// PendingCount returns the number of unacknowledged deliveries for a
// group, used by the supervisor's backpressure monitor.
func (b *Bus) PendingCount(streamName, groupName string) int {
	s := b.streamFor(streamName)
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupName]
	if !ok {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Stats returns a snapshot of bus-wide counters.
func (b *Bus) Stats() Stats {
	return Stats{
		EventsPublished:   b.published.Load(),
		EventsDelivered:   b.delivered.Load(),
		EventsAcked:       b.acked.Load(),
		EventsRedelivered: b.redelivered.Load(),
		PublishRetries:    b.retries.Load(),
		P99LatencyNs:      b.p99LatencyNs(),
	}
}

func (b *Bus) p99LatencyNs() int64 {
	b.latencyMu.Lock()
	defer b.latencyMu.Unlock()
	if len(b.latencies) == 0 {
		return 0
	}
	sorted := make([]int64, len(b.latencies))
	copy(sorted, b.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
