// Package logstream coalesces identical log subscriptions into one upstream stream
// and fans agent chunks out to each subscriber according to its own offset.
package logstream

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/basket/fleetrelay/internal/protocol"
	"github.com/basket/fleetrelay/internal/ratelimit"
)

// DefaultChunksPerSecond is the per (stream, logType) chunk ceiling.
const DefaultChunksPerSecond = 50

// Sender delivers a message to a connection by id.
type Sender interface {
	Send(connID string, msg any) bool
}

// StreamKey derives the coalescing key of a subscription.
func StreamKey(path string, offset, limit, duration int64) string {
	h := sha256.New()
	h.Write([]byte(path))
	for _, n := range []int64{offset, limit, duration} {
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatInt(n, 10)))
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Subscriber is one client attached to a stream and the request that attached it.
type Subscriber struct {
	ConnID    string
	RequestID string
}

type subscriber struct {
	Subscriber
	lastOffset int64
}

type stream struct {
	key       string
	taskID    string
	createdAt time.Time
	subs      map[string]*subscriber
}

type tenantStreams struct {
	mu      sync.Mutex
	streams map[string]*stream
}

// Config holds the table dependencies.
type Config struct {
	Sender          Sender
	Limiter         *ratelimit.Limiter
	ChunksPerSecond int
	Logger          *slog.Logger
	Now             func() time.Time
}

// Table is sharded per tenant.
type Table struct {
	mu      sync.RWMutex
	tenants map[string]*tenantStreams

	sender  Sender
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	now     func() time.Time

	limitMu   sync.RWMutex
	chunkRate int
}

// New creates an empty table.
func New(cfg Config) *Table {
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New()
	}
	if cfg.ChunksPerSecond <= 0 {
		cfg.ChunksPerSecond = DefaultChunksPerSecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Table{
		tenants:   make(map[string]*tenantStreams),
		sender:    cfg.Sender,
		limiter:   cfg.Limiter,
		logger:    cfg.Logger,
		now:       cfg.Now,
		chunkRate: cfg.ChunksPerSecond,
	}
}

// SetChunksPerSecond changes the chunk ceiling.
func (t *Table) SetChunksPerSecond(n int) {
	if n <= 0 {
		n = DefaultChunksPerSecond
	}
	t.limitMu.Lock()
	t.chunkRate = n
	t.limitMu.Unlock()
}

func (t *Table) chunksPerSecond() int {
	t.limitMu.RLock()
	defer t.limitMu.RUnlock()
	return t.chunkRate
}

func (t *Table) tenant(tenantID string, create bool) *tenantStreams {
	t.mu.RLock()
	ts := t.tenants[tenantID]
	t.mu.RUnlock()
	if ts != nil || !create {
		return ts
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if ts = t.tenants[tenantID]; ts == nil {
		ts = &tenantStreams{streams: make(map[string]*stream)}
		t.tenants[tenantID] = ts
	}
	return ts
}

// Subscribe adds connID to the stream. It reports whether the stream is new, in
// which case the caller starts the upstream task. Subscribing twice keeps the
// existing offset.
func (t *Table) Subscribe(tenantID, key, connID, requestID string, startOffset int64) bool {
	ts := t.tenant(tenantID, true)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	s, ok := ts.streams[key]
	if !ok {
		s = &stream{key: key, createdAt: t.now(), subs: make(map[string]*subscriber)}
		ts.streams[key] = s
	}
	if _, dup := s.subs[connID]; !dup {
		s.subs[connID] = &subscriber{Subscriber: Subscriber{ConnID: connID, RequestID: requestID}, lastOffset: startOffset}
	}
	t.logger.Debug("log subscriber added", "tenant_id", tenantID, "stream_id", key, "conn_id", connID, "first", !ok)
	return !ok
}

// SetUpstream records the task feeding the stream.
func (t *Table) SetUpstream(tenantID, key, taskID string) {
	ts := t.tenant(tenantID, false)
	if ts == nil {
		return
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if s, ok := ts.streams[key]; ok {
		s.taskID = taskID
	}
}

// Drop removes the stream if taskID is its upstream task and returns the
// subscribers it had. A stream fed by another task is left alone.
func (t *Table) Drop(tenantID, key, taskID string) []Subscriber {
	ts := t.tenant(tenantID, false)
	if ts == nil {
		return nil
	}
	ts.mu.Lock()
	s, ok := ts.streams[key]
	if !ok || s.taskID != taskID {
		ts.mu.Unlock()
		return nil
	}
	delete(ts.streams, key)
	subs := make([]Subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub.Subscriber)
	}
	ts.mu.Unlock()

	t.limiter.ResetPrefix(limiterKey(tenantID, key, ""))
	t.logger.Info("log stream dropped", "tenant_id", tenantID, "stream_id", key, "task_id", taskID, "subscribers", len(subs))
	return subs
}

type delivery struct {
	connID string
	msg    protocol.LogChunkOut
}

// OnChunk fans chunk out to every subscriber whose last offset is not past the
// chunk offset and advances that subscriber to offset+len(entries). It returns the
// number of deliveries. Chunks over the rate ceiling or for unknown streams are
// dropped. An eof chunk ends the stream after delivery.
func (t *Table) OnChunk(tenantID string, chunk protocol.LogChunk) int {
	ts := t.tenant(tenantID, false)
	if ts == nil {
		t.logger.Debug("chunk for unknown stream dropped", "tenant_id", tenantID, "stream_id", chunk.StreamID)
		return 0
	}
	if !t.limiter.Allow(limiterKey(tenantID, chunk.StreamID, chunk.LogType), t.chunksPerSecond(), time.Second) {
		t.logger.Warn("log chunk rate limited", "tenant_id", tenantID, "stream_id", chunk.StreamID, "log_type", chunk.LogType)
		return 0
	}

	entries := chunk.Entries
	if entries == nil {
		entries = []json.RawMessage{}
	}
	var out []delivery

	ts.mu.Lock()
	s, ok := ts.streams[chunk.StreamID]
	if !ok {
		ts.mu.Unlock()
		t.logger.Debug("chunk for unknown stream dropped", "tenant_id", tenantID, "stream_id", chunk.StreamID)
		return 0
	}
	for _, sub := range s.subs {
		if chunk.Offset < sub.lastOffset {
			continue
		}
		sub.lastOffset = chunk.Offset + int64(len(entries))
		out = append(out, delivery{connID: sub.ConnID, msg: protocol.LogChunkOut{
			Kind:     protocol.KindLogChunk,
			StreamID: chunk.StreamID,
			LogType:  chunk.LogType,
			Offset:   chunk.Offset,
			Entries:  entries,
			EOF:      chunk.EOF,
		}})
	}
	if chunk.EOF {
		delete(ts.streams, chunk.StreamID)
	}
	ts.mu.Unlock()

	if chunk.EOF {
		t.limiter.ResetPrefix(limiterKey(tenantID, chunk.StreamID, ""))
	}
	for _, d := range out {
		t.sender.Send(d.connID, d.msg)
	}
	return len(out)
}

// Unsubscribe removes connID from the stream and reports whether the stream was
// orphaned and dropped.
func (t *Table) Unsubscribe(tenantID, key, connID string) bool {
	ts := t.tenant(tenantID, false)
	if ts == nil {
		return false
	}
	ts.mu.Lock()
	s, ok := ts.streams[key]
	if !ok {
		ts.mu.Unlock()
		return false
	}
	delete(s.subs, connID)
	orphaned := len(s.subs) == 0
	if orphaned {
		delete(ts.streams, key)
	}
	ts.mu.Unlock()

	if orphaned {
		t.limiter.ResetPrefix(limiterKey(tenantID, key, ""))
		t.logger.Debug("log stream orphaned", "tenant_id", tenantID, "stream_id", key)
	}
	return orphaned
}

// PurgeConnection removes connID from every stream of the tenant and returns the
// keys of streams left without subscribers.
func (t *Table) PurgeConnection(tenantID, connID string) []string {
	ts := t.tenant(tenantID, false)
	if ts == nil {
		return nil
	}
	var orphaned []string
	ts.mu.Lock()
	for key, s := range ts.streams {
		if _, ok := s.subs[connID]; !ok {
			continue
		}
		delete(s.subs, connID)
		if len(s.subs) == 0 {
			delete(ts.streams, key)
			orphaned = append(orphaned, key)
		}
	}
	ts.mu.Unlock()

	for _, key := range orphaned {
		t.limiter.ResetPrefix(limiterKey(tenantID, key, ""))
	}
	return orphaned
}

// LastOffset returns the offset a subscriber expects next.
func (t *Table) LastOffset(tenantID, key, connID string) (int64, bool) {
	ts := t.tenant(tenantID, false)
	if ts == nil {
		return 0, false
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	s, ok := ts.streams[key]
	if !ok {
		return 0, false
	}
	sub, ok := s.subs[connID]
	if !ok {
		return 0, false
	}
	return sub.lastOffset, true
}

// Subscribers returns the subscriber count of a stream.
func (t *Table) Subscribers(tenantID, key string) int {
	ts := t.tenant(tenantID, false)
	if ts == nil {
		return 0
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if s, ok := ts.streams[key]; ok {
		return len(s.subs)
	}
	return 0
}

// Len returns the number of active streams across tenants.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, ts := range t.tenants {
		ts.mu.Lock()
		n += len(ts.streams)
		ts.mu.Unlock()
	}
	return n
}

// limiterKey quotes the caller-supplied parts so one stream id can never be a
// prefix of another stream's keys.
func limiterKey(tenantID, streamID, logType string) string {
	return "logchunk:" + strconv.Quote(tenantID) + ":" + strconv.Quote(streamID) + ":" + logType
}
