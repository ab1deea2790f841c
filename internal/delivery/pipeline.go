// Package delivery implements the per-connection outbound pipeline (§4.5):
// a priority queue with a batching window, adaptive tuning, deduplication,
// optional gzip compression, and a bypass path for realtime-critical frames.
package delivery

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adred-codev/poker-ws-gateway/internal/protocol"
)

// Sink is how a Pipeline actually gets bytes onto the wire. The registry's
// Connection implements this; delivery itself never touches a socket.
type Sink interface {
	// EnqueueRaw hands a fully-framed payload to the connection's send
	// channel, applying the 3-strikes slow-client policy. binary indicates
	// the frame must be sent as a WS binary frame (gzip path).
	EnqueueRaw(data []byte, binary bool) error
}

// Config mirrors the Delivery Pipeline configuration knobs from §6.
type Config struct {
	BatchWindow            time.Duration
	MaxBatchSize           int
	EnableAdaptiveBatching bool
	EnableDeduplication    bool
	EnableBatchCompression bool
	CompressionThreshold   int
	CompressOff            bool // client opted out via ?compression=off
}

// Item is an Outbound Item (§3): a wrapped frame awaiting flush.
type Item struct {
	Frame     protocol.Frame
	Priority  protocol.Priority
	EnqueueAt time.Time
	hash      [32]byte
}

// Stats is the Delivery State counters kept per Connection (§3).
type Stats struct {
	mu               sync.Mutex
	Messages         int64
	Batches          int64
	BytesIn          int64
	BytesOut         int64
	CompressedCount  int64
	SendFailures     int64
	BatchSizeHistory []int
}

func (s *Stats) recordBatch(size int, bytesOut int64, compressed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Batches++
	s.Messages += int64(size)
	s.BytesOut += bytesOut
	if compressed {
		s.CompressedCount++
	}
	s.BatchSizeHistory = append(s.BatchSizeHistory, size)
	if len(s.BatchSizeHistory) > 100 {
		s.BatchSizeHistory = s.BatchSizeHistory[len(s.BatchSizeHistory)-100:]
	}
}

func (s *Stats) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendFailures++
}

func (s *Stats) avgBatchSize() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.BatchSizeHistory) == 0 {
		return 0
	}
	var sum int
	for _, v := range s.BatchSizeHistory {
		sum += v
	}
	return float64(sum) / float64(len(s.BatchSizeHistory))
}

// Snapshot returns a point-in-time copy of the stats counters.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := make([]int, len(s.BatchSizeHistory))
	copy(hist, s.BatchSizeHistory)
	return Stats{
		Messages:         s.Messages,
		Batches:          s.Batches,
		BytesIn:          s.BytesIn,
		BytesOut:         s.BytesOut,
		CompressedCount:  s.CompressedCount,
		SendFailures:     s.SendFailures,
		BatchSizeHistory: hist,
	}
}

// Pipeline is the per-Connection outbound priority queue and batch timer.
type Pipeline struct {
	cfg  Config
	sink Sink

	mu        sync.Mutex
	queue     []Item
	timer     *time.Timer
	closed    bool

	// adaptive window tuning state (§4.5)
	window         time.Duration
	ewmaFreq       float64
	lastAdjustment time.Time
	lastMsgTime    time.Time

	Stats Stats
}

// New constructs a Pipeline bound to sink, using cfg's starting batch window.
func New(sink Sink, cfg Config) *Pipeline {
	return &Pipeline{
		cfg:            cfg,
		sink:           sink,
		window:         cfg.BatchWindow,
		lastAdjustment: time.Now(),
	}
}

// Enqueue appends frame to the outbound queue, or sends it immediately if it
// is realtime-critical, the queue is now full, or priority >= 10.
func (p *Pipeline) Enqueue(frame protocol.Frame, priority protocol.Priority) error {
	if protocol.RealtimeCritical(frame.Type) {
		return p.sendImmediate(frame)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}

	item := Item{Frame: frame, Priority: priority, EnqueueAt: time.Now()}
	if p.cfg.EnableDeduplication {
		item.hash = contentHash(frame)
	}
	p.queue = append(p.queue, item)
	p.recordArrival()

	flushNow := len(p.queue) >= p.cfg.MaxBatchSize || priority >= 10
	if flushNow {
		batch := p.drainLocked()
		p.mu.Unlock()
		return p.flush(batch)
	}

	if p.timer == nil {
		window := p.window
		p.timer = time.AfterFunc(window, p.onTimer)
	}
	p.mu.Unlock()
	return nil
}

func (p *Pipeline) recordArrival() {
	now := time.Now()
	if !p.lastMsgTime.IsZero() {
		elapsed := now.Sub(p.lastMsgTime).Seconds()
		if elapsed > 0 {
			instant := 1 / elapsed
			p.ewmaFreq = 0.7*p.ewmaFreq + 0.3*instant
		}
	}
	p.lastMsgTime = now
	if p.cfg.EnableAdaptiveBatching {
		p.maybeAdjustWindow(now)
	}
}

// maybeAdjustWindow applies the adaptive tuning rule from §4.5. Caller
// holds p.mu.
func (p *Pipeline) maybeAdjustWindow(now time.Time) {
	if now.Sub(p.lastAdjustment) < 5*time.Second {
		return
	}
	avgBatch := p.Stats.avgBatchSize()
	switch {
	case p.ewmaFreq > 20 && avgBatch > 5:
		p.window = time.Duration(float64(p.window) * 0.8)
		if p.window < 20*time.Millisecond {
			p.window = 20 * time.Millisecond
		}
		p.lastAdjustment = now
	case p.ewmaFreq < 5 && avgBatch < 2:
		p.window = time.Duration(float64(p.window) * 1.2)
		if p.window > 500*time.Millisecond {
			p.window = 500 * time.Millisecond
		}
		p.lastAdjustment = now
	}
}

func (p *Pipeline) onTimer() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	batch := p.drainLocked()
	p.mu.Unlock()
	_ = p.flush(batch)
}

// drainLocked empties the queue and stops/clears the pending timer. Caller
// holds p.mu.
func (p *Pipeline) drainLocked() []Item {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	batch := p.queue
	p.queue = nil
	return batch
}

// flush sorts, deduplicates, wraps, optionally compresses, and hands a batch
// off to the sink. A single-item batch is still wrapped in a `batch` frame,
// matching §4.5's contract literally (clients treat batch-of-one the same
// as any other batch).
func (p *Pipeline) flush(items []Item) error {
	if len(items) == 0 {
		return nil
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Priority > items[j].Priority
	})

	if p.cfg.EnableDeduplication {
		items = dedupe(items)
	}

	frames := make([]protocol.Frame, len(items))
	for i, it := range items {
		frames[i] = it.Frame
	}

	payload := protocol.BatchPayload{
		Messages:  frames,
		Count:     len(frames),
		Timestamp: time.Now().UnixMilli(),
	}
	batchFrame := protocol.Frame{Type: protocol.TypeBatch, Payload: protocol.MustMarshal(payload)}

	raw, err := json.Marshal(batchFrame)
	if err != nil {
		p.Stats.recordFailure()
		return fmt.Errorf("marshal batch: %w", err)
	}

	binary := false
	if p.cfg.EnableBatchCompression && !p.cfg.CompressOff && len(raw) > p.cfg.CompressionThreshold {
		compressed, cerr := gzipFlagged(raw)
		if cerr == nil {
			raw = compressed
			binary = true
		}
	}

	if err := p.sink.EnqueueRaw(raw, binary); err != nil {
		p.Stats.recordFailure()
		return err
	}

	p.Stats.recordBatch(len(frames), int64(len(raw)), binary)
	return nil
}

// sendImmediate bypasses batching and compression entirely for
// realtime-critical frame types.
func (p *Pipeline) sendImmediate(frame protocol.Frame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		p.Stats.recordFailure()
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := p.sink.EnqueueRaw(raw, false); err != nil {
		p.Stats.recordFailure()
		return err
	}
	p.Stats.recordBatch(1, int64(len(raw)), false)
	return nil
}

// Close stops the pending timer and discards any still-queued items. It
// does not flush: per §4.5, if the socket is not OPEN at flush time the
// queue is silently discarded.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.queue = nil
}

func contentHash(f protocol.Frame) [32]byte {
	return sha256.Sum256(append([]byte(f.Type), f.Payload...))
}

// dedupe drops successive items whose (type, payload hash) already appeared
// in this flush, preserving first-seen order (§4.5).
func dedupe(items []Item) []Item {
	seen := make(map[[32]byte]struct{}, len(items))
	out := items[:0:0]
	for _, it := range items {
		key := it.hash
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, it)
	}
	return out
}

// gzipFlagged compresses data and prepends the single-byte 0x01 flag used
// to distinguish compressed binary frames from plain UTF-8 JSON (§4.5, §6).
func gzipFlagged(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(0x01)
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Gunzip reverses gzipFlagged for an inbound binary frame whose first byte
// is 0x01 (§4.5).
func Gunzip(data []byte) ([]byte, error) {
	if len(data) == 0 || data[0] != 0x01 {
		return nil, fmt.Errorf("not a gzip-flagged frame")
	}
	r, err := gzip.NewReader(bytes.NewReader(data[1:]))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(r); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
