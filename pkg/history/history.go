// Package history implements the bounded-memory frame store: a ring
// buffer of recent frames plus an independent set of the K slowest
// frames ever observed, with transparent compression of entries that
// age out of a small hot window.
package history

import (
	"container/heap"
	"flag"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/frameprof/frameprof/pkg/model"
)

type Config struct {
	// MaxFrames is the ring buffer capacity.
	MaxFrames int
	// MaxSlow is how many slowest-ever frames to retain independently of
	// recency. 0 disables the slowest set.
	MaxSlow int
	// HotFrames is how many of the most recent frames stay uncompressed
	// for low-latency access.
	HotFrames int
	// MaxBytes bounds the total payload bytes retained. 0 means
	// unbounded.
	MaxBytes int64
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.MaxFrames, "history.max-frames", 512, "Number of recent frames to retain.")
	f.IntVar(&cfg.MaxSlow, "history.max-slow", 128, "Number of slowest frames to retain regardless of age. 0 disables.")
	f.IntVar(&cfg.HotFrames, "history.hot-frames", 8, "Number of most recent frames kept uncompressed.")
	f.Int64Var(&cfg.MaxBytes, "history.max-bytes", 256<<20, "Total payload bytes to retain. 0 means unbounded.")
}

func (cfg *Config) Validate() error {
	if cfg.MaxFrames <= 0 {
		return errors.Errorf("history: max-frames must be positive, got %d", cfg.MaxFrames)
	}
	if cfg.MaxSlow < 0 {
		return errors.Errorf("history: max-slow must not be negative, got %d", cfg.MaxSlow)
	}
	if cfg.HotFrames < 0 {
		return errors.Errorf("history: hot-frames must not be negative, got %d", cfg.HotFrames)
	}
	if cfg.MaxBytes < 0 {
		return errors.Errorf("history: max-bytes must not be negative, got %d", cfg.MaxBytes)
	}
	return nil
}

// DefaultConfig returns the flag-default configuration.
func DefaultConfig() Config {
	var cfg Config
	cfg.RegisterFlags(flag.NewFlagSet("", flag.PanicOnError))
	return cfg
}

// entry tracks one retained frame and which structures reference it.
// The payload is stored once; it is released only when neither the ring
// nor the slowest set references it.
type entry struct {
	frame  *model.Frame
	inRing bool
	inSlow bool
	size   int64
}

// History is the frame store. Add is single-writer (the frame
// publishing path); queries may run concurrently with it.
type History struct {
	logger  log.Logger
	metrics *metrics
	cfg     Config

	mu      sync.RWMutex
	frames  map[uint64]*entry
	ring    []uint64 // frame indices, oldest first; circular
	head    int      // position of the oldest element
	count   int
	slow    slowHeap
	bytes   int64
	last    uint64
	hasLast bool
}

func New(cfg Config, logger log.Logger, reg prometheus.Registerer) (*History, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &History{
		logger:  logger,
		metrics: newMetrics(reg),
		cfg:     cfg,
		frames:  make(map[uint64]*entry),
		ring:    make([]uint64, cfg.MaxFrames),
	}, nil
}

// Add inserts a completed frame. It never fails: over-capacity inserts
// evict the oldest frame, and empty frames are stored like any other.
func (h *History) Add(f *model.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	index := f.FrameIndex()
	if h.hasLast && index <= h.last {
		// A frame from the past means the producer restarted (e.g. the
		// remote server feeding a client-side history). Stale state
		// would mix two sessions; drop it.
		level.Info(h.logger).Log("msg", "frame index went backwards, clearing history", "index", index, "last", h.last)
		h.clearLocked()
	}
	h.last = index
	h.hasLast = true

	e := &entry{frame: f, size: int64(f.SizeBytes())}
	h.frames[index] = e
	h.bytes += e.size

	h.addRecent(e, index)
	h.addSlow(e, index)
	h.packAged()
	h.enforceBudget()

	h.metrics.frames.Set(float64(len(h.frames)))
	h.metrics.bytes.Set(float64(h.bytes))
}

func (h *History) addRecent(e *entry, index uint64) {
	e.inRing = true
	if h.count == len(h.ring) {
		oldest := h.ring[h.head]
		h.ring[h.head] = index
		h.head = (h.head + 1) % len(h.ring)
		h.dropRingRef(oldest)
		return
	}
	h.ring[(h.head+h.count)%len(h.ring)] = index
	h.count++
}

func (h *History) addSlow(e *entry, index uint64) {
	if h.cfg.MaxSlow == 0 {
		return
	}
	duration := e.frame.DurationNs()
	if h.slow.Len() >= h.cfg.MaxSlow {
		// Admit only frames strictly slower than the fastest of the
		// slow; on a duration tie the earliest-seen spike is kept.
		if duration <= h.slow.items[0].durationNs {
			return
		}
		evicted := heap.Pop(&h.slow).(slowItem)
		h.dropSlowRef(evicted.index)
	}
	e.inSlow = true
	heap.Push(&h.slow, slowItem{durationNs: duration, index: index})
}

// packAged compresses the one frame that just aged past the hot window.
// Frames enter at the newest position, so a single pack per insert keeps
// everything beyond the window packed.
func (h *History) packAged() {
	aged := h.count - 1 - h.cfg.HotFrames
	if aged < 0 {
		return
	}
	h.packEntry(h.frames[h.ring[(h.head+aged)%len(h.ring)]])
}

func (h *History) packEntry(e *entry) {
	if e == nil || e.frame.Packed() {
		return
	}
	e.frame.Pack()
	h.resize(e)
	h.metrics.packed.Inc()
}

// enforceBudget packs and then evicts until the byte budget is met.
// Ring frames go first (oldest first, skipping payloads still protected
// by the slowest set), then slowest-set frames if the ring alone is not
// enough.
func (h *History) enforceBudget() {
	if h.cfg.MaxBytes == 0 {
		return
	}
	for h.bytes > h.cfg.MaxBytes && h.count > 1 {
		oldest := h.ring[h.head]
		h.head = (h.head + 1) % len(h.ring)
		h.count--
		h.dropRingRef(oldest)
	}
	for h.bytes > h.cfg.MaxBytes && h.slow.Len() > 1 {
		evicted := heap.Pop(&h.slow).(slowItem)
		h.dropSlowRef(evicted.index)
	}
}

func (h *History) dropRingRef(index uint64) {
	e := h.frames[index]
	if e == nil {
		return
	}
	e.inRing = false
	h.release(e, index)
}

func (h *History) dropSlowRef(index uint64) {
	e := h.frames[index]
	if e == nil {
		return
	}
	e.inSlow = false
	h.release(e, index)
}

// release frees the payload once nothing references it.
func (h *History) release(e *entry, index uint64) {
	if e.inRing || e.inSlow {
		return
	}
	delete(h.frames, index)
	h.bytes -= e.size
	h.metrics.evictions.Inc()
}

func (h *History) resize(e *entry) {
	size := int64(e.frame.SizeBytes())
	h.bytes += size - e.size
	e.size = size
}

// Latest returns up to n most recent frames in chronological order.
func (h *History) Latest(n int) []*model.Frame {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n > h.count {
		n = h.count
	}
	out := make([]*model.Frame, 0, n)
	for i := h.count - n; i < h.count; i++ {
		out = append(out, h.frames[h.ring[(h.head+i)%len(h.ring)]].frame)
	}
	return out
}

// Slowest returns up to k of the slowest frames observed, slowest first.
func (h *History) Slowest(k int) []*model.Frame {
	h.mu.RLock()
	defer h.mu.RUnlock()
	items := h.slow.sortedDescending()
	if k > len(items) {
		k = len(items)
	}
	out := make([]*model.Frame, 0, k)
	for _, it := range items[:k] {
		out = append(out, h.frames[it.index].frame)
	}
	return out
}

// FrameByIndex returns the retained frame with the given index, or nil.
func (h *History) FrameByIndex(index uint64) *model.Frame {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if e, ok := h.frames[index]; ok {
		return e.frame
	}
	return nil
}

// Metas lists the metadata of every retained frame in ascending frame
// order, without touching packed payloads.
func (h *History) Metas() []model.FrameMeta {
	h.mu.RLock()
	defer h.mu.RUnlock()
	metas := make([]model.FrameMeta, 0, len(h.frames))
	seen := make(map[uint64]struct{}, len(h.frames))
	for i := 0; i < h.count; i++ {
		index := h.ring[(h.head+i)%len(h.ring)]
		metas = append(metas, h.frames[index].frame.Meta())
		seen[index] = struct{}{}
	}
	// Slow frames that already left the ring, in ascending order.
	slowItems := h.slow.sortedAscendingIndex()
	for _, it := range slowItems {
		if _, ok := seen[it.index]; ok {
			continue
		}
		metas = append(metas, h.frames[it.index].frame.Meta())
	}
	return sortMetas(metas)
}

// Stats describes the store's current occupancy.
type Stats struct {
	Frames       int
	PackedFrames int
	Bytes        int64
}

func (h *History) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := Stats{Frames: len(h.frames), Bytes: h.bytes}
	for _, e := range h.frames {
		if e.frame.Packed() {
			s.PackedFrames++
		}
	}
	return s
}

// SetCapacity reconfigures the frame-count and byte budgets at
// runtime, evicting immediately if the store is over the new limits.
func (h *History) SetCapacity(maxFrames int, maxBytes int64) error {
	if maxFrames <= 0 {
		return errors.Errorf("history: max-frames must be positive, got %d", maxFrames)
	}
	if maxBytes < 0 {
		return errors.Errorf("history: max-bytes must not be negative, got %d", maxBytes)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for h.count > maxFrames {
		oldest := h.ring[h.head]
		h.head = (h.head + 1) % len(h.ring)
		h.count--
		h.dropRingRef(oldest)
	}
	ring := make([]uint64, maxFrames)
	for i := 0; i < h.count; i++ {
		ring[i] = h.ring[(h.head+i)%len(h.ring)]
	}
	h.ring, h.head = ring, 0
	h.cfg.MaxFrames = maxFrames
	h.cfg.MaxBytes = maxBytes
	h.enforceBudget()
	h.metrics.frames.Set(float64(len(h.frames)))
	h.metrics.bytes.Set(float64(h.bytes))
	return nil
}

// Clear drops everything, including the slowest set.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clearLocked()
	h.metrics.frames.Set(0)
	h.metrics.bytes.Set(0)
}

// ClearSlowest drops only the slowest-frame set.
func (h *History) ClearSlowest() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.slow.Len() > 0 {
		evicted := heap.Pop(&h.slow).(slowItem)
		h.dropSlowRef(evicted.index)
	}
	h.metrics.frames.Set(float64(len(h.frames)))
	h.metrics.bytes.Set(float64(h.bytes))
}

func sortMetas(metas []model.FrameMeta) []model.FrameMeta {
	sort.Slice(metas, func(i, j int) bool { return metas[i].FrameIndex < metas[j].FrameIndex })
	return metas
}

func (h *History) clearLocked() {
	h.frames = make(map[uint64]*entry)
	h.head, h.count = 0, 0
	h.slow.items = nil
	h.bytes = 0
	h.hasLast = false
}
