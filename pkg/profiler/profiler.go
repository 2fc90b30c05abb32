// Package profiler implements the recording engine: per-thread scope
// recorders and the process-wide coordinator that assembles their
// streams into frames.
//
// Recording is opt-in: until SetScopesOn(true) is called, BeginScope and
// EndScope cost one atomic load and a branch. The only cross-thread
// synchronization point is NewFrame, which briefly locks the thread
// registry to swap out the collected streams.
package profiler

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/frameprof/frameprof/pkg/intern"
	"github.com/frameprof/frameprof/pkg/model"
)

// Sink receives every completed frame. Sinks must not block: a slow sink
// stalls frame publication for everyone downstream.
type Sink func(*model.Frame)

// SinkID identifies a registered sink for later removal.
type SinkID uint64

// Profiler collects scope streams from registered threads and bundles
// them into frames. The zero value is not usable; call New. A process
// normally uses the shared Default() instance, but tests construct
// private ones.
type Profiler struct {
	logger  log.Logger
	metrics *metrics
	names   *intern.Table
	enabled atomic.Bool
	now     func() uint64

	mu           sync.Mutex
	threads      map[uint64]*Thread
	current      map[uint64]*model.ThreadStream
	frameIndex   uint64
	nextThreadID uint64
	nextSinkID   SinkID
	sinks        map[SinkID]Sink
	// lastNameID is the highest intern id already shipped in a frame's
	// name delta.
	lastNameID   uint32
	emitSnapshot bool
}

func New(logger log.Logger, reg prometheus.Registerer) *Profiler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Profiler{
		logger:       logger,
		metrics:      newMetrics(reg),
		names:        intern.NewTable(),
		now:          nowNs,
		threads:      make(map[uint64]*Thread),
		current:      make(map[uint64]*model.ThreadStream),
		nextThreadID: 1,
		nextSinkID:   1,
		sinks:        make(map[SinkID]Sink),
	}
}

// SetScopesOn turns recording on or off. Toggling takes effect for
// scopes entered afterwards; scopes already begun are still closed and
// recorded so no unmatched markers are produced.
func (p *Profiler) SetScopesOn(on bool) { p.enabled.Store(on) }

// ScopesOn reports whether recording is enabled.
func (p *Profiler) ScopesOn() bool { return p.enabled.Load() }

// Names exposes the profiler's scope-name intern table.
func (p *Profiler) Names() *intern.Table { return p.names }

// RegisterThread creates the scope recorder for one worker. Each worker
// owns exactly one Thread and must not share it; call Thread.Close when
// the worker exits.
func (p *Profiler) RegisterThread(name string) *Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := &Thread{
		p:    p,
		id:   p.nextThreadID,
		name: name,
	}
	p.nextThreadID++
	p.threads[t.id] = t
	p.metrics.activeThreads.Inc()
	return t
}

// NewFrame closes the current frame interval: it takes every stream
// reported since the previous call, stamps the next frame index and the
// observed time range, and hands the completed frame to every sink.
// A frame with zero scopes is still produced; sinks may drop it.
//
// NewFrame is intended to be called from a single coordinating
// goroutine (e.g. once per simulation tick).
func (p *Profiler) NewFrame() *model.Frame {
	p.mu.Lock()
	index := p.frameIndex
	p.frameIndex++
	streams := p.current
	p.current = make(map[uint64]*model.ThreadStream, len(streams))

	snapshot := p.emitSnapshot
	p.emitSnapshot = false
	since := p.lastNameID
	p.lastNameID = p.names.NextID() - 1

	sinks := make([]Sink, 0, len(p.sinks))
	for _, s := range p.sinks {
		sinks = append(sinks, s)
	}
	p.mu.Unlock()

	var delta []intern.Entry
	if snapshot {
		delta = p.names.Snapshot()
	} else {
		delta = p.names.Since(since)
	}

	frame := model.NewFrame(index, streams, delta)
	p.metrics.framesTotal.Inc()
	for _, sink := range sinks {
		sink(frame)
	}
	return frame
}

// AddSink registers a callback invoked with every completed frame.
func (p *Profiler) AddSink(sink Sink) SinkID {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSinkID
	p.nextSinkID++
	p.sinks[id] = sink
	return id
}

// RemoveSink removes a previously added sink.
func (p *Profiler) RemoveSink(id SinkID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sinks, id)
}

// EmitNameSnapshot makes the next frame carry the full intern table
// instead of a delta, so sinks attached after recording started can
// resolve every name.
func (p *Profiler) EmitNameSnapshot() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emitSnapshot = true
}

// report moves a thread's completed scopes into the frame under
// construction. Called by threads when their open-scope stack empties,
// so the critical section stays short and allocation free on the
// common path.
func (p *Profiler) report(id uint64, name string, scopes []model.Scope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ts, ok := p.current[id]
	if !ok {
		p.current[id] = &model.ThreadStream{ThreadID: id, ThreadName: name, Scopes: scopes}
		return
	}
	ts.Scopes = append(ts.Scopes, scopes...)
}

func (p *Profiler) deregister(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.threads[id]; ok {
		delete(p.threads, id)
		p.metrics.activeThreads.Dec()
	}
}

// nowNs returns monotonically increasing nanoseconds anchored to the
// wall clock at process start, so timestamps are comparable across
// threads and meaningful to remote viewers.
var (
	clockBase   = time.Now()
	clockBaseNs = uint64(clockBase.UnixNano())
)

func nowNs() uint64 {
	return clockBaseNs + uint64(time.Since(clockBase))
}

var (
	defaultMu       sync.Mutex
	defaultProfiler *Profiler
)

// Default returns the shared process-wide profiler, creating it on
// first use. Libraries should accept a *Profiler instead of reaching
// for the singleton; tests should construct private instances with New.
func Default() *Profiler {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultProfiler == nil {
		defaultProfiler = New(log.NewNopLogger(), nil)
	}
	return defaultProfiler
}

// SetScopesOn toggles recording on the shared Default() profiler.
func SetScopesOn(on bool) { Default().SetScopesOn(on) }

// ScopesOn reports whether the shared Default() profiler is recording.
func ScopesOn() bool { return Default().ScopesOn() }

// RegisterThread registers a worker with the shared Default() profiler.
func RegisterThread(name string) *Thread { return Default().RegisterThread(name) }

// NewFrame closes the current frame on the shared Default() profiler.
func NewFrame() *model.Frame { return Default().NewFrame() }
