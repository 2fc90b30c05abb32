package profiler

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frameprof/frameprof/pkg/model"
)

// newTestProfiler returns an enabled profiler with a deterministic
// clock that advances 10ns per reading.
func newTestProfiler(t *testing.T) *Profiler {
	t.Helper()
	p := New(nil, prometheus.NewRegistry())
	var now uint64
	p.now = func() uint64 {
		now += 10
		return now
	}
	p.SetScopesOn(true)
	return p
}

func TestThread_Record(t *testing.T) {
	p := newTestProfiler(t)
	tp := p.RegisterThread("main")

	a := tp.BeginScope("a") // t=10
	b := tp.BeginScope("b") // t=20
	tp.EndScope(b)          // t=30
	c := tp.BeginScopeTag("b", "mesh.obj") // t=40
	tp.EndScope(c) // t=50
	tp.EndScope(a) // t=60

	frame := p.NewFrame()
	require.Equal(t, 3, frame.NumScopes())

	streams, err := frame.Threads()
	require.NoError(t, err)
	require.Len(t, streams, 1)

	ts := streams[tp.ID()]
	require.NotNil(t, ts)
	assert.Equal(t, "main", ts.ThreadName)

	nameA := p.Names().Intern("a")
	nameB := p.Names().Intern("b")
	tag := p.Names().Intern("mesh.obj")
	assert.Equal(t, []model.Scope{
		{NameID: nameA, StartNs: 10, DurationNs: 50, Depth: 0},
		{NameID: nameB, StartNs: 20, DurationNs: 10, Depth: 1},
		{NameID: nameB, TagID: tag, StartNs: 40, DurationNs: 10, Depth: 1},
	}, ts.Scopes)

	meta := frame.Meta()
	assert.Equal(t, uint64(10), meta.RangeStartNs)
	assert.Equal(t, uint64(60), meta.RangeEndNs)
}

func TestThread_DisabledIsFree(t *testing.T) {
	p := New(nil, prometheus.NewRegistry())
	tp := p.RegisterThread("main")

	id := tp.BeginScope("a")
	assert.Equal(t, NoScope, id)
	tp.EndScope(id)

	frame := p.NewFrame()
	assert.Equal(t, 0, frame.NumScopes())
	assert.Equal(t, 0, p.Names().Len())
}

func TestThread_DisableMidScope(t *testing.T) {
	p := newTestProfiler(t)
	tp := p.RegisterThread("main")

	// A scope begun while enabled is still recorded after disabling, so
	// no unmatched markers are produced.
	id := tp.BeginScope("a")
	p.SetScopesOn(false)
	assert.Equal(t, NoScope, tp.BeginScope("b"))
	tp.EndScope(id)

	frame := p.NewFrame()
	assert.Equal(t, 1, frame.NumScopes())
}

func TestThread_UnmatchedEnd(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := New(nil, reg)
	var now uint64
	p.now = func() uint64 { now += 10; return now }
	p.SetScopesOn(true)
	tp := p.RegisterThread("main")

	tp.EndScope(5)
	assert.Equal(t, float64(1), testutil.ToFloat64(p.metrics.recordingErrors))

	// Out-of-order end is ignored, recording continues undisturbed.
	a := tp.BeginScope("a")
	b := tp.BeginScope("b")
	tp.EndScope(a)
	assert.Equal(t, float64(2), testutil.ToFloat64(p.metrics.recordingErrors))
	tp.EndScope(b)
	tp.EndScope(a)

	frame := p.NewFrame()
	assert.Equal(t, 2, frame.NumScopes())
}

func TestProfiler_FrameIndexes(t *testing.T) {
	p := newTestProfiler(t)

	// Frames with zero scopes are still produced, and indices increase.
	for i := uint64(0); i < 3; i++ {
		frame := p.NewFrame()
		assert.Equal(t, i, frame.FrameIndex())
		assert.Equal(t, 0, frame.NumScopes())
	}
}

func TestProfiler_Sinks(t *testing.T) {
	p := newTestProfiler(t)

	var got []uint64
	id := p.AddSink(func(f *model.Frame) {
		got = append(got, f.FrameIndex())
	})
	p.NewFrame()
	p.NewFrame()
	p.RemoveSink(id)
	p.NewFrame()

	assert.Equal(t, []uint64{0, 1}, got)
}

func TestProfiler_NameDeltas(t *testing.T) {
	p := newTestProfiler(t)
	tp := p.RegisterThread("main")

	tp.EndScope(tp.BeginScope("a"))
	f0 := p.NewFrame()
	require.Len(t, f0.NameDelta, 1)
	assert.Equal(t, "a", f0.NameDelta[0].Name)

	// Only names first seen since the previous frame are carried.
	tp.EndScope(tp.BeginScope("a"))
	tp.EndScope(tp.BeginScope("b"))
	f1 := p.NewFrame()
	require.Len(t, f1.NameDelta, 1)
	assert.Equal(t, "b", f1.NameDelta[0].Name)

	// A requested snapshot resends the whole table once.
	p.EmitNameSnapshot()
	f2 := p.NewFrame()
	assert.Len(t, f2.NameDelta, 2)
	f3 := p.NewFrame()
	assert.Len(t, f3.NameDelta, 0)
}

func TestThread_Span(t *testing.T) {
	p := newTestProfiler(t)
	tp := p.RegisterThread("main")

	func() {
		defer tp.Span("outer")()
		defer tp.SpanTag("inner", "asset")()
	}()

	frame := p.NewFrame()
	assert.Equal(t, 2, frame.NumScopes())
}

func TestThread_Close(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := New(nil, reg)
	p.SetScopesOn(true)
	var now uint64
	p.now = func() uint64 { now += 10; return now }

	tp := p.RegisterThread("worker")
	tp.BeginScope("left-open")
	tp.Close()
	assert.Equal(t, float64(1), testutil.ToFloat64(p.metrics.recordingErrors))

	// Closed threads record nothing, and Close is idempotent.
	assert.Equal(t, NoScope, tp.BeginScope("a"))
	tp.Close()

	frame := p.NewFrame()
	assert.Equal(t, 0, frame.NumScopes())
}

func TestProfiler_MultiThread(t *testing.T) {
	p := newTestProfiler(t)

	t1 := p.RegisterThread("render")
	t2 := p.RegisterThread("physics")
	require.NotEqual(t, t1.ID(), t2.ID())

	t1.EndScope(t1.BeginScope("draw"))
	t2.EndScope(t2.BeginScope("step"))

	frame := p.NewFrame()
	streams, err := frame.Threads()
	require.NoError(t, err)
	require.Len(t, streams, 2)
	assert.Equal(t, "render", streams[t1.ID()].ThreadName)
	assert.Equal(t, "physics", streams[t2.ID()].ThreadName)
}

func TestDefault(t *testing.T) {
	assert.Same(t, Default(), Default())
}
