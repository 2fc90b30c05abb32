package stream

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frameprof/frameprof/pkg/history"
	"github.com/frameprof/frameprof/pkg/model"
	"github.com/frameprof/frameprof/pkg/profiler"
)

func queueFrame(index uint64) *model.Frame {
	return model.NewFrame(index, map[uint64]*model.ThreadStream{
		1: {ThreadID: 1, ThreadName: "main", Scopes: []model.Scope{
			{NameID: 1, StartNs: 10 * index, DurationNs: 5},
		}},
	}, nil)
}

func TestFrameQueue_DropOldest(t *testing.T) {
	q := newFrameQueue(2)

	for i := uint64(0); i < 5; i++ {
		dropped := q.push(queueFrame(i))
		assert.Equal(t, i >= 2, dropped, "push %d", i)
	}
	assert.Equal(t, uint64(3), q.droppedFrames())
	assert.Equal(t, 2, q.len())

	// The survivors are the newest frames, still in order.
	f, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, uint64(3), f.FrameIndex())
	f, ok = q.pop()
	require.True(t, ok)
	assert.Equal(t, uint64(4), f.FrameIndex())
}

func TestFrameQueue_DrainAfterClose(t *testing.T) {
	q := newFrameQueue(4)
	q.push(queueFrame(0))
	q.push(queueFrame(1))
	q.close()

	// Queued frames survive the close; new pushes do not.
	assert.False(t, q.push(queueFrame(2)))

	f, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, uint64(0), f.FrameIndex())
	f, ok = q.pop()
	require.True(t, ok)
	assert.Equal(t, uint64(1), f.FrameIndex())

	_, ok = q.pop()
	assert.False(t, ok)
}

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.DrainTimeout = time.Second
	s, err := NewServer(cfg, nil, prometheus.NewRegistry())
	require.NoError(t, err)
	return s
}

func TestStream_EndToEnd(t *testing.T) {
	p := profiler.New(nil, prometheus.NewRegistry())
	p.SetScopesOn(true)

	s := testServer(t)
	s.InstallSink(p)

	c, err := Connect(s.Addr().String(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, s.NumClients())

	tp := p.RegisterThread("main")
	tp.EndScope(tp.BeginScope("draw"))
	p.NewFrame()
	tp.EndScope(tp.BeginScope("draw"))
	tp.EndScope(tp.BeginScope("physics"))
	p.NewFrame()

	require.Eventually(t, func() bool {
		return len(c.Latest(10)) == 2
	}, 5*time.Second, 10*time.Millisecond)

	frames := c.Latest(10)
	assert.Equal(t, uint64(0), frames[0].FrameIndex())
	assert.Equal(t, uint64(1), frames[1].FrameIndex())
	assert.Equal(t, 1, frames[0].NumScopes())
	assert.Equal(t, 2, frames[1].NumScopes())
	assert.Equal(t, 0, c.Gaps())

	// Name deltas resolved into the client's table, same ids as the
	// recording side.
	streams, err := frames[1].Threads()
	require.NoError(t, err)
	scopes := streams[tp.ID()].Scopes
	assert.Equal(t, "draw", c.Names().MustLookup(scopes[0].NameID))
	assert.Equal(t, "physics", c.Names().MustLookup(scopes[1].NameID))

	// Orderly shutdown: queues drain, the client sees a clean end.
	require.NoError(t, s.Close())
	require.NoError(t, c.Wait())
	require.NoError(t, c.Close())
}

func TestStream_LateClientGetsSnapshot(t *testing.T) {
	p := profiler.New(nil, prometheus.NewRegistry())
	p.SetScopesOn(true)
	tp := p.RegisterThread("main")
	tp.EndScope(tp.BeginScope("warmup"))
	p.NewFrame() // nobody is listening yet

	s := testServer(t)
	s.InstallSink(p)
	defer func() { require.NoError(t, s.Close()) }()

	c, err := Connect(s.Addr().String(), nil)
	require.NoError(t, err)
	defer c.Close()

	tp.EndScope(tp.BeginScope("warmup"))
	p.NewFrame()

	require.Eventually(t, func() bool {
		return len(c.Latest(10)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// "warmup" was interned before the client connected; it arrives via
	// the connect-time snapshot, not a delta.
	name := p.Names().Intern("warmup")
	assert.Equal(t, "warmup", c.Names().MustLookup(name))
}

func TestStream_GapCounting(t *testing.T) {
	s := testServer(t)
	defer func() { require.NoError(t, s.Close()) }()

	cfg := history.DefaultConfig()
	c, err := ConnectWithHistory(s.Addr().String(), cfg, nil, prometheus.NewRegistry())
	require.NoError(t, err)
	defer c.Close()

	require.Eventually(t, func() bool {
		return s.NumClients() == 1
	}, 5*time.Second, 10*time.Millisecond)

	s.Publish(queueFrame(0))
	s.Publish(queueFrame(1))
	s.Publish(queueFrame(4)) // 2 and 3 were dropped upstream

	require.Eventually(t, func() bool {
		return len(c.Latest(10)) == 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, c.Gaps())
	assert.NotNil(t, c.FrameByIndex(4))
	assert.Nil(t, c.FrameByIndex(2))
}
