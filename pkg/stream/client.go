package stream

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/frameprof/frameprof/pkg/codec"
	"github.com/frameprof/frameprof/pkg/history"
	"github.com/frameprof/frameprof/pkg/intern"
	"github.com/frameprof/frameprof/pkg/model"
)

// Client consumes a frame stream and maintains a local view: an intern
// table built from name packets and a frame history fed from frame
// packets. Frames stay packed until something reads them.
type Client struct {
	logger log.Logger
	conn   net.Conn
	names  *intern.Table
	view   *history.History

	mu       sync.Mutex
	gaps     int
	last     uint64
	hasLast  bool
	finalErr error

	closed atomic.Bool
	done   chan struct{}
}

// Connect dials a frame server with the default history configuration.
func Connect(addr string, logger log.Logger) (*Client, error) {
	return ConnectWithHistory(addr, history.DefaultConfig(), logger, nil)
}

// ConnectWithHistory dials a frame server and sizes the local view with
// the given history configuration.
func ConnectWithHistory(addr string, cfg history.Config, logger log.Logger, reg prometheus.Registerer) (*Client, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	view, err := history.New(cfg, logger, reg)
	if err != nil {
		return nil, err
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	if err := codec.ReadHandshake(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	c := &Client{
		logger: logger,
		conn:   conn,
		names:  intern.NewTable(),
		view:   view,
		done:   make(chan struct{}),
	}
	go c.run()
	return c, nil
}

func (c *Client) run() {
	defer close(c.done)
	r := bufio.NewReader(c.conn)
	for {
		kind, body, err := codec.ReadPacket(r)
		if err != nil {
			if err != io.EOF && !c.closed.Load() {
				level.Warn(c.logger).Log("msg", "stream ended", "err", err)
				c.setErr(err)
			}
			return
		}
		switch kind {
		case codec.PacketScopeNames:
			entries, err := codec.DecodeEntries(body)
			if err == nil {
				err = c.names.Apply(entries)
			}
			if err != nil {
				c.setErr(err)
				return
			}
		case codec.PacketFrameData:
			f, err := codec.DecodeFrameData(body)
			if err != nil {
				c.setErr(err)
				return
			}
			c.observe(f)
		case codec.PacketDisconnect:
			level.Debug(c.logger).Log("msg", "server disconnected cleanly")
			return
		default:
			c.setErr(errors.Errorf("unknown packet kind %d", kind))
			return
		}
	}
}

// observe tracks index continuity and feeds the frame to the view.
// Indices increase strictly; a hole means frames were dropped for us, a
// step backwards means the server restarted.
func (c *Client) observe(f *model.Frame) {
	index := f.FrameIndex()
	c.mu.Lock()
	switch {
	case !c.hasLast:
	case index <= c.last:
		c.gaps = 0
	case index > c.last+1:
		c.gaps += int(index - c.last - 1)
	}
	c.last = index
	c.hasLast = true
	c.mu.Unlock()

	c.view.Add(f)
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	if c.finalErr == nil {
		c.finalErr = err
	}
	c.mu.Unlock()
}

// Names returns the client's view of the server's intern table.
func (c *Client) Names() *intern.Table { return c.names }

// Latest returns up to n most recent received frames, oldest first.
func (c *Client) Latest(n int) []*model.Frame { return c.view.Latest(n) }

// Slowest returns up to k of the slowest received frames.
func (c *Client) Slowest(k int) []*model.Frame { return c.view.Slowest(k) }

func (c *Client) FrameByIndex(index uint64) *model.Frame { return c.view.FrameByIndex(index) }

// Gaps returns how many frame indices were skipped in the stream so
// far, i.e. frames the server dropped for this client.
func (c *Client) Gaps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gaps
}

// Wait blocks until the stream ends, either by server disconnect or by
// Close, and returns the terminal error if the stream failed.
func (c *Client) Wait() error {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalErr
}

// Close tears the connection down and waits for the reader to finish.
func (c *Client) Close() error {
	c.closed.Store(true)
	err := c.conn.Close()
	<-c.done
	return err
}
