// Package stream publishes completed frames over TCP and consumes them
// on the other end. The server fans every frame out to all connected
// clients through bounded per-client queues so a stalled client can
// never block the recording process; the client rebuilds a local frame
// history from the wire.
package stream

import (
	"flag"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/frameprof/frameprof/pkg/codec"
	"github.com/frameprof/frameprof/pkg/intern"
	"github.com/frameprof/frameprof/pkg/model"
	"github.com/frameprof/frameprof/pkg/profiler"
)

// DefaultPort is the conventional serving port.
const DefaultPort = 8586

type Config struct {
	// ListenAddr is the TCP address the server binds.
	ListenAddr string
	// QueueSize is the per-client send buffer, in frames. When a client
	// falls this many frames behind, its oldest queued frame is dropped.
	QueueSize int
	// DrainTimeout bounds how long Close waits for client queues to
	// flush before tearing connections down.
	DrainTimeout time.Duration
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.ListenAddr, "stream.listen-addr", "127.0.0.1:8586", "TCP address to serve frames on.")
	f.IntVar(&cfg.QueueSize, "stream.queue-size", 30, "Frames buffered per client before the oldest is dropped.")
	f.DurationVar(&cfg.DrainTimeout, "stream.drain-timeout", 5*time.Second, "How long Close waits for client queues to flush.")
}

func (cfg *Config) Validate() error {
	if cfg.ListenAddr == "" {
		return errors.New("stream: listen-addr must not be empty")
	}
	if cfg.QueueSize <= 0 {
		return errors.Errorf("stream: queue-size must be positive, got %d", cfg.QueueSize)
	}
	if cfg.DrainTimeout < 0 {
		return errors.Errorf("stream: drain-timeout must not be negative, got %s", cfg.DrainTimeout)
	}
	return nil
}

func DefaultConfig() Config {
	var cfg Config
	cfg.RegisterFlags(flag.NewFlagSet("", flag.PanicOnError))
	return cfg
}

// Server accepts viewer connections and fans published frames out to
// them. Frames are packed once on first publish and the same compressed
// payload is written to every client.
type Server struct {
	cfg     Config
	logger  log.Logger
	metrics *serverMetrics
	ln      net.Listener

	mu       sync.Mutex
	clients  map[*serverClient]struct{}
	source   *profiler.Profiler
	sinkID   profiler.SinkID
	closed   bool
	acceptWG sync.WaitGroup
	clientWG sync.WaitGroup
}

// serverClient is one accepted connection and its send queue.
type serverClient struct {
	conn   net.Conn
	queue  *frameQueue
	warned bool
}

// NewServer binds the listen address and starts accepting. A bind
// failure is reported immediately rather than on first publish.
func NewServer(cfg Config, logger log.Logger, reg prometheus.Registerer) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "bind %s", cfg.ListenAddr)
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: newServerMetrics(reg),
		ln:      ln,
		clients: make(map[*serverClient]struct{}),
	}
	s.acceptWG.Add(1)
	go s.acceptLoop()
	level.Info(logger).Log("msg", "serving frames", "addr", ln.Addr())
	return s, nil
}

// Addr returns the bound address, useful with a ":0" listen address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// InstallSink attaches the server to a profiler so every completed
// frame is published automatically. Close detaches it again.
func (s *Server) InstallSink(p *profiler.Profiler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source != nil {
		s.source.RemoveSink(s.sinkID)
	}
	s.source = p
	s.sinkID = p.AddSink(s.Publish)
}

// Publish fans one frame out to every connected client. It never
// blocks: slow clients lose their oldest queued frame instead.
func (s *Server) Publish(f *model.Frame) {
	// Pack once so the per-client writers share the compressed payload.
	f.Pack()

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if c.queue.push(f) {
			s.metrics.droppedFrames.Inc()
			if !c.warned {
				c.warned = true
				level.Warn(s.logger).Log("msg", "client not keeping up, dropping its oldest frames", "client", c.conn.RemoteAddr())
			}
		}
	}
}

// NumClients returns the number of connected clients.
func (s *Server) NumClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) acceptLoop() {
	defer s.acceptWG.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			// Listener closed during shutdown.
			return
		}
		if !s.addClient(conn) {
			_ = conn.Close()
			return
		}
	}
}

func (s *Server) addClient(conn net.Conn) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	c := &serverClient{conn: conn, queue: newFrameQueue(s.cfg.QueueSize)}
	s.clients[c] = struct{}{}
	var snapshot []intern.Entry
	if s.source != nil {
		snapshot = s.source.Names().Snapshot()
	}
	s.clientWG.Add(1)
	s.mu.Unlock()

	s.metrics.connects.Inc()
	s.metrics.clients.Inc()
	level.Info(s.logger).Log("msg", "client connected", "client", conn.RemoteAddr())
	go s.serveClient(c, snapshot)
	return true
}

// serveClient owns the connection: handshake, full name snapshot, then
// queued frames (each preceded by its name delta) until the queue is
// closed and drained, finished with a Disconnect packet.
func (s *Server) serveClient(c *serverClient, snapshot []intern.Entry) {
	defer s.clientWG.Done()
	defer s.removeClient(c)

	if err := codec.WriteHandshake(c.conn); err != nil {
		s.dropClient(c, err)
		return
	}
	if err := codec.WritePacket(c.conn, codec.PacketScopeNames, codec.EncodeEntries(snapshot)); err != nil {
		s.dropClient(c, err)
		return
	}

	for {
		f, ok := c.queue.pop()
		if !ok {
			// Drained after close: say goodbye properly.
			_ = codec.WritePacket(c.conn, codec.PacketDisconnect, nil)
			_ = c.conn.Close()
			return
		}
		if len(f.NameDelta) > 0 {
			if err := codec.WritePacket(c.conn, codec.PacketScopeNames, codec.EncodeEntries(f.NameDelta)); err != nil {
				s.dropClient(c, err)
				return
			}
		}
		if err := codec.WritePacket(c.conn, codec.PacketFrameData, codec.EncodeFrameData(f)); err != nil {
			s.dropClient(c, err)
			return
		}
		s.metrics.sentFrames.Inc()
	}
}

func (s *Server) dropClient(c *serverClient, err error) {
	level.Debug(s.logger).Log("msg", "client write failed", "client", c.conn.RemoteAddr(), "err", err)
	c.queue.close()
	_ = c.conn.Close()
}

func (s *Server) removeClient(c *serverClient) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		s.metrics.clients.Dec()
	}
	s.mu.Unlock()
}

// Close detaches from the profiler, stops accepting, and gives client
// queues DrainTimeout to flush before tearing down what remains.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.source != nil {
		s.source.RemoveSink(s.sinkID)
		s.source = nil
	}
	remaining := make([]*serverClient, 0, len(s.clients))
	for c := range s.clients {
		c.queue.close()
		remaining = append(remaining, c)
	}
	s.mu.Unlock()

	var errs *multierror.Error
	errs = multierror.Append(errs, errors.Wrap(s.ln.Close(), "close listener"))
	s.acceptWG.Wait()

	drained := make(chan struct{})
	go func() {
		s.clientWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(s.cfg.DrainTimeout):
		level.Warn(s.logger).Log("msg", "drain timeout, closing remaining clients")
		for _, c := range remaining {
			_ = c.conn.Close()
		}
		<-drained
	}
	return errs.ErrorOrNil()
}
