package main

import (
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/frameprof/frameprof/pkg/codec"
	"github.com/frameprof/frameprof/pkg/history"
	"github.com/frameprof/frameprof/pkg/profiler"
	"github.com/frameprof/frameprof/pkg/stream"
)

// runDemo drives a fake game loop (render plus physics threads) with
// instrumented scopes, publishes every frame over TCP, and keeps a
// local history so the run can be captured to a file on exit.
func runDemo() error {
	reg := prometheus.NewRegistry()
	p := profiler.New(logger, reg)
	p.SetScopesOn(true)

	streamCfg := stream.DefaultConfig()
	streamCfg.ListenAddr = cfg.demo.listen
	server, err := stream.NewServer(streamCfg, logger, reg)
	if err != nil {
		return err
	}
	server.InstallSink(p)

	hist, err := history.New(history.DefaultConfig(), logger, reg)
	if err != nil {
		return err
	}
	histSink := p.AddSink(hist.Add)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	var deadline <-chan time.Time
	if cfg.demo.duration > 0 {
		deadline = time.After(cfg.demo.duration)
	}

	render := p.RegisterThread("render")
	physics := p.RegisterThread("physics")
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	ticker := time.NewTicker(time.Second / time.Duration(cfg.demo.fps))
	defer ticker.Stop()

	level.Info(logger).Log("msg", "demo running", "addr", server.Addr(), "fps", cfg.demo.fps)

loop:
	for {
		select {
		case <-stop:
			level.Info(logger).Log("msg", "interrupted")
			break loop
		case <-deadline:
			break loop
		case <-ticker.C:
			demoFrame(render, physics, rng)
			p.NewFrame()
		}
	}

	p.RemoveSink(histSink)
	render.Close()
	physics.Close()

	var errs *multierror.Error
	errs = multierror.Append(errs, server.Close())
	if cfg.demo.capture != "" {
		errs = multierror.Append(errs, writeCapture(p, hist))
	}
	return errs.ErrorOrNil()
}

func demoFrame(render, physics *profiler.Thread, rng *rand.Rand) {
	func() {
		defer render.Span("render")()
		func() {
			defer render.SpanTag("draw", "scene")()
			busy(rng, 400*time.Microsecond)
		}()
		func() {
			defer render.SpanTag("draw", "ui")()
			busy(rng, 100*time.Microsecond)
		}()
	}()
	func() {
		defer physics.Span("step")()
		func() {
			defer physics.Span("solve")()
			busy(rng, 300*time.Microsecond)
		}()
		// The occasional spike gives the slowest-frames view something
		// to hold on to.
		if rng.Intn(120) == 0 {
			func() {
				defer physics.SpanTag("solve", "stall")()
				busy(rng, 8*time.Millisecond)
			}()
		}
	}()
}

func busy(rng *rand.Rand, around time.Duration) {
	time.Sleep(around/2 + time.Duration(rng.Int63n(int64(around))))
}

func writeCapture(p *profiler.Profiler, hist *history.History) error {
	frames := hist.Latest(hist.Stats().Frames)
	f, err := os.Create(cfg.demo.capture)
	if err != nil {
		return errors.Wrap(err, "create capture file")
	}
	if err := codec.WriteFile(f, frames, p.Names().Snapshot()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close capture file")
	}
	level.Info(logger).Log("msg", "capture written", "path", cfg.demo.capture, "frames", len(frames))
	return nil
}
