package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"

	"github.com/frameprof/frameprof/pkg/model"
	"github.com/frameprof/frameprof/pkg/stream"
)

// runTail follows a live frame stream and prints one summary line per
// received frame.
func runTail() error {
	client, err := stream.Connect(cfg.tail.url, logger)
	if err != nil {
		return err
	}
	defer client.Close()
	level.Info(logger).Log("msg", "connected", "url", cfg.tail.url)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	streamDone := make(chan error, 1)
	go func() { streamDone <- client.Wait() }()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	var printed uint64
	havePrinted := false
loop:
	for {
		select {
		case <-stop:
			break loop
		case err := <-streamDone:
			if err != nil {
				return err
			}
			level.Info(logger).Log("msg", "server closed the stream")
			break loop
		case <-ticker.C:
			for _, f := range client.Latest(16) {
				if havePrinted && f.FrameIndex() <= printed {
					continue
				}
				printFrame(f)
				printed = f.FrameIndex()
				havePrinted = true
			}
		}
	}

	if gaps := client.Gaps(); gaps > 0 {
		level.Warn(logger).Log("msg", "frames were dropped for this client", "count", gaps)
	}
	if cfg.tail.slowest {
		fmt.Println("slowest frames:")
		for _, f := range client.Slowest(10) {
			printFrame(f)
		}
	}
	return nil
}

func printFrame(f *model.Frame) {
	meta := f.Meta()
	fmt.Printf("frame %6d  %10s  %4d scopes  %8s\n",
		meta.FrameIndex,
		time.Duration(meta.DurationNs()),
		meta.NumScopes,
		humanize.Bytes(uint64(f.SizeBytes())),
	)
}
