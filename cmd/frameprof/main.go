// Command frameprof is the tooling shell around the profiler library:
// it can serve an instrumented demo workload, tail a live frame stream,
// and inspect capture files.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"gopkg.in/alecthomas/kingpin.v2"
)

const version = "1.0.0"

var cfg struct {
	verbose bool
	demo    struct {
		listen   string
		fps      int
		duration time.Duration
		capture  string
	}
	tail struct {
		url     string
		slowest bool
	}
	dump struct {
		file    string
		threads bool
	}
}

var logger = log.NewLogfmtLogger(os.Stderr)

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Frame-oriented instrumentation profiler tooling.").UsageWriter(os.Stdout)
	app.Version(version)
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&cfg.verbose)

	demoCmd := app.Command("demo", "Run an instrumented demo workload and serve its frames.")
	demoCmd.Flag("listen", "TCP address to serve frames on.").Default("127.0.0.1:8586").StringVar(&cfg.demo.listen)
	demoCmd.Flag("fps", "Frames per second the demo workload runs at.").Default("60").IntVar(&cfg.demo.fps)
	demoCmd.Flag("duration", "How long to run. 0 runs until interrupted.").Default("0").DurationVar(&cfg.demo.duration)
	demoCmd.Flag("capture", "Write the retained frames to this file on exit.").StringVar(&cfg.demo.capture)

	tailCmd := app.Command("tail", "Connect to a frame server and print per-frame summaries.")
	tailCmd.Flag("url", "Address of the frame server.").Default("127.0.0.1:8586").StringVar(&cfg.tail.url)
	tailCmd.Flag("slowest", "On exit, print the slowest frames seen.").Default("0").BoolVar(&cfg.tail.slowest)

	dumpCmd := app.Command("dump", "Load a capture file and print its frame table and scope statistics.")
	dumpCmd.Arg("file", "Capture file path.").Required().ExistingFileVar(&cfg.dump.file)
	dumpCmd.Flag("threads", "Break scope statistics down per thread.").Default("0").BoolVar(&cfg.dump.threads)

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	switch parsedCmd {
	case demoCmd.FullCommand():
		os.Exit(checkError(runDemo()))
	case tailCmd.FullCommand():
		os.Exit(checkError(runTail()))
	case dumpCmd.FullCommand():
		os.Exit(checkError(runDump()))
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
		os.Exit(1)
	}
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}
