package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/frameprof/frameprof/pkg/codec"
	"github.com/frameprof/frameprof/pkg/intern"
	"github.com/frameprof/frameprof/pkg/model"
)

// runDump prints a capture file: the frame table, then scope statistics
// merged across every frame.
func runDump() error {
	f, err := os.Open(cfg.dump.file)
	if err != nil {
		return errors.Wrap(err, "open capture file")
	}
	defer f.Close()

	frames, names, err := codec.ReadFile(f)
	if err != nil {
		return err
	}

	fmt.Printf("%s: %d frames, %d scope names\n\n", cfg.dump.file, len(frames), names.Len())
	fmt.Println("frame      duration      scopes     bytes")
	for _, fr := range frames {
		meta := fr.Meta()
		fmt.Printf("%5d  %12s  %10d  %8s\n",
			meta.FrameIndex,
			time.Duration(meta.DurationNs()),
			meta.NumScopes,
			humanize.Bytes(uint64(meta.NumBytes)),
		)
	}

	if cfg.dump.threads {
		return dumpPerThread(frames, names)
	}
	return dumpScopeStats(frames, names)
}

// scopeRow is one aggregated line of the statistics table.
type scopeRow struct {
	name    string
	totalNs uint64
	maxNs   uint64
	calls   int
}

func dumpScopeStats(frames []*model.Frame, names *intern.Table) error {
	agg := make(map[uint32]*scopeRow)
	for _, f := range frames {
		merged, err := model.MergeFrame(f)
		if err != nil {
			return err
		}
		for _, roots := range merged {
			accumulate(agg, roots, names)
		}
	}
	printRows(lo.Values(agg))
	return nil
}

func dumpPerThread(frames []*model.Frame, names *intern.Table) error {
	perThread := make(map[uint64]map[uint32]*scopeRow)
	threadNames := make(map[uint64]string)
	for _, f := range frames {
		streams, err := f.Threads()
		if err != nil {
			return err
		}
		for id, ts := range streams {
			if perThread[id] == nil {
				perThread[id] = make(map[uint32]*scopeRow)
				threadNames[id] = ts.ThreadName
			}
			accumulate(perThread[id], model.MergeScopes(ts.Scopes), names)
		}
	}

	ids := lo.Keys(perThread)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		fmt.Printf("\nthread %q:\n", threadNames[id])
		printRows(lo.Values(perThread[id]))
	}
	return nil
}

// accumulate folds a merged tree into flat per-name rows.
func accumulate(agg map[uint32]*scopeRow, nodes []*model.MergedNode, names *intern.Table) {
	for _, n := range nodes {
		row := agg[n.NameID]
		if row == nil {
			row = &scopeRow{name: names.MustLookup(n.NameID)}
			agg[n.NameID] = row
		}
		row.totalNs += n.TotalDurationNs
		row.calls += n.CallCount
		if n.MaxDurationNs > row.maxNs {
			row.maxNs = n.MaxDurationNs
		}
		accumulate(agg, n.Children, names)
	}
}

func printRows(rows []*scopeRow) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].totalNs > rows[j].totalNs })

	fmt.Println("\nscope                         total          max      calls")
	for _, r := range rows {
		fmt.Printf("%-24s %12s %12s %10d\n",
			r.name,
			time.Duration(r.totalNs),
			time.Duration(r.maxNs),
			r.calls,
		)
	}
}
