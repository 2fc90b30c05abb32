// Package model holds the profiling data model: scopes, per-thread
// streams, frames, and the deterministic scope merger.
package model

import (
	"sort"
	"sync"

	"github.com/frameprof/frameprof/pkg/intern"
)

// Scope is one named, timed interval of code execution. Immutable once
// recorded. Names and tags are ids into the process-wide intern table;
// TagID is intern.None for untagged scopes.
type Scope struct {
	NameID     uint32
	TagID      uint32
	StartNs    uint64
	DurationNs uint64
	// Depth is the nesting depth at begin time, derived from begin/end
	// ordering. Top-level scopes have depth 0.
	Depth uint16
}

func (s Scope) EndNs() uint64 { return s.StartNs + s.DurationNs }

// ThreadStream is the ordered scope buffer of one thread for one frame.
// Scopes appear in begin order, which the merger relies on to rebuild
// the call tree from depths.
type ThreadStream struct {
	ThreadID   uint64
	ThreadName string
	Scopes     []Scope
}

// FrameMeta is the lightweight description of a frame that survives even
// when the payload is packed, so listings never force a decompression.
type FrameMeta struct {
	FrameIndex   uint64
	RangeStartNs uint64
	RangeEndNs   uint64
	NumScopes    int
	// NumBytes is the encoded (uncompressed) payload size.
	NumBytes int
}

func (m FrameMeta) DurationNs() uint64 {
	if m.RangeEndNs < m.RangeStartNs {
		return 0
	}
	return m.RangeEndNs - m.RangeStartNs
}

// Frame is the set of all scopes recorded across all threads between two
// NewFrame calls. The payload is held in exactly one of two forms: raw
// (directly usable) or packed (zstd-compressed blob). Transcoding between
// the two is lazy; metadata is always available.
type Frame struct {
	meta FrameMeta

	// NameDelta carries the intern-table entries first seen during this
	// frame, so sinks and stream consumers can resolve ids without access
	// to the recording process.
	NameDelta []intern.Entry

	mu     sync.Mutex
	raw    map[uint64]*ThreadStream // nil when packed
	packed []byte                   // nil when raw
}

// NewFrame assembles an immutable frame from the streams collected for
// one frame interval. Streams are taken over by the frame; callers must
// not retain them. An empty streams map yields a valid empty frame.
func NewFrame(index uint64, streams map[uint64]*ThreadStream, nameDelta []intern.Entry) *Frame {
	meta := FrameMeta{FrameIndex: index}
	first := true
	for _, ts := range streams {
		for _, s := range ts.Scopes {
			if first || s.StartNs < meta.RangeStartNs {
				meta.RangeStartNs = s.StartNs
			}
			if first || s.EndNs() > meta.RangeEndNs {
				meta.RangeEndNs = s.EndNs()
			}
			first = false
		}
		meta.NumScopes += len(ts.Scopes)
	}
	meta.NumBytes = encodedSize(streams)
	return &Frame{meta: meta, NameDelta: nameDelta, raw: streams}
}

// FromPacked rebuilds a frame around an already compressed payload, as
// received from the wire or read from a file. The payload stays packed
// until first read.
func FromPacked(meta FrameMeta, nameDelta []intern.Entry, packed []byte) *Frame {
	return &Frame{meta: meta, NameDelta: nameDelta, packed: packed}
}

func (f *Frame) Meta() FrameMeta    { return f.meta }
func (f *Frame) FrameIndex() uint64 { return f.meta.FrameIndex }
func (f *Frame) DurationNs() uint64 { return f.meta.DurationNs() }
func (f *Frame) NumScopes() int     { return f.meta.NumScopes }

// Packed reports whether the payload is currently held in compressed form.
func (f *Frame) Packed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.raw == nil
}

// SizeBytes is the resident payload size: the compressed size when
// packed, the encoded size otherwise. Used for history byte budgets.
func (f *Frame) SizeBytes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.raw == nil {
		return len(f.packed)
	}
	return f.meta.NumBytes
}

// Threads returns the per-thread streams. A packed payload is decoded
// for this access only; the store keeps the compressed form. Callers
// must treat the result as read-only.
func (f *Frame) Threads() (map[uint64]*ThreadStream, error) {
	f.mu.Lock()
	if f.raw != nil {
		streams := f.raw
		f.mu.Unlock()
		return streams, nil
	}
	packed := f.packed
	f.mu.Unlock()
	return decodeStreams(packed)
}

// Thread returns one thread's stream, or nil if the thread recorded
// nothing this frame.
func (f *Frame) Thread(threadID uint64) (*ThreadStream, error) {
	streams, err := f.Threads()
	if err != nil {
		return nil, err
	}
	return streams[threadID], nil
}

// ThreadIDs returns the recorded thread ids in ascending order.
func (f *Frame) ThreadIDs() ([]uint64, error) {
	streams, err := f.Threads()
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(streams))
	for id := range streams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Pack transcodes the payload to its compressed form and drops the raw
// form. Idempotent.
func (f *Frame) Pack() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.raw == nil {
		return
	}
	f.packed = encodeStreams(f.raw)
	f.raw = nil
}

// PackedPayload returns the compressed payload, packing first if needed.
func (f *Frame) PackedPayload() []byte {
	f.Pack()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.packed
}
