package profiler

import (
	"github.com/go-kit/log/level"

	"github.com/frameprof/frameprof/pkg/intern"
	"github.com/frameprof/frameprof/pkg/model"
)

// ScopeID is the token returned by BeginScope and consumed by EndScope.
// Scopes must be ended in LIFO order on the thread that began them.
type ScopeID int32

// NoScope is returned by BeginScope while recording is disabled;
// EndScope(NoScope) is a no-op.
const NoScope ScopeID = -1

// initialScopeCap is the buffer capacity a thread starts each flush
// with. Growth beyond it is geometric (append), and oversized buffers
// are released at flush time to bound steady-state memory.
const initialScopeCap = 64

// Thread records scopes for one worker. It is owned by exactly one
// goroutine: none of its methods may be called concurrently. The hot
// path touches no shared state besides the profiler's enabled flag and
// the intern table's read path.
type Thread struct {
	p    *Profiler
	id   uint64
	name string

	scopes []model.Scope
	// open holds indices into scopes of the begun-but-not-ended scopes,
	// innermost last.
	open   []int32
	closed bool
	warned bool
}

// ID returns the stable numeric id assigned at registration.
func (t *Thread) ID() uint64 { return t.id }

// Name returns the thread name given at registration.
func (t *Thread) Name() string { return t.name }

// BeginScope starts a scope. Returns NoScope (and records nothing) when
// recording is disabled.
func (t *Thread) BeginScope(name string) ScopeID {
	return t.BeginScopeTag(name, "")
}

// BeginScopeTag starts a scope with an attached tag, e.g. the name of
// the asset being processed.
func (t *Thread) BeginScopeTag(name, tag string) ScopeID {
	if !t.p.enabled.Load() || t.closed {
		return NoScope
	}
	tagID := intern.None
	if tag != "" {
		tagID = t.p.names.Intern(tag)
	}
	idx := int32(len(t.scopes))
	t.scopes = append(t.scopes, model.Scope{
		NameID:  t.p.names.Intern(name),
		TagID:   tagID,
		StartNs: t.p.now(),
		Depth:   uint16(len(t.open)),
	})
	t.open = append(t.open, idx)
	return ScopeID(idx)
}

// EndScope closes the scope begun by the matching BeginScope. A call
// that does not match the innermost open scope is counted as a
// recording error and ignored; recording continues.
func (t *Thread) EndScope(id ScopeID) {
	if id == NoScope {
		return
	}
	if len(t.open) == 0 || t.open[len(t.open)-1] != int32(id) {
		t.recordingError("unmatched end-scope call")
		return
	}
	end := t.p.now()
	t.open = t.open[:len(t.open)-1]

	s := &t.scopes[id]
	if end > s.StartNs {
		s.DurationNs = end - s.StartNs
	}

	if len(t.open) == 0 {
		t.flush()
	}
}

// Span begins a scope and returns the function that ends it, for use
// with defer so the end runs on every exit path:
//
//	defer t.Span("load_mesh")()
func (t *Thread) Span(name string) func() {
	id := t.BeginScope(name)
	return func() { t.EndScope(id) }
}

// SpanTag is Span with an attached tag.
func (t *Thread) SpanTag(name, tag string) func() {
	id := t.BeginScopeTag(name, tag)
	return func() { t.EndScope(id) }
}

// Close deregisters the thread. Scopes still open are discarded and
// counted as a recording error.
func (t *Thread) Close() {
	if t.closed {
		return
	}
	t.closed = true
	if len(t.open) > 0 {
		t.recordingError("thread closed with open scopes")
	} else if len(t.scopes) > 0 {
		t.flush()
	}
	t.scopes, t.open = nil, nil
	t.p.deregister(t.id)
}

// flush hands the completed scopes to the profiler. Called when the
// open-scope stack empties, mirroring the report-at-depth-zero protocol
// of the frame boundary: NewFrame only ever sees whole scope trees.
func (t *Thread) flush() {
	scopes := t.scopes
	if cap(scopes) > 4*initialScopeCap {
		t.scopes = nil
	} else {
		t.scopes = make([]model.Scope, 0, cap(scopes))
	}
	t.p.report(t.id, t.name, scopes)
}

func (t *Thread) recordingError(msg string) {
	t.p.metrics.recordingErrors.Inc()
	if !t.warned {
		t.warned = true
		level.Warn(t.p.logger).Log("msg", msg, "thread", t.name, "thread_id", t.id)
	}
}
