// Package sync realises a change plan onto the local filesystem:
// traversal, filter gating, delta copies through write guards, deletion
// timing, hard link materialisation and metadata restoration, driven by
// a bounded pipeline controller.
package sync

// Priority is what the pipeline controller wants done next.
type Priority byte

// Controller priorities, highest first.
const (
	// PriorityNone means the pipeline is complete or failed.
	PriorityNone Priority = iota
	// ProcessReadyEntries drains entries whose decisions are made.
	ProcessReadyEntries
	// FillPipeline admits more entries while capacity remains.
	FillPipeline
	// ReadMoreEntries turns pending entries into ready ones.
	ReadMoreEntries
	// ProcessOneResponse consumes one completion record.
	ProcessOneResponse
)

// String implements fmt.Stringer.
func (p Priority) String() string {
	switch p {
	case ProcessReadyEntries:
		return "process-ready"
	case FillPipeline:
		return "fill"
	case ReadMoreEntries:
		return "read-more"
	case ProcessOneResponse:
		return "process-response"
	}
	return "none"
}

// PipeStats are the controller's transition counters. They survive
// error termination so an aborted run still reports its progress.
type PipeStats struct {
	EntriesEnqueued    int
	EntriesProcessed   int
	ResponsesProcessed int
	PipelineDepth      int
	MaxPipelineDepth   int
}

// Pipe is the pure pipeline state: which entries are pending, which
// are ready to process, which responses await draining, and whether
// the producing side has finished. It holds no I/O; the driving loop
// asks NextPriority and performs the corresponding work.
type Pipe struct {
	pending   []int32
	ready     []int32
	responses []any
	exhausted bool
	capacity  int
	failed    bool
	stats     PipeStats
}

// NewPipe returns a controller admitting at most capacity in-flight
// entries. Capacity zero admits nothing; only completion is reachable.
func NewPipe(capacity int) *Pipe {
	return &Pipe{capacity: capacity}
}

// CanFill reports whether another entry may be admitted.
func (p *Pipe) CanFill() bool {
	return !p.failed && !p.exhausted && len(p.pending) < p.capacity
}

// EnqueueEntry admits an entry. Callers must consult CanFill first;
// admitting into a full pipeline is a programming error.
func (p *Pipe) EnqueueEntry(id int32) {
	if !p.CanFill() {
		panic("sync: EnqueueEntry without CanFill")
	}
	p.pending = append(p.pending, id)
	p.stats.EntriesEnqueued++
	p.stats.PipelineDepth = len(p.pending)
	if p.stats.PipelineDepth > p.stats.MaxPipelineDepth {
		p.stats.MaxPipelineDepth = p.stats.PipelineDepth
	}
}

// MarkReady moves the oldest pending entry to the ready queue and
// returns it; ok is false when nothing is pending.
func (p *Pipe) MarkReady() (id int32, ok bool) {
	if p.failed || len(p.pending) == 0 {
		return 0, false
	}
	id = p.pending[0]
	p.pending = p.pending[1:]
	p.ready = append(p.ready, id)
	p.stats.PipelineDepth = len(p.pending)
	return id, true
}

// TakeReady removes and returns the oldest ready entry.
func (p *Pipe) TakeReady() (id int32, ok bool) {
	if p.failed || len(p.ready) == 0 {
		return 0, false
	}
	id = p.ready[0]
	p.ready = p.ready[1:]
	p.stats.EntriesProcessed++
	return id, true
}

// PushResponse queues a completion record for draining.
func (p *Pipe) PushResponse(r any) {
	if p.failed {
		return
	}
	p.responses = append(p.responses, r)
}

// TakeResponse removes and returns the oldest response.
func (p *Pipe) TakeResponse() (r any, ok bool) {
	if p.failed || len(p.responses) == 0 {
		return nil, false
	}
	r = p.responses[0]
	p.responses = p.responses[1:]
	p.stats.ResponsesProcessed++
	return r, true
}

// MarkWireExhausted records that no further entries will arrive.
func (p *Pipe) MarkWireExhausted() {
	p.exhausted = true
}

// Fail puts the controller in its terminal error state: no priority is
// returned again and every operation becomes a no-op. Statistics stay
// as they were.
func (p *Pipe) Fail() {
	p.failed = true
}

// Failed reports whether Fail was called.
func (p *Pipe) Failed() bool {
	return p.failed
}

// IsComplete reports whether all work is drained and no more can
// arrive.
func (p *Pipe) IsComplete() bool {
	return len(p.pending) == 0 && len(p.ready) == 0 &&
		len(p.responses) == 0 && p.exhausted
}

// NextPriority selects the next action. Under a given input trace the
// sequence is deterministic.
func (p *Pipe) NextPriority() Priority {
	if p.failed {
		return PriorityNone
	}
	switch {
	case len(p.ready) > 0:
		return ProcessReadyEntries
	case p.CanFill():
		return FillPipeline
	case len(p.pending) > 0:
		return ReadMoreEntries
	case len(p.responses) > 0:
		return ProcessOneResponse
	}
	return PriorityNone
}

// Stats returns a copy of the transition counters.
func (p *Pipe) Stats() PipeStats {
	return p.stats
}
