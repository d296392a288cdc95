package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/tabledoc/internal/pipeline"
)

// State is a job's position in the scheduler lifecycle.
type State string

const (
	Pending    State = "pending"
	Running    State = "running"
	Completed  State = "completed"
	Skipped    State = "skipped"
	Incomplete State = "incomplete"
	Failed     State = "failed"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	switch s {
	case Completed, Skipped, Incomplete, Failed:
		return true
	}
	return false
}

func stateOf(o pipeline.Outcome) State {
	switch o {
	case pipeline.Completed:
		return Completed
	case pipeline.Skipped:
		return Skipped
	case pipeline.Incomplete:
		return Incomplete
	default:
		return Failed
	}
}

// Status is the last known state of one job.
type Status struct {
	JobID      string    `json:"job_id"`
	State      State     `json:"state"`
	Stage      string    `json:"stage,omitempty"`
	Error      string    `json:"error,omitempty"`
	Sections   int       `json:"sections,omitempty"`
	Verified   int       `json:"verified,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Registry tracks job status for the status server. Safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Status
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{jobs: map[string]*Status{}}
}

// Enqueue marks jobs pending. Jobs already known keep their status unless
// it is terminal.
func (r *Registry) Enqueue(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if s, ok := r.jobs[id]; ok && !s.State.Terminal() {
			continue
		}
		r.jobs[id] = &Status{JobID: id, State: Pending}
	}
}

// Start marks a job running.
func (r *Registry) Start(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[id] = &Status{JobID: id, State: Running, StartedAt: time.Now().UTC()}
}

// Stage records the stage a running job entered. It has the shape of a
// pipeline.StageObserver.
func (r *Registry) Stage(id, stage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.jobs[id]
	if !ok {
		s = &Status{JobID: id, State: Running, StartedAt: time.Now().UTC()}
		r.jobs[id] = s
	}
	s.Stage = stage
}

// Finish records a job's result.
func (r *Registry) Finish(res pipeline.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.jobs[res.JobID]
	if !ok {
		s = &Status{JobID: res.JobID}
		r.jobs[res.JobID] = s
	}
	s.State = stateOf(res.Outcome)
	s.Sections = res.Sections
	s.Verified = res.Verified
	s.FinishedAt = time.Now().UTC()
	if res.Stage != "" {
		s.Stage = res.Stage
	}
	s.Error = ""
	if res.Err != nil {
		s.Error = res.Err.Error()
	}
}

// Get returns a copy of one job's status.
func (r *Registry) Get(id string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.jobs[id]
	if !ok {
		return Status{}, false
	}
	return *s, true
}

// List returns every status ordered by job id.
func (r *Registry) List() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.jobs))
	for _, s := range r.jobs {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// Counts returns the number of jobs per state.
func (r *Registry) Counts() map[State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[State]int{}
	for _, s := range r.jobs {
		out[s.State]++
	}
	return out
}
