package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/tabledoc/internal/events"
	"github.com/fyrsmithlabs/tabledoc/internal/pipeline"
	"github.com/fyrsmithlabs/tabledoc/internal/stagecache"
)

type fakeRunner struct {
	mu       sync.Mutex
	ran      []string
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	behavior map[string]func() (pipeline.Result, error)
}

func (f *fakeRunner) Run(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.ran = append(f.ran, job.ID)
	b := f.behavior[job.ID]
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if b != nil {
		return b()
	}
	return pipeline.Result{JobID: job.ID, Outcome: pipeline.Completed, Sections: 2, Verified: 2}, nil
}

func (f *fakeRunner) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) kinds(jobID string) []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Kind
	for _, e := range p.events {
		if e.JobID == jobID {
			out = append(out, e.Kind)
		}
	}
	return out
}

func jobsFor(ids ...string) []pipeline.Job {
	jobs := make([]pipeline.Job, len(ids))
	for i, id := range ids {
		jobs[i] = pipeline.Job{ID: id, Path: "/in/" + id + ".json"}
	}
	return jobs
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.json", "a.json", "notes.txt", "C.JSON"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.json"), 0o755))

	jobs, err := Discover(dir)
	require.NoError(t, err)

	var ids []string
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []string{"C", "a", "b"}, ids)
	assert.Equal(t, filepath.Join(dir, "a.json"), jobs[1].Path)

	_, err = Discover(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestNew_Validation(t *testing.T) {
	cache := stagecache.New(t.TempDir(), nil)
	_, err := New(nil, cache, Config{})
	assert.Error(t, err)
	_, err = New(&fakeRunner{}, nil, Config{})
	assert.Error(t, err)

	s, err := New(&fakeRunner{}, cache, Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxParallelJobs, s.cfg.MaxParallelJobs)
}

func TestRun_BoundsParallelJobs(t *testing.T) {
	runner := &fakeRunner{delay: 20 * time.Millisecond}
	s, err := New(runner, stagecache.New(t.TempDir(), nil), Config{MaxParallelJobs: 2})
	require.NoError(t, err)

	sum := s.Run(context.Background(), jobsFor("a", "b", "c", "d", "e", "f"))
	assert.Equal(t, 6, sum.Completed)
	assert.Equal(t, 6, sum.Total())
	assert.NotEmpty(t, sum.RunID)
	assert.LessOrEqual(t, runner.peak.Load(), int32(2))
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e", "f"}, runner.calls())
}

func TestRun_IsolatesFailures(t *testing.T) {
	runner := &fakeRunner{behavior: map[string]func() (pipeline.Result, error){
		"boom": func() (pipeline.Result, error) { panic("model returned garbage") },
		"bad": func() (pipeline.Result, error) {
			return pipeline.Result{Outcome: pipeline.Failed, Stage: pipeline.StagePlan},
				errors.New("plan exhausted")
		},
		"slow": func() (pipeline.Result, error) {
			return pipeline.Result{Outcome: pipeline.Incomplete, Stage: pipeline.StageVerify},
				pipeline.ErrIncomplete
		},
	}}
	pub := &recordingPublisher{}
	s, err := New(runner, stagecache.New(t.TempDir(), nil), Config{MaxParallelJobs: 4}, WithPublisher(pub))
	require.NoError(t, err)

	sum := s.Run(context.Background(), jobsFor("bad", "boom", "good", "slow"))
	assert.Equal(t, 1, sum.Completed)
	assert.Equal(t, 2, sum.Failed)
	assert.Equal(t, 1, sum.Incomplete)

	require.Len(t, sum.Results, 4)
	assert.Equal(t, "bad", sum.Results[0].JobID)
	assert.EqualError(t, sum.Results[1].Err, "panic: model returned garbage")
	assert.Equal(t, pipeline.Completed, sum.Results[2].Outcome)

	reg := s.Registry()
	st, ok := reg.Get("bad")
	require.True(t, ok)
	assert.Equal(t, Failed, st.State)
	assert.Equal(t, pipeline.StagePlan, st.Stage)
	assert.Equal(t, "plan exhausted", st.Error)

	st, _ = reg.Get("slow")
	assert.Equal(t, Incomplete, st.State)

	assert.Equal(t, []events.Kind{events.Started, events.Completed}, pub.kinds("good"))
	assert.Equal(t, []events.Kind{events.Started, events.Failed}, pub.kinds("boom"))
}

func TestRun_SkipsCompletedJobs(t *testing.T) {
	cache := stagecache.New(t.TempDir(), nil)
	jc, err := cache.Job("done")
	require.NoError(t, err)
	require.NoError(t, jc.CommitFinal("# Done\n\n"))

	runner := &fakeRunner{}
	pub := &recordingPublisher{}
	s, err := New(runner, cache, Config{MaxParallelJobs: 2}, WithPublisher(pub))
	require.NoError(t, err)

	sum := s.Run(context.Background(), jobsFor("done", "fresh"))
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 1, sum.Completed)
	assert.Equal(t, []string{"fresh"}, runner.calls())
	assert.Equal(t, []events.Kind{events.Skipped}, pub.kinds("done"))

	st, _ := s.Registry().Get("done")
	assert.Equal(t, Skipped, st.State)
}

func TestRun_CanceledContext(t *testing.T) {
	runner := &fakeRunner{}
	s, err := New(runner, stagecache.New(t.TempDir(), nil), Config{MaxParallelJobs: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum := s.Run(ctx, jobsFor("a", "b"))
	assert.Equal(t, 2, sum.Failed)
	assert.Empty(t, runner.calls())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Enqueue("b", "a")
	assert.Equal(t, map[State]int{Pending: 2}, r.Counts())

	r.Start("a")
	r.Stage("a", pipeline.StageRefine)
	st, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, Running, st.State)
	assert.Equal(t, pipeline.StageRefine, st.Stage)

	// Running jobs are not reset by a new enqueue.
	r.Enqueue("a")
	st, _ = r.Get("a")
	assert.Equal(t, Running, st.State)

	r.Finish(pipeline.Result{JobID: "a", Outcome: pipeline.Completed, Sections: 3, Verified: 3})
	r.Enqueue("a")
	st, _ = r.Get("a")
	assert.Equal(t, Pending, st.State)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].JobID)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestInspect(t *testing.T) {
	cache := stagecache.New(t.TempDir(), nil)

	done, err := cache.Job("done")
	require.NoError(t, err)
	require.NoError(t, done.CommitFinal("text\n\n"))

	partial, err := cache.Job("partial")
	require.NoError(t, err)
	require.NoError(t, partial.Store(stagecache.PlanKey(), map[string]any{"theme": "t"}))

	got := Inspect(jobsFor("done", "partial", "new"), cache)
	assert.Equal(t, []DiskStatus{
		{JobID: "done", State: Complete},
		{JobID: "partial", State: InProgress},
		{JobID: "new", State: NotStarted},
	}, got)
}
