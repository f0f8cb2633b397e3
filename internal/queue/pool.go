package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/bookwright/bookwright/internal/diag"
	"github.com/bookwright/bookwright/internal/fsjail"
	"github.com/bookwright/bookwright/internal/jobs"
)

// ErrCancelled is returned by an Executor that observed the job's cancel
// flag at a boundary and stopped cleanly.
var ErrCancelled = errors.New("job cancelled")

// Executor runs a single claimed job. It must observe ctx and the job's
// cancel flag at each externally visible boundary.
type Executor interface {
	Execute(ctx context.Context, rec *jobs.Record) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, rec *jobs.Record) error

func (f ExecutorFunc) Execute(ctx context.Context, rec *jobs.Record) error {
	return f(ctx, rec)
}

const defaultPoll = 500 * time.Millisecond

// Pool pulls admitted PENDING process jobs and executes them on a bounded
// set of workers. Pool methods require the caller to hold the patches-root
// lock for the jail's wizards root.
type Pool struct {
	svc     *jobs.Service
	jail    *fsjail.Jail
	bus     *diag.Bus
	exec    Executor
	workers int
	poll    time.Duration

	mu      sync.Mutex
	claimed map[string]bool
}

// NewPool builds a pool. workers > 0 forces a fixed width; workers == 0
// resolves the width per batch from the admitted runs' persisted
// parallelism.
func NewPool(svc *jobs.Service, jail *fsjail.Jail, bus *diag.Bus, exec Executor, workers int) *Pool {
	if workers < 0 {
		workers = 0
	}
	return &Pool{
		svc:     svc,
		jail:    jail,
		bus:     bus,
		exec:    exec,
		workers: workers,
		poll:    defaultPoll,
		claimed: map[string]bool{},
	}
}

// Drain executes every currently eligible job and returns once none remain.
// New jobs admitted while draining are picked up; a paused queue yields an
// immediate return with nothing run.
func (p *Pool) Drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		st, err := LoadState(p.jail)
		if err != nil {
			return err
		}
		if st.Mode == ModePaused {
			return nil
		}
		batch, err := p.claimEligible()
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		p.runBatch(ctx, batch)
	}
}

// Run keeps the pool attached until ctx is cancelled, polling for new
// eligible jobs and for queue mode changes. Pausing stops claims but lets
// in-flight jobs finish.
func (p *Pool) Run(ctx context.Context) error {
	p.emit("queue.start", map[string]any{"workers": p.workers})
	defer p.emit("queue.stop", nil)
	tick := time.NewTicker(p.poll)
	defer tick.Stop()
	for {
		st, err := LoadState(p.jail)
		if err != nil {
			return err
		}
		if st.Mode == ModeRunning {
			batch, err := p.claimEligible()
			if err != nil {
				return err
			}
			if len(batch) > 0 {
				p.runBatch(ctx, batch)
				continue
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// claimEligible selects PENDING process jobs with an admitted run state,
// oldest first, and marks them claimed for this process.
func (p *Pool) claimEligible() ([]*jobs.Record, error) {
	recs, err := p.svc.List()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*jobs.Record
	for _, rec := range recs {
		if rec.State != jobs.StatePending || rec.Type != jobs.TypeProcess {
			continue
		}
		if p.claimed[rec.JobID] {
			continue
		}
		if !HasRunState(p.jail, rec.Meta.RunID) {
			continue
		}
		p.claimed[rec.JobID] = true
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created != out[j].Created {
			return out[i].Created < out[j].Created
		}
		return out[i].JobID < out[j].JobID
	})
	return out, nil
}

// runBatch fans a claimed batch across the workers and waits for it.
func (p *Pool) runBatch(ctx context.Context, batch []*jobs.Record) {
	workers := p.workers
	if workers == 0 {
		workers = p.batchWorkers(batch)
	}
	work := make(chan *jobs.Record)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range work {
				p.runOne(ctx, rec)
			}
		}()
	}
	for _, rec := range batch {
		work <- rec
	}
	close(work)
	wg.Wait()
}

// runOne drives one job through its state machine around the executor.
func (p *Pool) runOne(ctx context.Context, rec *jobs.Record) {
	// A cancel that landed while the job was still PENDING wins before any
	// work starts.
	cur, err := p.svc.Get(rec.JobID)
	if err != nil || cur.State != jobs.StatePending {
		p.unclaim(rec.JobID)
		return
	}
	running, err := p.svc.MarkRunning(rec.JobID)
	if err != nil {
		p.unclaim(rec.JobID)
		return
	}
	execErr := p.exec.Execute(ctx, running)
	switch {
	case execErr == nil:
		if p.svc.CancelRequested(rec.JobID) {
			_, _ = p.svc.FinishCancelled(rec.JobID)
		} else {
			_, _ = p.svc.MarkSucceeded(rec.JobID)
		}
	case errors.Is(execErr, ErrCancelled) || errors.Is(execErr, context.Canceled):
		_, _ = p.svc.FinishCancelled(rec.JobID)
	default:
		_, _ = p.svc.MarkFailed(rec.JobID, execErr)
	}
	p.unclaim(rec.JobID)
}

// batchWorkers resolves the width from the batch's run states: each run
// carries the parallelism its session asked for, and concurrent runs get
// the widest of them.
func (p *Pool) batchWorkers(batch []*jobs.Record) int {
	n := 1
	seen := map[string]bool{}
	for _, rec := range batch {
		runID := rec.Meta.RunID
		if seen[runID] {
			continue
		}
		seen[runID] = true
		rs, err := LoadRunState(p.jail, runID)
		if err != nil {
			continue
		}
		w := rs.Workers
		if w <= 0 {
			w = ClampWorkers(0, rs.Mode)
		}
		if w > n {
			n = w
		}
	}
	return ClampWorkers(n, "")
}

func (p *Pool) unclaim(jobID string) {
	p.mu.Lock()
	delete(p.claimed, jobID)
	p.mu.Unlock()
}

func (p *Pool) emit(event string, data map[string]any) {
	if p.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	p.bus.Publish(event, "queue", "", data)
}
