// Package workerpool owns the embedding worker pool: spawning,
// lifecycle, round-robin dispatch, and restart of the sibling OS
// processes that do all inference work. The host stays single-threaded
// with respect to orchestration (per spec.md §5); the pool's dispatch
// loop is the only place pending-request state is mutated, which is why
// every mutation below happens under Pool.mu rather than per-request
// goroutines racing a shared map.
package workerpool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/osgrep/osgrep-core/internal/osgrep"
	"github.com/osgrep/osgrep-core/internal/workerpool/protocol"
)

// State is a worker's position in the SPAWNING → READY → BUSY ⇄ READY →
// DRAINING → DEAD lifecycle from spec.md §4.4.
type State int

const (
	StateSpawning State = iota
	StateReady
	StateBusy
	StateDraining
	StateDead
)

// MaxWorkerRSS is the resident-memory ceiling per worker; a worker
// reporting more than this on any response is killed and replaced.
const MaxWorkerRSS = 6 * 1024 * 1024 * 1024

// fallbackStartupWindow is used only if a Pool is constructed with
// cfg.WorkerTimeoutMS unset (zero); every real Pool gets this from
// osgrep.Config, which defaults it to 5s (spec.md §3).
const fallbackStartupWindow = 5 * time.Second

// terminationGrace is how long a worker gets to exit after an interrupt
// signal before the pool kills it outright.
const terminationGrace = 3 * time.Second

// restartCooldown is the pause between terminating a dead worker and
// spawning its replacement, giving a crash-looping worker a chance to not immediately
// re-crash the pool into a tight restart cycle.
const restartCooldown = 200 * time.Millisecond

// Process abstracts one worker's OS process so tests can substitute an
// in-process pipe pair for a real exec.Cmd.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Interrupt asks the process to exit gracefully.
	Interrupt() error
	// Kill forces termination.
	Kill() error
	// Wait blocks until the process has exited.
	Wait() error
}

// Spawner starts one worker process at the given pool index.
type Spawner func(ctx context.Context, index int) (Process, error)

type result struct {
	resp protocol.Response
	err  error
}

type pendingEntry struct {
	workerIndex int
	resultCh    chan result
}

type worker struct {
	index int
	mu    sync.Mutex // serializes writes to proc.Stdin
	proc  Process

	stateMu sync.Mutex
	state   State

	restarting bool
}

func (w *worker) setState(s State) {
	w.stateMu.Lock()
	w.state = s
	w.stateMu.Unlock()
}

func (w *worker) getState() State {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.state
}

// Pool manages the sibling worker processes and dispatches RPCs to them.
type Pool struct {
	cfg    osgrep.Config
	spawn  Spawner
	nextRR int

	mu      sync.Mutex
	workers []*worker
	pending map[string]*pendingEntry
	closed  bool

	wg sync.WaitGroup
}

// New builds a pool configured by cfg. Callers must call Start before
// dispatching and Shutdown when finished.
func New(cfg osgrep.Config, spawn Spawner) *Pool {
	return &Pool{
		cfg:     cfg,
		spawn:   spawn,
		pending: make(map[string]*pendingEntry),
	}
}

// Start spawns cfg.WorkerCount worker processes.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	n := p.cfg.WorkerCount
	if n < 1 {
		n = 1
	}
	p.workers = make([]*worker, n)
	p.mu.Unlock()

	for i := 0; i < n; i++ {
		if err := p.spawnAt(ctx, i); err != nil {
			return fmt.Errorf("workerpool: spawn worker %d: %w", i, err)
		}
	}
	return nil
}

func (p *Pool) spawnAt(ctx context.Context, index int) error {
	proc, err := p.spawn(ctx, index)
	if err != nil {
		return err
	}
	w := &worker{index: index, proc: proc, state: StateSpawning}
	p.mu.Lock()
	p.workers[index] = w
	p.mu.Unlock()

	w.setState(StateReady)
	p.wg.Add(1)
	go p.readLoop(w)
	return nil
}

// readLoop scans a worker's stdout for Response lines and delivers each
// to its pending entry, defensively ignoring any response whose worker
// index no longer matches the one that dispatched it (spec.md §4.4:
// "responses from a worker different from the recorded dispatcher are
// ignored").
func (p *Pool) readLoop(w *worker) {
	defer p.wg.Done()
	scanner := bufio.NewScanner(w.proc.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		var resp protocol.Response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			continue
		}
		p.deliver(w, resp)
	}
	// stdout closed: the process exited. Treat as a DEAD transition
	// unless the pool already initiated a deliberate shutdown.
	if w.getState() != StateDraining {
		p.markDead(w, fmt.Errorf("workerpool: worker %d exited", w.index))
	}
}

func (p *Pool) deliver(w *worker, resp protocol.Response) {
	p.mu.Lock()
	entry, ok := p.pending[resp.ID]
	if ok && entry.workerIndex == w.index {
		delete(p.pending, resp.ID)
	} else {
		ok = false
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	if resp.MemoryRSS > MaxWorkerRSS {
		defer p.markDead(w, fmt.Errorf("workerpool: worker %d exceeded RSS cap", w.index))
	}
	entry.resultCh <- result{resp: resp}
}

// Call dispatches one RPC to the next ready worker, round-robin, and
// blocks until a response, timeout, or context cancellation.
func (p *Pool) Call(ctx context.Context, op protocol.Op, payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("workerpool: marshal payload: %w", err)
	}

	w, err := p.pickReady(ctx)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	entry := &pendingEntry{workerIndex: w.index, resultCh: make(chan result, 1)}
	p.mu.Lock()
	p.pending[id] = entry
	p.mu.Unlock()

	req := protocol.Request{ID: id, Op: op, Payload: raw}
	line, err := json.Marshal(req)
	if err != nil {
		p.dropPending(id)
		return nil, fmt.Errorf("workerpool: marshal request: %w", err)
	}
	line = append(line, '\n')

	w.setState(StateBusy)
	w.mu.Lock()
	_, writeErr := w.proc.Stdin().Write(line)
	w.mu.Unlock()
	if writeErr != nil {
		p.dropPending(id)
		p.markDead(w, fmt.Errorf("workerpool: write to worker %d: %w", w.index, writeErr))
		return nil, osgrep.ErrWorkerRestart
	}

	timeout := time.Duration(p.cfg.WorkerTaskTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-entry.resultCh:
		if w.getState() == StateBusy {
			w.setState(StateReady)
		}
		if r.err != nil {
			return nil, r.err
		}
		if !r.resp.OK {
			return nil, fmt.Errorf("workerpool: worker %d: %s", w.index, r.resp.Err)
		}
		return r.resp.Result, nil
	case <-timer.C:
		p.dropPending(id)
		p.markDead(w, fmt.Errorf("workerpool: worker %d task timed out", w.index))
		return nil, osgrep.ErrWorkerTimeout
	case <-ctx.Done():
		p.dropPending(id)
		return nil, ctx.Err()
	}
}

func (p *Pool) dropPending(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// pickReady returns the next ready worker round-robin, waiting up to the
// configured startup window (OSGREP_WORKER_TIMEOUT_MS, spec.md §3) for
// one to become available.
func (p *Pool) pickReady(ctx context.Context) (*worker, error) {
	startupWindow := time.Duration(p.cfg.WorkerTimeoutMS) * time.Millisecond
	if startupWindow <= 0 {
		startupWindow = fallbackStartupWindow
	}
	deadline := time.Now().Add(startupWindow)
	for {
		p.mu.Lock()
		n := len(p.workers)
		for i := 0; i < n; i++ {
			idx := (p.nextRR + i) % n
			w := p.workers[idx]
			if w != nil && w.getState() == StateReady {
				p.nextRR = (idx + 1) % n
				p.mu.Unlock()
				return w, nil
			}
		}
		p.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, osgrep.ErrNoWorker
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// markDead transitions w to DEAD, rejects its pending requests, and
// kicks off a de-duplicated restart. A restart already in flight for w
// absorbs further triggers, per spec.md §4.4.
func (p *Pool) markDead(w *worker, cause error) {
	w.stateMu.Lock()
	if w.state == StateDead {
		w.stateMu.Unlock()
		return
	}
	w.state = StateDead
	alreadyRestarting := w.restarting
	w.restarting = true
	w.stateMu.Unlock()

	log.Printf("workerpool: worker %d marked dead: %v", w.index, cause)
	p.rejectPendingFor(w.index)

	if alreadyRestarting {
		return
	}
	p.wg.Add(1)
	go p.restart(w)
}

func (p *Pool) rejectPendingFor(index int) {
	p.mu.Lock()
	var toReject []*pendingEntry
	for id, entry := range p.pending {
		if entry.workerIndex == index {
			toReject = append(toReject, entry)
			delete(p.pending, id)
		}
	}
	p.mu.Unlock()
	for _, entry := range toReject {
		entry.resultCh <- result{err: osgrep.ErrWorkerRestart}
	}
}

func (p *Pool) restart(w *worker) {
	defer p.wg.Done()
	terminate(w.proc)
	time.Sleep(restartCooldown)

	proc, err := p.spawn(context.Background(), w.index)
	if err != nil {
		// Leave the slot DEAD; the next Call will simply round-robin
		// past it until an operator restarts the pool.
		w.stateMu.Lock()
		w.restarting = false
		w.stateMu.Unlock()
		return
	}

	replacement := &worker{index: w.index, proc: proc, state: StateReady}
	p.mu.Lock()
	p.workers[w.index] = replacement
	p.mu.Unlock()

	p.wg.Add(1)
	go p.readLoop(replacement)
}

// terminate asks proc to exit gracefully, then kills it if it hasn't
// exited within terminationGrace.
func terminate(proc Process) {
	_ = proc.Interrupt()
	done := make(chan struct{})
	go func() {
		_ = proc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(terminationGrace):
		_ = proc.Kill()
		<-done
	}
}

// Shutdown terminates every worker and waits for their read loops to
// finish. Workers are marked DRAINING first so their own exit doesn't
// look like a crash to the read loop.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	workers := append([]*worker(nil), p.workers...)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		if w == nil {
			continue
		}
		w.setState(StateDraining)
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			terminate(w.proc)
		}(w)
	}
	wg.Wait()
	p.wg.Wait()
}

// States reports every worker's current lifecycle state, indexed by pool
// slot, for diagnostics and tests.
func (p *Pool) States() []State {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]State, len(p.workers))
	for i, w := range p.workers {
		if w == nil {
			out[i] = StateDead
			continue
		}
		out[i] = w.getState()
	}
	return out
}
