// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-unarchive/config"
	"github.com/hashicorp/go-unarchive/failure"
)

// Task is a unit of work for the dispatcher.
type Task struct {
	// Kind is the request kind, [KindInit] is reserved
	Kind RequestKind

	// Payload is the input of the request
	Payload Payload

	// Progress receives progress reports until the task is settled
	Progress ProgressFunc

	// Timeout overrides the configured task timeout if positive
	Timeout time.Duration
}

// execContext is one host of a native module. Its fields are guarded by the
// dispatcher mutex.
type execContext struct {
	id       int
	state    State
	gen      int
	crashes  int
	restarts int
	lastErr  error

	initID   string
	wake     chan struct{}
	stop     chan struct{}
	queue    []Request
	running  string
	assigned map[string]*pending

	// initDone receives the outcome of the first initialization
	initDone     chan error
	initReported bool
}

// message is sent from a host to the dispatcher loop
type message struct {
	c     *execContext
	gen   int
	resp  Response
	crash error
}

// Dispatcher owns the execution contexts, correlates responses with submitted
// tasks and restarts crashed contexts.
type Dispatcher struct {
	cfg     *config.Config
	factory ModuleFactory

	mu       sync.Mutex
	status   Status
	contexts []*execContext
	pending  map[string]*pending

	messages  chan message
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a dispatcher. No execution context is started before
// [Dispatcher.Initialize]. If factory is nil, [DefaultFactory] is used.
func New(cfg *config.Config, factory ModuleFactory) *Dispatcher {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if factory == nil {
		factory = DefaultFactory
	}
	return &Dispatcher{
		cfg:      cfg,
		factory:  factory,
		pending:  make(map[string]*pending),
		messages: make(chan message),
		done:     make(chan struct{}),
	}
}

// Initialize starts the configured number of execution contexts and waits
// until each of them loaded its native module or exhausted its restart budget.
// It fails with InitializationFailed if no context became ready.
func (d *Dispatcher) Initialize(ctx context.Context) error {
	d.mu.Lock()
	switch d.status {
	case StatusReady:
		d.mu.Unlock()
		return nil
	case StatusInitializing:
		d.mu.Unlock()
		return failure.New(failure.Busy, "dispatcher is initializing")
	case StatusFailed, StatusClosed:
		d.mu.Unlock()
		return failure.New(failure.InitializationFailed, "dispatcher is %s", d.status)
	}

	d.status = StatusInitializing
	go d.loop()
	for i := 0; i < d.cfg.Workers(); i++ {
		c := &execContext{id: i, assigned: make(map[string]*pending), initDone: make(chan error, 1)}
		d.contexts = append(d.contexts, c)
		d.start(c)
	}
	contexts := append([]*execContext(nil), d.contexts...)
	d.mu.Unlock()

	var result *multierror.Error
	for _, c := range contexts {
		select {
		case err := <-c.initDone:
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("context %d: %w", c.id, err))
			}
		case <-ctx.Done():
			return failure.Wrap(failure.TaskTimeout, ctx.Err(), "stopped waiting for execution contexts")
		}
	}

	if status := d.Status(); status != StatusReady {
		err := result.ErrorOrNil()
		if err == nil {
			err = fmt.Errorf("dispatcher is %s", status)
		}
		return failure.Wrap(failure.InitializationFailed, err, "no execution context became ready")
	}
	if err := result.ErrorOrNil(); err != nil {
		d.cfg.Logger().Warn("some execution contexts failed to initialize", "error", err)
	}
	d.cfg.Logger().Info("dispatcher ready", "contexts", d.Capacity())
	return nil
}

// start launches a new generation of c. The caller must hold d.mu.
func (d *Dispatcher) start(c *execContext) {
	c.gen++
	c.initID = uuid.NewString()
	c.wake = make(chan struct{}, 1)
	c.stop = make(chan struct{})
	if c.state != StateRestarting {
		d.setState(c, StateInitializing)
	}

	h := &host{d: d, c: c, gen: c.gen}
	go h.run(c.initID, c.wake, c.stop)
}

// setState logs and applies a state transition. The caller must hold d.mu.
func (d *Dispatcher) setState(c *execContext, s State) {
	if c.state == s {
		return
	}
	d.cfg.Logger().Debug("execution context state", "context", c.id, "from", c.state, "to", s)
	c.state = s
	d.updateStatus()
}

// updateStatus derives the dispatcher status from the context states. The
// caller must hold d.mu.
func (d *Dispatcher) updateStatus() {
	if d.status == StatusUninitialized || d.status == StatusClosed || len(d.contexts) == 0 {
		return
	}
	failed, ready := 0, false
	for _, c := range d.contexts {
		switch c.state {
		case StateFailed:
			failed++
		case StateReady, StateBusy:
			ready = true
		}
	}
	switch {
	case failed == len(d.contexts):
		if d.status != StatusFailed {
			d.cfg.Logger().Error("all execution contexts failed, dispatcher is unavailable")
		}
		d.status = StatusFailed
	case ready:
		d.status = StatusReady
	}
}

// Submit enqueues task on the least loaded execution context. It fails fast
// with WorkerUnavailable if the dispatcher is not ready.
func (d *Dispatcher) Submit(task Task) (*Future, error) {
	if task.Kind == KindInit {
		return nil, failure.New(failure.Unknown, "%s requests cannot be submitted", KindInit)
	}

	d.mu.Lock()
	if d.status != StatusReady {
		status := d.status
		d.mu.Unlock()
		return nil, failure.New(failure.WorkerUnavailable, "dispatcher is %s", status)
	}
	c := d.pick()
	if c == nil {
		d.mu.Unlock()
		return nil, failure.New(failure.WorkerUnavailable, "no execution context available")
	}

	id := uuid.NewString()
	p := newPending(id, task.Kind, task.Progress)
	p.ctx = c
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = d.cfg.TaskTimeout()
	}
	p.timer = time.AfterFunc(timeout, func() { d.expire(p, timeout) })

	d.pending[id] = p
	c.assigned[id] = p
	c.queue = append(c.queue, Request{ID: id, Kind: task.Kind, Payload: task.Payload})
	wake := c.wake
	d.mu.Unlock()

	select {
	case wake <- struct{}{}:
	default:
	}
	return &Future{p: p}, nil
}

// Run submits task and waits for its outcome.
func (d *Dispatcher) Run(ctx context.Context, task Task) (*Result, error) {
	f, err := d.Submit(task)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

// pick returns the alive context with the fewest assigned tasks. The caller
// must hold d.mu.
func (d *Dispatcher) pick() *execContext {
	var best *execContext
	for _, c := range d.contexts {
		if !c.state.alive() {
			continue
		}
		if best == nil || len(c.assigned) < len(best.assigned) {
			best = c
		}
	}
	return best
}

// dequeue pops the next request of c for generation gen. Requests of tasks
// that timed out while queued are skipped.
func (d *Dispatcher) dequeue(c *execContext, gen int) (Request, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for c.gen == gen && len(c.queue) > 0 {
		req := c.queue[0]
		c.queue = c.queue[1:]
		if _, ok := d.pending[req.ID]; !ok {
			continue
		}
		c.running = req.ID
		d.setState(c, StateBusy)
		return req, true
	}
	return Request{}, false
}

// send delivers msg to the dispatcher loop unless the dispatcher is closed
func (d *Dispatcher) send(msg message) {
	select {
	case d.messages <- msg:
	case <-d.done:
	}
}

// loop receives all messages of all hosts
func (d *Dispatcher) loop() {
	for {
		select {
		case <-d.done:
			return
		case msg := <-d.messages:
			if msg.crash != nil {
				d.crash(msg.c, msg.gen, msg.crash)
				continue
			}
			d.receive(msg)
		}
	}
}

// receive correlates a response with its task
func (d *Dispatcher) receive(msg message) {
	resp := msg.resp
	c := msg.c

	d.mu.Lock()
	if msg.gen != c.gen {
		d.mu.Unlock()
		d.cfg.Logger().Warn("dropping response of previous generation", "context", c.id, "id", resp.ID)
		return
	}

	// init outcome
	if resp.ID == c.initID {
		if resp.Kind == ResponseError {
			d.mu.Unlock()
			d.crash(c, msg.gen, resp.err())
			return
		}
		d.setState(c, StateReady)
		d.reportInit(c, nil)
		wake := c.wake
		d.mu.Unlock()

		// tasks may have been queued during a restart
		select {
		case wake <- struct{}{}:
		default:
		}
		return
	}

	// final responses free the context even if the task is gone
	final := resp.Kind != ResponseProgress
	if final && c.running == resp.ID {
		c.running = ""
		c.crashes = 0
		if c.state == StateBusy {
			d.setState(c, StateReady)
		}
	}

	p, ok := d.pending[resp.ID]
	if !ok {
		d.mu.Unlock()
		d.cfg.Logger().Warn("dropping response for unknown task", "context", c.id, "id", resp.ID, "kind", resp.Kind)
		return
	}
	if final {
		delete(d.pending, resp.ID)
		delete(c.assigned, resp.ID)
	}
	d.mu.Unlock()

	switch resp.Kind {
	case ResponseProgress:
		if resp.Progress != nil {
			p.notify(*resp.Progress)
		}
	case ResponseSuccess:
		res := resp.Result
		if res == nil {
			res = &Result{}
		}
		p.complete(res, nil)
	default:
		p.complete(nil, resp.err())
	}
}

// crash settles all tasks of c with WorkerCrash and restarts c, or marks it
// failed once the restart budget is exhausted.
func (d *Dispatcher) crash(c *execContext, gen int, cause error) {
	d.mu.Lock()
	if gen != c.gen || !c.state.alive() {
		d.mu.Unlock()
		return
	}

	d.cfg.Logger().Error("execution context crashed", "context", c.id, "generation", gen, "error", cause)
	d.setState(c, StateCrashed)
	c.crashes++
	c.lastErr = cause
	close(c.stop)

	victims := make([]*pending, 0, len(c.assigned))
	for id, p := range c.assigned {
		delete(d.pending, id)
		victims = append(victims, p)
	}
	c.assigned = make(map[string]*pending)
	c.queue = nil
	c.running = ""

	if c.crashes >= d.cfg.MaxRestarts() {
		d.cfg.Logger().Error("execution context exhausted its restart budget", "context", c.id, "crashes", c.crashes)
		d.setState(c, StateFailed)
		d.reportInit(c, failure.Wrap(failure.WorkerUnavailable, cause, fmt.Sprintf("context %d failed after %d crashes", c.id, c.crashes)))
	} else {
		c.restarts++
		d.cfg.Logger().Warn("restarting execution context", "context", c.id, "attempt", c.crashes)
		d.setState(c, StateRestarting)
		d.start(c)
	}
	d.mu.Unlock()

	for _, p := range victims {
		p.settle(nil, failure.Wrap(failure.WorkerCrash, cause, fmt.Sprintf("execution context %d crashed", c.id)))
	}
}

// reportInit publishes the outcome of the first initialization of c. The
// caller must hold d.mu.
func (d *Dispatcher) reportInit(c *execContext, err error) {
	if c.initReported {
		return
	}
	c.initReported = true
	c.initDone <- err
}

// expire settles p with TaskTimeout, also when its final response is waiting
// for progress delivery. The native work is not cancelled.
func (d *Dispatcher) expire(p *pending, timeout time.Duration) {
	d.mu.Lock()
	if d.pending[p.id] == p {
		delete(d.pending, p.id)
		delete(p.ctx.assigned, p.id)
	}
	d.mu.Unlock()

	if p.settle(nil, failure.New(failure.TaskTimeout, "%s task %s did not finish within %s", p.kind, p.id, timeout)) {
		d.cfg.Logger().Warn("task timed out", "id", p.id, "kind", p.kind, "timeout", timeout)
	}
}

// Status returns the status of the dispatcher.
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Contexts returns a snapshot of all execution contexts.
func (d *Dispatcher) Contexts() []ContextStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]ContextStatus, 0, len(d.contexts))
	for _, c := range d.contexts {
		s := ContextStatus{
			ID:         c.id,
			State:      c.state,
			Generation: c.gen,
			Crashes:    c.crashes,
			Restarts:   c.restarts,
			Queued:     len(c.queue),
		}
		if c.lastErr != nil {
			s.LastError = c.lastErr.Error()
		}
		out = append(out, s)
	}
	return out
}

// Capacity returns the number of execution contexts that accept tasks.
func (d *Dispatcher) Capacity() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, c := range d.contexts {
		if c.state.alive() {
			n++
		}
	}
	return n
}

// Pending returns the number of unsettled tasks.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close destroys all execution contexts and settles all unsettled tasks with
// WorkerUnavailable. Hosts blocked inside the native module are abandoned.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.status = StatusClosed
		for _, c := range d.contexts {
			if c.state.alive() {
				close(c.stop)
			}
			d.setState(c, StateDestroyed)
			c.queue = nil
			c.assigned = make(map[string]*pending)
			d.reportInit(c, failure.New(failure.WorkerUnavailable, "dispatcher closed"))
		}
		victims := make([]*pending, 0, len(d.pending))
		for _, p := range d.pending {
			victims = append(victims, p)
		}
		d.pending = make(map[string]*pending)
		close(d.done)
		d.mu.Unlock()

		for _, p := range victims {
			p.settle(nil, failure.New(failure.WorkerUnavailable, "dispatcher closed"))
		}
		d.cfg.Logger().Info("dispatcher closed")
	})
}
