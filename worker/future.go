// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package worker

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-unarchive/failure"
	"github.com/hashicorp/go-unarchive/native"
)

// ProgressFunc receives progress reports of a task.
type ProgressFunc func(native.Progress)

// pending is the slot of an outstanding task in the correlation table. It is
// settled exactly once. Progress reports are delivered in order by a goroutine
// of the task, never by the dispatcher loop, and no report is started after
// the task is settled.
type pending struct {
	id       string
	kind     RequestKind
	ctx      *execContext
	progress ProgressFunc
	timer    *time.Timer

	mu      sync.Mutex
	settled bool
	result  *Result
	err     error
	done    chan struct{}

	// reports not yet delivered and the outcome that waits for them
	queue      []native.Progress
	delivering bool
	completing bool
	outcome    outcome
}

// outcome is the final result of a task
type outcome struct {
	result *Result
	err    error
}

func newPending(id string, kind RequestKind, progress ProgressFunc) *pending {
	return &pending{id: id, kind: kind, progress: progress, done: make(chan struct{})}
}

// settle stores the outcome immediately, reports that were not delivered yet
// are dropped. It returns false if the task was settled before.
func (p *pending) settle(res *Result, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settleLocked(res, err)
}

// complete stores the outcome once all queued reports are delivered. It is
// used for final responses, which follow all progress of their task.
func (p *pending) complete(res *Result, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.settled || p.completing {
		return
	}
	if !p.delivering {
		p.settleLocked(res, err)
		return
	}
	p.completing = true
	p.outcome = outcome{result: res, err: err}
}

// settleLocked settles p. The caller must hold p.mu.
func (p *pending) settleLocked(res *Result, err error) bool {
	if p.settled {
		return false
	}
	p.settled = true
	p.result = res
	p.err = err
	p.queue = nil
	if p.timer != nil {
		p.timer.Stop()
	}
	close(p.done)
	return true
}

// notify queues a progress report unless the task is settled or completing
func (p *pending) notify(pr native.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.settled || p.completing || p.progress == nil {
		return
	}
	p.queue = append(p.queue, pr)
	if !p.delivering {
		p.delivering = true
		go p.deliver()
	}
}

// deliver calls the progress function for all queued reports outside of p.mu
func (p *pending) deliver() {
	for {
		p.mu.Lock()
		if p.settled || len(p.queue) == 0 {
			p.delivering = false
			if p.completing {
				p.settleLocked(p.outcome.result, p.outcome.err)
			}
			p.mu.Unlock()
			return
		}
		pr := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.progress(pr)
	}
}

// Future is the handle of a submitted task.
type Future struct {
	p *pending
}

// ID returns the unique id of the task.
func (f *Future) ID() string {
	return f.p.id
}

// Done is closed once the task is settled.
func (f *Future) Done() <-chan struct{} {
	return f.p.done
}

// Wait blocks until the task is settled or ctx is done. A done ctx does not
// settle the task, its error is returned as a [failure.TaskTimeout].
func (f *Future) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-f.p.done:
		return f.p.result, f.p.err
	case <-ctx.Done():
		return nil, failure.Wrap(failure.TaskTimeout, ctx.Err(), "stopped waiting for "+string(f.p.kind)+" task")
	}
}
