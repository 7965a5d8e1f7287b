// Package worker runs staging and integration tasks off the request path and
// guarantees at most one live run per dataset type.
//
// The supervisor and each worker talk over bounded channels. A worker first
// sends Ready, receives its start payload, then sends any number of Progress
// messages followed by exactly one Completed or Failed message. The
// per-type lock is released only after that terminal message is handled.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"healthetl/internal/dataset"
	"healthetl/internal/metrics"
)

type MessageKind int

const (
	Ready MessageKind = iota
	Progress
	Completed
	Failed
)

func (k MessageKind) String() string {
	switch k {
	case Ready:
		return "ready"
	case Progress:
		return "progress"
	case Completed:
		return "completed"
	case Failed:
		return "error"
	}
	return fmt.Sprintf("MessageKind(%d)", int(k))
}

// Message is sent from a worker to the supervisor.
type Message struct {
	Kind     MessageKind
	Fraction float64
	Text     string
	Err      error
	finalize Finalize
}

// Finalize persists a task's result. It runs on the supervisor side after
// every progress message of the run has been handled.
type Finalize func(ctx context.Context) error

// Task is the body of a run. It reports progress through the callback and
// returns the action that records its result.
type Task func(ctx context.Context, snapshot dataset.UploadAttempt, progress func(fraction float64, message string)) (Finalize, error)

// Hooks let the owner persist what workers report. Hooks run on the
// supervisor side, one run's messages in order.
type Hooks struct {
	OnProgress func(ctx context.Context, t dataset.Type, run string, fraction float64, message string)
	OnFailure  func(ctx context.Context, t dataset.Type, run string, err error)
}

// HookTimeout bounds each hook call. Hooks get a context that is not
// cancelled by Terminate, so a terminated run can still record its failure.
const HookTimeout = 30 * time.Second

const outboxSize = 16

var ErrPanic = errors.New("worker panicked")

type run struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor owns the per-type run locks and the live workers.
type Supervisor struct {
	base  context.Context
	hooks Hooks
	log   *slog.Logger

	mu   sync.Mutex
	runs map[dataset.Type]*run
	// claimed marks types locked by TryClaim but not yet spawned.
	claimed map[dataset.Type]bool
}

// New returns a supervisor whose workers derive their context from base.
func New(base context.Context, log *slog.Logger, hooks Hooks) *Supervisor {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{
		base:    base,
		hooks:   hooks,
		log:     log,
		runs:    map[dataset.Type]*run{},
		claimed: map[dataset.Type]bool{},
	}
}

// Lock is the in-memory claim on a dataset type. It is either handed to
// Spawn or released.
type Lock struct {
	s    *Supervisor
	t    dataset.Type
	done bool // guarded by s.mu
}

func (l *Lock) Type() dataset.Type { return l.t }

// Release gives the claim back. It is a no-op once the lock has been spawned
// or released.
func (l *Lock) Release() {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if l.done {
		return
	}
	l.done = true
	delete(l.s.claimed, l.t)
}

// TryClaim takes the lock for t, or returns dataset.ErrRunActive when a run
// is live or another caller holds the claim.
func (s *Supervisor) TryClaim(t dataset.Type) (*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed[t] || s.runs[t] != nil {
		return nil, dataset.ErrRunActive
	}
	s.claimed[t] = true
	return &Lock{s: s, t: t}, nil
}

// Running reports whether a worker is live for t.
func (s *Supervisor) Running(t dataset.Type) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[t] != nil
}

// Busy reports whether t is claimed or running.
func (s *Supervisor) Busy(t dataset.Type) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimed[t] || s.runs[t] != nil
}

// Spawn starts task for the claimed type and hands it snapshot once the
// worker reports ready. The lock is consumed: it is released by the
// supervisor after the run's terminal message.
func (s *Supervisor) Spawn(lock *Lock, name string, task Task, snapshot dataset.UploadAttempt) error {
	if lock == nil || lock.s != s {
		return errors.New("worker: spawn needs a lock from this supervisor")
	}
	t := lock.t

	s.mu.Lock()
	if lock.done || !s.claimed[t] {
		s.mu.Unlock()
		return errors.Newf("worker: lock for %s is not held", t)
	}
	lock.done = true
	delete(s.claimed, t)

	ctx, cancel := context.WithCancel(s.base)
	r := &run{name: name, cancel: cancel, done: make(chan struct{})}
	s.runs[t] = r
	s.mu.Unlock()

	inbox := make(chan dataset.UploadAttempt, 1)
	outbox := make(chan Message, outboxSize)

	go work(ctx, task, inbox, outbox)
	go s.handle(ctx, t, r, snapshot, inbox, outbox)
	return nil
}

// Terminate cancels the live run for t. It reports whether a run was found.
// The run's failure is still recorded through OnFailure.
func (s *Supervisor) Terminate(t dataset.Type) bool {
	s.mu.Lock()
	r := s.runs[t]
	s.mu.Unlock()
	if r == nil {
		return false
	}
	r.cancel()
	return true
}

// Wait blocks until the live run for t, if any, has been fully handled.
func (s *Supervisor) Wait(t dataset.Type) {
	s.mu.Lock()
	r := s.runs[t]
	s.mu.Unlock()
	if r != nil {
		<-r.done
	}
}

// Shutdown cancels every live run and waits for them until ctx expires.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	live := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		live = append(live, r)
	}
	s.mu.Unlock()

	for _, r := range live {
		r.cancel()
	}
	for _, r := range live {
		select {
		case <-r.done:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "worker shutdown")
		}
	}
	return nil
}

// work is the worker side of the protocol.
func work(ctx context.Context, task Task, inbox <-chan dataset.UploadAttempt, outbox chan<- Message) {
	defer close(outbox)

	outbox <- Message{Kind: Ready}
	var snapshot dataset.UploadAttempt
	select {
	case snapshot = <-inbox:
	case <-ctx.Done():
		outbox <- Message{Kind: Failed, Err: ctx.Err(), Text: ctx.Err().Error()}
		return
	}

	progress := func(f float64, text string) {
		select {
		case outbox <- Message{Kind: Progress, Fraction: f, Text: text}:
		case <-ctx.Done():
		}
	}
	finalize, err := runTask(ctx, task, snapshot, progress)
	if err != nil {
		outbox <- Message{Kind: Failed, Err: err, Text: err.Error()}
		return
	}
	outbox <- Message{Kind: Completed, finalize: finalize}
}

func runTask(ctx context.Context, task Task, snapshot dataset.UploadAttempt, progress func(float64, string)) (f Finalize, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Wrapf(ErrPanic, "%v", p)
		}
	}()
	return task(ctx, snapshot, progress)
}

// handle is the supervisor side of one run.
func (s *Supervisor) handle(ctx context.Context, t dataset.Type, r *run, snapshot dataset.UploadAttempt, inbox chan<- dataset.UploadAttempt, outbox <-chan Message) {
	log := s.log.With(slog.String("dataset", string(t)), slog.String("run", r.name))
	started := time.Now()
	hookCtx := context.WithoutCancel(ctx)
	var terminal *Message

	defer func() {
		r.cancel()
		s.mu.Lock()
		delete(s.runs, t)
		s.mu.Unlock()
		close(r.done)
	}()

	for msg := range outbox {
		switch msg.Kind {
		case Ready:
			inbox <- snapshot
		case Progress:
			if s.hooks.OnProgress != nil {
				hctx, cancel := context.WithTimeout(hookCtx, HookTimeout)
				s.hooks.OnProgress(hctx, t, r.name, msg.Fraction, msg.Text)
				cancel()
			}
		case Completed, Failed:
			m := msg
			terminal = &m
		}
	}

	err := errors.New("worker exited without a terminal message")
	if terminal != nil {
		err = terminal.Err
		if terminal.Kind == Completed {
			err = nil
			if terminal.finalize != nil {
				hctx, cancel := context.WithTimeout(hookCtx, HookTimeout)
				err = terminal.finalize(hctx)
				cancel()
			}
		}
	}
	metrics.RecordStep(r.name, err, time.Since(started))
	if err == nil {
		log.InfoContext(ctx, "run completed", slog.Duration("duration", time.Since(started)))
		return
	}
	log.ErrorContext(hookCtx, "run failed", slog.Any("error", err), slog.Duration("duration", time.Since(started)))
	if s.hooks.OnFailure != nil {
		hctx, cancel := context.WithTimeout(hookCtx, HookTimeout)
		s.hooks.OnFailure(hctx, t, r.name, err)
		cancel()
	}
}
