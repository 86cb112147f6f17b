// Package recovery reconciles the in-memory window with the durable store.
// Recovery is additive: it adopts durable messages the window lacks and
// flushes window messages the store lacks. It never removes either.
package recovery

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/qmuntal/stateless"

	"github.com/comigor/convlog/internal/history"
	"github.com/comigor/convlog/internal/logger"
	"github.com/comigor/convlog/internal/window"
)

// State of the recovery machine.
type State string

const (
	StateIdle       State = "Idle"
	StateRecovering State = "Recovering"
	StateMerged     State = "Merged"
	StateFailed     State = "Failed"
)

// Trigger of the recovery machine.
type Trigger string

const (
	TriggerStartup          Trigger = "Startup"
	TriggerExternalMutation Trigger = "ExternalMutation"
	TriggerReload           Trigger = "Reload"

	triggerSucceeded Trigger = "Succeeded"
	triggerFailed    Trigger = "Failed"
	triggerSettle    Trigger = "Settle"
)

const defaultPageSize = 500

// Store is the subset of history.Store recovery needs.
type Store interface {
	Pages(ctx context.Context, sessionID string, size int) iter.Seq2[[]history.Message, error]
	Insert(ctx context.Context, msg history.Message) (history.AppendResult, error)
}

// Report describes one recovery pass.
type Report struct {
	Trigger Trigger `json:"trigger"`
	Durable int     `json:"durable"` // rows read from the store
	Adopted int     `json:"adopted"` // durable rows pushed into the window
	Flushed int     `json:"flushed"` // window messages written to the store
	State   State   `json:"state"`
}

// Engine runs recovery passes. Passes are serialized; live appends may
// interleave with a pass without harm because both sides are idempotent.
type Engine struct {
	mu       sync.Mutex
	store    Store
	window   *window.Window
	pageSize int
	fsm      *stateless.StateMachine
	observe  func(from, to State, trigger Trigger)
}

// Option configures an Engine.
type Option func(*Engine)

// WithPageSize sets how many durable rows are read per page.
func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithObserver registers a callback for every state transition.
func WithObserver(fn func(from, to State, trigger Trigger)) Option {
	return func(e *Engine) { e.observe = fn }
}

// New builds an engine in the Idle state.
func New(store Store, win *window.Window, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		window:   win,
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(e)
	}

	fsm := stateless.NewStateMachine(StateIdle)
	for _, s := range []State{StateIdle, StateFailed} {
		fsm.Configure(s).
			Permit(TriggerStartup, StateRecovering).
			Permit(TriggerExternalMutation, StateRecovering).
			Permit(TriggerReload, StateRecovering)
	}
	fsm.Configure(StateRecovering).
		Permit(triggerSucceeded, StateMerged).
		Permit(triggerFailed, StateFailed)
	fsm.Configure(StateMerged).
		Permit(triggerSettle, StateIdle)

	fsm.OnTransitioned(func(_ context.Context, t stateless.Transition) {
		from, to, trig := t.Source.(State), t.Destination.(State), t.Trigger.(Trigger)
		logger.L.Debug("recovery transition", "from", from, "to", to, "trigger", trig)
		if e.observe != nil {
			e.observe(from, to, trig)
		}
	})
	e.fsm = fsm
	return e
}

// State returns the current machine state.
func (e *Engine) State() State {
	return e.fsm.MustState().(State)
}

// Recover runs one pass. On a storage failure the machine ends in Failed,
// the window keeps whatever it held and the error is returned for the
// caller to log; it is never fatal.
func (e *Engine) Recover(ctx context.Context, trigger Trigger) (Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := Report{Trigger: trigger}
	if err := e.fsm.FireCtx(ctx, trigger); err != nil {
		report.State = e.State()
		return report, err
	}

	if err := e.reconcile(ctx, &report); err != nil {
		if ferr := e.fsm.FireCtx(ctx, triggerFailed); ferr != nil {
			err = errors.Join(err, ferr)
		}
		report.State = e.State()
		logger.L.Warn("recovery failed; continuing with in-memory conversation",
			"trigger", trigger, "adopted", report.Adopted, "flushed", report.Flushed, "error", err)
		return report, err
	}

	if err := e.fsm.FireCtx(ctx, triggerSucceeded); err != nil {
		return report, err
	}
	if err := e.fsm.FireCtx(ctx, triggerSettle); err != nil {
		return report, err
	}
	report.State = e.State()
	logger.L.Info("recovery complete",
		"trigger", trigger, "durable", report.Durable, "adopted", report.Adopted, "flushed", report.Flushed)
	return report, nil
}

// reconcile adopts durable messages page by page, then flushes window
// messages the store did not return. Memory stays bounded by the window
// plus one page.
func (e *Engine) reconcile(ctx context.Context, report *Report) error {
	inMemory := e.window.Snapshot()
	byHash := make(map[string]history.Message, len(inMemory))
	for _, m := range inMemory {
		byHash[m.ContentHash] = m
	}
	durable := make(map[string]struct{}, len(inMemory))

	for page, err := range e.store.Pages(ctx, history.AllSessions, e.pageSize) {
		if err != nil {
			return err
		}
		report.Durable += len(page)

		adopt := make([]history.Message, 0, len(page))
		for _, m := range page {
			mem, ok := byHash[m.ContentHash]
			if !ok {
				adopt = append(adopt, m)
				continue
			}
			durable[m.ContentHash] = struct{}{}
			if !mem.Durable() {
				e.window.MarkDurable(m.ContentHash, m.ID)
			}
		}
		report.Adopted += e.window.Merge(adopt)
	}

	for _, m := range inMemory {
		if _, ok := durable[m.ContentHash]; ok {
			continue
		}
		res, err := e.store.Insert(ctx, m)
		if err != nil {
			return err
		}
		e.window.MarkDurable(m.ContentHash, res.ID)
		report.Flushed++
	}
	return nil
}
