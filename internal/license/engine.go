// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package license

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultCheckInterval = time.Minute
	DefaultCallTimeout   = 30 * time.Second
)

// Options configures an Engine.
type Options struct {
	Product  Product
	Verifier VerificationService
	Checkout CheckoutService

	// Store and Notifier are optional.
	Store    Store
	Notifier Notifier

	Scheduler Scheduler
	Policy    Policy

	// CheckInterval is how often the engine asks the scheduler whether a
	// verification is due. The scheduler windows bound the network traffic.
	CheckInterval time.Duration
	CallTimeout   time.Duration

	// DeferInitialCheck leaves the first check to the caller. One-shot
	// commands use it to run exactly one cycle.
	DeferInitialCheck bool

	Clock func() time.Time
}

// VerifyResult reports what a verification request did.
type VerifyResult struct {
	Skipped bool    `json:"skipped"`
	Outcome Outcome `json:"outcome,omitempty"`
	State   State   `json:"state"`
}

type replyFunc func(VerifyResult, error)

// Engine reconciles the cached license record with the licensing backend.
//
// Every field below the loop marker is owned by the run goroutine. Other
// goroutines hand closures to the loop through cmds and read State snapshots.
type Engine struct {
	product       Product
	verifier      VerificationService
	checkout      CheckoutService
	store         Store
	notifier      Notifier
	scheduler     Scheduler
	policy        Policy
	checkInterval time.Duration
	callTimeout   time.Duration
	now           func() time.Time

	// loop
	record           Record
	phase            Phase
	productActivated bool
	onTrial          bool
	retryUnverified  bool
	verifying        bool
	refreshing       bool
	retryTimer       *time.Timer
	retryGen         uint64

	snapshot atomic.Pointer[State]
	cmds     chan func()
	done     chan struct{}
	started  atomic.Bool

	// guards Start against Close
	lifecycleMu sync.Mutex
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	deferInitialCheck bool
}

// NewEngine creates an engine in the uninitialized phase. Call Start to begin
// reconciling.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Verifier == nil {
		return nil, errors.New("license engine requires a verification service")
	}
	if opts.Checkout == nil {
		return nil, errors.New("license engine requires a checkout service")
	}

	e := &Engine{
		product:           opts.Product,
		verifier:          opts.Verifier,
		checkout:          opts.Checkout,
		store:             opts.Store,
		notifier:          opts.Notifier,
		scheduler:         opts.Scheduler,
		policy:            opts.Policy,
		checkInterval:     opts.CheckInterval,
		callTimeout:       opts.CallTimeout,
		deferInitialCheck: opts.DeferInitialCheck,
		now:               opts.Clock,
		phase:             PhaseUninitialized,
		retryUnverified:   true,
		cmds:              make(chan func()),
		done:              make(chan struct{}),
	}

	if e.checkInterval <= 0 {
		e.checkInterval = DefaultCheckInterval
	}
	if e.callTimeout <= 0 {
		e.callTimeout = DefaultCallTimeout
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.notifier == nil {
		e.notifier = Notifiers()
	}

	e.storeSnapshot()

	return e, nil
}

// Start loads the stored record, applies the optimistic initial state and
// kicks off the first check unless DeferInitialCheck is set. It returns once
// the loop is running.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	if e.started.Load() {
		return nil
	}

	if e.store != nil {
		rec, err := e.store.LoadRecord(ctx)
		if err != nil {
			log.Error().Err(err).Str("product", e.product.DisplayName()).Msg("Failed to load stored license record, starting empty")
		} else {
			e.record = rec
		}
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.initialize()

	go e.run()

	// published last so Close and submit never see a half started engine
	e.started.Store(true)

	return nil
}

// Close stops the loop, cancels a pending retry and waits for in-flight calls.
// A closed engine cannot be started again.
func (e *Engine) Close() error {
	e.lifecycleMu.Lock()
	if e.closed {
		e.lifecycleMu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started.Load()
	e.lifecycleMu.Unlock()

	if !started {
		return nil
	}

	e.cancel()
	<-e.done
	e.wg.Wait()
	return nil
}

// State returns the latest snapshot. Safe for concurrent use.
func (e *Engine) State() State {
	return *e.snapshot.Load()
}

// Product returns the static product configuration.
func (e *Engine) Product() Product {
	return e.product
}

// Check pulls the latest record from the authority, then verifies if the
// scheduler says so or force is set.
func (e *Engine) Check(ctx context.Context, force bool) (VerifyResult, error) {
	return e.await(ctx, func(reply replyFunc) {
		e.check(force, reply)
	})
}

// Verify runs a verification if one is due or force is set. Concurrent
// requests are rejected with ErrVerificationInFlight.
func (e *Engine) Verify(ctx context.Context, force bool) (VerifyResult, error) {
	return e.await(ctx, func(reply replyFunc) {
		e.verify(force, reply)
	})
}

// EnablePro turns pro features on.
func (e *Engine) EnablePro(ctx context.Context) error {
	return e.call(ctx, func() {
		e.enablePro()
		e.settle()
	})
}

// DisablePro turns pro features off.
func (e *Engine) DisablePro(ctx context.Context) error {
	return e.call(ctx, func() {
		e.disablePro()
		e.settle()
	})
}

// ShowCheckout opens the purchase flow. The outcome is only logged; a
// purchase becomes visible through the next verification.
func (e *Engine) ShowCheckout(ctx context.Context) (CheckoutState, error) {
	e.postEvent(ctx, Event{Kind: EventPrompt, Prompt: PromptCheckout})

	state, err := e.checkout.ShowCheckout(ctx, e.product)
	if err != nil {
		log.Error().Err(err).Str("product", e.product.DisplayName()).Msg("Checkout failed")
		e.postEvent(ctx, Event{Kind: EventCheckout, CheckoutState: CheckoutFailed, Error: err.Error()})
		return CheckoutFailed, err
	}

	logCheckout(e.product, state)
	e.postEvent(ctx, Event{Kind: EventCheckout, CheckoutState: state})

	return state, nil
}

// ShowLicenseActivation opens the activation dialog. A successful activation
// enables pro immediately without waiting for a verification round-trip.
func (e *Engine) ShowLicenseActivation(ctx context.Context, prefill ActivationPrefill) (ActivationStatus, error) {
	e.postEvent(ctx, Event{Kind: EventPrompt, Prompt: PromptActivation})

	status, err := e.checkout.ShowLicenseActivationDialog(ctx, e.product, prefill)
	if err != nil {
		log.Error().Err(err).Str("product", e.product.DisplayName()).Msg("License activation failed")
		e.postEvent(ctx, Event{Kind: EventActivation, ActivationStatus: ActivationFailed, Error: err.Error()})
		return ActivationFailed, err
	}

	if status == ActivationActivated {
		log.Info().Str("product", e.product.DisplayName()).Msg("License activated")
		if err := e.call(ctx, func() {
			e.enablePro()
			e.settle()
			e.refreshRecord()
		}); err != nil {
			return status, err
		}
	} else {
		log.Debug().Str("product", e.product.DisplayName()).Str("status", string(status)).Msg("License activation dialog closed")
	}

	e.postEvent(ctx, Event{Kind: EventActivation, ActivationStatus: status})

	return status, nil
}

func (e *Engine) run() {
	defer close(e.done)
	defer e.stopRetry()

	if !e.deferInitialCheck {
		e.check(false, nil)
	}

	ticker := time.NewTicker(e.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case fn := <-e.cmds:
			fn()
		case <-ticker.C:
			e.verify(false, nil)
		case <-e.ctx.Done():
			return
		}
	}
}

// initialize is the Uninitialized -> Checking transition. A record that is
// already activated enables pro before the first verification so licensed
// users never see the product flicker to disabled.
func (e *Engine) initialize() {
	if e.record.Activated {
		log.Debug().Str("product", e.product.DisplayName()).Msg("Stored record is activated, enabling pro before verification")
		e.productActivated = true
	}
	e.onTrial = TrialActive(e.record, e.now())
	e.phase = PhaseChecking
	e.publish()
}

func (e *Engine) check(force bool, reply replyFunc) {
	if e.refreshing {
		respond(reply, VerifyResult{State: e.State()}, ErrVerificationInFlight)
		return
	}

	e.refreshing = true
	e.phase = PhaseChecking
	e.publish()

	e.spawn(func(ctx context.Context) {
		res, err := e.verifier.Refresh(ctx)
		e.post(func() {
			e.applyRefresh(res, err)
			e.verify(force, reply)
		})
	})
}

// refreshRecord pulls the record without verifying.
func (e *Engine) refreshRecord() {
	if e.refreshing {
		return
	}
	e.refreshing = true

	e.spawn(func(ctx context.Context) {
		res, err := e.verifier.Refresh(ctx)
		e.post(func() {
			e.applyRefresh(res, err)
			e.settle()
		})
	})
}

func (e *Engine) applyRefresh(res *RefreshResult, err error) {
	e.refreshing = false

	if err != nil {
		log.Error().Err(err).Str("product", e.product.DisplayName()).Msg("Error refreshing license from backend")
	}

	if res != nil {
		if len(res.Changed) > 0 {
			log.Info().Str("product", e.product.DisplayName()).Strs("fields", res.Changed).Msg("License record changed after refresh")
		}
		e.mergeRecord(res.Record)
	}

	if TrialActive(e.record, e.now()) || e.record.Activated {
		e.enablePro()
	}
}

func (e *Engine) verify(force bool, reply replyFunc) {
	if e.verifying {
		respond(reply, VerifyResult{State: e.State()}, ErrVerificationInFlight)
		return
	}

	if !force {
		if e.retryTimer != nil || !e.scheduler.Due(e.record.LastVerifyDate, e.productActivated, e.now()) {
			e.settle()
			respond(reply, VerifyResult{Skipped: true, State: e.State()}, nil)
			return
		}
	}

	// a forced verification supersedes a pending retry
	e.stopRetry()

	e.verifying = true
	e.phase = PhaseChecking
	e.publish()

	e.spawn(func(ctx context.Context) {
		state, err := e.verifier.VerifyActivation(ctx)
		e.post(func() {
			res := e.applyVerification(state, err)
			respond(reply, res, nil)
		})
	})
}

func (e *Engine) applyVerification(state VerificationState, err error) VerifyResult {
	e.verifying = false

	d := e.policy.Classify(state, err, e.retryUnverified)
	now := e.now()

	logDecision(e.product, state, err, d)

	if d.Retry {
		e.retryUnverified = false
		e.scheduleRetry(d.RetryAfter)
	}

	switch d.Effect {
	case EffectEnable:
		e.enablePro()
	case EffectDisable:
		e.disablePro()
	case EffectTrial:
		if TrialActive(e.record, now) {
			e.enablePro()
		} else {
			e.disablePro()
		}
	}

	if d.TouchVerifyDate {
		e.touchVerifyDate(now)
	}

	if d.PromptAccess {
		e.promptProductAccess()
	}

	e.onTrial = TrialActive(e.record, e.now())
	e.settle()

	ev := Event{
		Kind:              EventOutcome,
		Outcome:           d.Outcome,
		VerificationState: state,
	}
	if d.Retry {
		ev.RetryAfter = d.RetryAfter
	}
	if d.Err != nil {
		ev.Error = d.Err.Error()
	}
	e.emit(ev)

	return VerifyResult{Outcome: d.Outcome, State: e.State()}
}

func (e *Engine) enablePro() {
	e.productActivated = true
	e.onTrial = TrialActive(e.record, e.now())
	e.publish()
}

func (e *Engine) disablePro() {
	e.productActivated = false
	e.onTrial = TrialActive(e.record, e.now())
	e.publish()
}

// settle moves the engine to an idle phase unless work is still outstanding.
func (e *Engine) settle() {
	switch {
	case e.verifying || e.refreshing:
		e.phase = PhaseChecking
	case e.retryTimer != nil:
		e.phase = PhaseRetryPending
	case e.productActivated:
		e.phase = PhaseIdleEnabled
	default:
		e.phase = PhaseIdleDisabled
	}
	e.publish()
}

func (e *Engine) mergeRecord(rec Record) {
	rec.LastVerifyDate = laterOf(e.record.LastVerifyDate, rec.LastVerifyDate)
	e.record = rec
}

func (e *Engine) touchVerifyDate(now time.Time) {
	if last := e.record.LastVerifyDate; last != nil && !now.After(*last) {
		return
	}

	at := now
	e.record.LastVerifyDate = &at

	if e.store == nil {
		return
	}
	e.spawn(func(ctx context.Context) {
		if err := e.store.SaveVerifyDate(ctx, at); err != nil {
			log.Error().Err(err).Str("product", e.product.DisplayName()).Msg("Failed to persist last verification date")
		}
	})
}

func (e *Engine) promptProductAccess() {
	e.emit(Event{Kind: EventPrompt, Prompt: PromptProductAccess})

	product := e.product
	e.spawn(func(ctx context.Context) {
		if err := e.checkout.ShowProductAccessDialog(ctx, product); err != nil {
			log.Error().Err(err).Str("product", product.DisplayName()).Msg("Failed to show product access dialog")
		}
	})
}

func (e *Engine) scheduleRetry(after time.Duration) {
	e.stopRetry()

	gen := e.retryGen
	e.retryTimer = time.AfterFunc(after, func() {
		e.post(func() {
			if gen != e.retryGen {
				return
			}
			e.retryTimer = nil
			e.verify(true, nil)
		})
	})
}

func (e *Engine) stopRetry() {
	e.retryGen++
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
}

// publish stores a new snapshot and emits a state event when something a
// reader can observe has changed.
func (e *Engine) publish() {
	prev := e.snapshot.Load()
	next := e.storeSnapshot()

	if prev != nil && sameState(*prev, *next) {
		return
	}
	e.emit(Event{Kind: EventState})
}

func (e *Engine) storeSnapshot() *State {
	s := &State{
		Phase:            e.phase,
		ProductActivated: e.productActivated,
		OnTrial:          e.onTrial,
		RetryUnverified:  e.retryUnverified,
		Record:           e.record,
		UpdatedAt:        e.now(),
	}
	e.snapshot.Store(s)
	return s
}

func (e *Engine) emit(ev Event) {
	ev.ProductID = e.product.ProductID
	ev.State = *e.snapshot.Load()
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	e.notifier.Notify(ev)
}

// spawn runs fn off the loop with a bounded context. Only call from the loop.
func (e *Engine) spawn(fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(e.ctx, e.callTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// post hands fn to the loop. It is dropped once the loop has exited.
func (e *Engine) post(fn func()) {
	select {
	case e.cmds <- fn:
	case <-e.done:
	}
}

func (e *Engine) submit(ctx context.Context, fn func()) error {
	if !e.started.Load() {
		return ErrEngineNotStarted
	}
	select {
	case e.cmds <- fn:
		return nil
	case <-e.done:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if err := e.submit(ctx, func() {
		fn()
		close(ran)
	}); err != nil {
		return err
	}

	select {
	case <-ran:
		return nil
	case <-e.done:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

type verifyReply struct {
	res VerifyResult
	err error
}

func (e *Engine) await(ctx context.Context, start func(reply replyFunc)) (VerifyResult, error) {
	ch := make(chan verifyReply, 1)
	reply := func(res VerifyResult, err error) {
		ch <- verifyReply{res: res, err: err}
	}

	if err := e.submit(ctx, func() { start(reply) }); err != nil {
		return VerifyResult{}, err
	}

	select {
	case r := <-ch:
		return r.res, r.err
	case <-e.done:
		return VerifyResult{}, ErrEngineClosed
	case <-ctx.Done():
		return VerifyResult{}, ctx.Err()
	}
}

func (e *Engine) postEvent(ctx context.Context, ev Event) {
	if err := e.submit(ctx, func() { e.emit(ev) }); err != nil {
		log.Debug().Err(err).Str("kind", string(ev.Kind)).Msg("Dropped license event")
	}
}

func respond(reply replyFunc, res VerifyResult, err error) {
	if reply != nil {
		reply(res, err)
	}
}

func logDecision(product Product, state VerificationState, err error, d Decision) {
	switch d.Outcome {
	case OutcomeVerified:
		log.Info().Str("product", product.DisplayName()).Msg("License verified")
	case OutcomeNoActivation:
		log.Info().Str("product", product.DisplayName()).Msg("Product has no activation")
	case OutcomeUnverifiedTransient:
		if d.Retry {
			log.Warn().
				Str("product", product.DisplayName()).
				Dur("retryAfter", d.RetryAfter).
				Msg("License unverified (revoked remotely), retrying for safe measure")
			return
		}
		log.Warn().Str("product", product.DisplayName()).Msg("License unverified (revoked remotely)")
	case OutcomeUnableToVerify:
		log.Error().Err(err).Str("product", product.DisplayName()).Msg("Unable to verify license (network problems)")
	default:
		log.Warn().Err(err).Str("product", product.DisplayName()).Str("state", string(state)).Msg("License verification returned unknown state")
	}
}

func logCheckout(product Product, state CheckoutState) {
	l := log.Info().Str("product", product.DisplayName()).Str("state", string(state))
	switch state {
	case CheckoutAbandoned:
		l.Msg("Checkout abandoned")
	case CheckoutFailed:
		l.Msg("Checkout failed")
	case CheckoutFlagged:
		l.Msg("Checkout flagged")
	case CheckoutPurchased:
		l.Msg("Checkout purchased")
	case CheckoutSlowOrderProcessing:
		l.Msg("Checkout slow processing")
	default:
		l.Msg("Checkout unknown state")
	}
}

func laterOf(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}

func sameState(a, b State) bool {
	return a.Phase == b.Phase &&
		a.ProductActivated == b.ProductActivated &&
		a.OnTrial == b.OnTrial &&
		a.RetryUnverified == b.RetryUnverified &&
		sameRecord(a.Record, b.Record)
}

func sameRecord(a, b Record) bool {
	return a.TrialDaysRemaining == b.TrialDaysRemaining &&
		a.Activated == b.Activated &&
		equalString(a.LicenseCode, b.LicenseCode) &&
		equalTime(a.LicenseExpiryDate, b.LicenseExpiryDate) &&
		equalTime(a.LastVerifyDate, b.LastVerifyDate)
}

func equalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
