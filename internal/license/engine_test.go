// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package license

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type answer struct {
	state VerificationState
	err   error
}

type fakeVerifier struct {
	mu           sync.Mutex
	record       Record
	refreshErr   error
	answers      []answer
	verifyCalls  int
	refreshCalls int
	block        chan struct{}
}

func (f *fakeVerifier) Refresh(ctx context.Context) (*RefreshResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	return &RefreshResult{Record: f.record}, f.refreshErr
}

func (f *fakeVerifier) VerifyActivation(ctx context.Context) (VerificationState, error) {
	f.mu.Lock()
	f.verifyCalls++
	var a answer
	if len(f.answers) > 0 {
		a = f.answers[0]
		if len(f.answers) > 1 {
			f.answers = f.answers[1:]
		}
	} else {
		a = answer{state: VerificationVerified}
	}
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return VerificationUnableToVerify, ctx.Err()
		}
	}
	return a.state, a.err
}

func (f *fakeVerifier) calls() (verify, refresh int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyCalls, f.refreshCalls
}

type fakeCheckout struct {
	accessCalls atomic.Int32
	checkout    CheckoutState
	activation  ActivationStatus
	err         error
}

func (f *fakeCheckout) ShowCheckout(ctx context.Context, product Product) (CheckoutState, error) {
	return f.checkout, f.err
}

func (f *fakeCheckout) ShowLicenseActivationDialog(ctx context.Context, product Product, prefill ActivationPrefill) (ActivationStatus, error) {
	return f.activation, f.err
}

func (f *fakeCheckout) ShowProductAccessDialog(ctx context.Context, product Product) error {
	f.accessCalls.Add(1)
	return nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Notify(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) outcomes() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == EventOutcome {
			out = append(out, ev)
		}
	}
	return out
}

type fakeStore struct {
	mu     sync.Mutex
	record Record
	saved  []time.Time
}

func (s *fakeStore) LoadRecord(ctx context.Context) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record, nil
}

func (s *fakeStore) SaveVerifyDate(ctx context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, at)
	return nil
}

func (s *fakeStore) savedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

var testProduct = Product{
	ProductID:   "prod_123",
	ProductName: "Widget Pro",
	TrialDays:   3,
	TrialType:   TrialTypeTimeLimited,
}

func newTestEngine(t *testing.T, v *fakeVerifier, c *fakeCheckout, mutate func(*Options)) *Engine {
	t.Helper()

	opts := Options{
		Product:       testProduct,
		Verifier:      v,
		Checkout:      c,
		Scheduler:     NewScheduler(false),
		Policy:        Policy{RetryDelay: 20 * time.Millisecond},
		CheckInterval: time.Hour,
		CallTimeout:   5 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}

	e, err := NewEngine(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func waitIdle(t *testing.T, e *Engine) State {
	t.Helper()
	require.Eventually(t, func() bool {
		p := e.State().Phase
		return p == PhaseIdleEnabled || p == PhaseIdleDisabled
	}, 2*time.Second, 5*time.Millisecond)
	return e.State()
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := NewEngine(Options{Checkout: &fakeCheckout{}})
	assert.Error(t, err)

	_, err = NewEngine(Options{Verifier: &fakeVerifier{}})
	assert.Error(t, err)
}

func TestEngineNotStarted(t *testing.T) {
	e := newTestEngine(t, &fakeVerifier{}, &fakeCheckout{}, nil)

	assert.Equal(t, PhaseUninitialized, e.State().Phase)

	_, err := e.Verify(context.Background(), true)
	assert.ErrorIs(t, err, ErrEngineNotStarted)
}

func TestEngineFreshInstallStartsTrial(t *testing.T) {
	v := &fakeVerifier{
		record:  Record{TrialDaysRemaining: 3},
		answers: []answer{{state: VerificationNoActivation}},
	}
	c := &fakeCheckout{}
	e := newTestEngine(t, v, c, nil)

	require.NoError(t, e.Start(context.Background()))

	state := waitIdle(t, e)
	assert.True(t, state.ProductActivated)
	assert.True(t, state.OnTrial)
	assert.Equal(t, PhaseIdleEnabled, state.Phase)
	assert.NotNil(t, state.Record.LastVerifyDate)

	require.Eventually(t, func() bool { return c.accessCalls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEngineExpiredTrialDisables(t *testing.T) {
	v := &fakeVerifier{
		record:  Record{TrialDaysRemaining: 0},
		answers: []answer{{state: VerificationNoActivation}},
	}
	c := &fakeCheckout{}
	e := newTestEngine(t, v, c, nil)

	require.NoError(t, e.Start(context.Background()))

	state := waitIdle(t, e)
	assert.False(t, state.ProductActivated)
	assert.False(t, state.OnTrial)
	assert.Equal(t, PhaseIdleDisabled, state.Phase)
	require.Eventually(t, func() bool { return c.accessCalls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEngineRetriesAmbiguousRevocationOnce(t *testing.T) {
	code := "ABCD-1234"
	v := &fakeVerifier{
		record: Record{LicenseCode: &code, Activated: true},
		answers: []answer{
			{state: VerificationUnverified},
			{state: VerificationVerified},
			{state: VerificationUnverified},
		},
	}
	c := &fakeCheckout{}
	rec := &eventRecorder{}
	e := newTestEngine(t, v, c, func(o *Options) {
		o.Notifier = rec
		o.Store = &fakeStore{record: v.record}
	})

	require.NoError(t, e.Start(context.Background()))

	require.Eventually(t, func() bool {
		calls, _ := v.calls()
		return calls == 2 && e.State().Phase == PhaseIdleEnabled
	}, 2*time.Second, 5*time.Millisecond)

	outcomes := rec.outcomes()
	require.Len(t, outcomes, 2)

	first := outcomes[0]
	assert.Equal(t, OutcomeUnverifiedTransient, first.Outcome)
	assert.Equal(t, 20*time.Millisecond, first.RetryAfter)
	assert.True(t, first.State.ProductActivated, "ambiguous answer must not change state")
	assert.Nil(t, first.State.Record.LastVerifyDate)
	assert.False(t, first.State.RetryUnverified)
	assert.Equal(t, PhaseRetryPending, first.State.Phase)

	second := outcomes[1]
	assert.Equal(t, OutcomeVerified, second.Outcome)
	assert.True(t, second.State.ProductActivated)
	assert.NotNil(t, second.State.Record.LastVerifyDate)

	// the retry budget is spent for the process lifetime
	res, err := e.Verify(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnverifiedTransient, res.Outcome)
	assert.False(t, res.State.ProductActivated)
	assert.Equal(t, PhaseIdleDisabled, res.State.Phase)

	time.Sleep(60 * time.Millisecond)
	calls, _ := v.calls()
	assert.Equal(t, 3, calls)
	require.Eventually(t, func() bool { return c.accessCalls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEngineUnableToVerifyKeepsState(t *testing.T) {
	old := time.Now().Add(-48 * time.Hour)
	code := "ABCD-1234"

	for _, activated := range []bool{true, false} {
		v := &fakeVerifier{
			record:  Record{LicenseCode: &code, Activated: activated, LastVerifyDate: &old},
			answers: []answer{{state: VerificationUnableToVerify, err: errors.New("timeout")}},
		}
		store := &fakeStore{record: v.record}
		e := newTestEngine(t, v, &fakeCheckout{}, func(o *Options) { o.Store = store })

		require.NoError(t, e.Start(context.Background()))

		require.Eventually(t, func() bool {
			calls, _ := v.calls()
			return calls == 1
		}, time.Second, 5*time.Millisecond)

		state := waitIdle(t, e)
		assert.Equal(t, activated, state.ProductActivated)
		require.NotNil(t, state.Record.LastVerifyDate)
		assert.True(t, old.Equal(*state.Record.LastVerifyDate))
		assert.Equal(t, 0, store.savedCount())
		assert.True(t, state.RetryUnverified)
	}
}

func TestEngineSkipsWhenNotDue(t *testing.T) {
	recent := time.Now().Add(-time.Hour)
	code := "ABCD-1234"
	v := &fakeVerifier{record: Record{LicenseCode: &code, Activated: true, LastVerifyDate: &recent}}
	e := newTestEngine(t, v, &fakeCheckout{}, func(o *Options) {
		o.Store = &fakeStore{record: v.record}
	})

	require.NoError(t, e.Start(context.Background()))
	waitIdle(t, e)

	res, err := e.Verify(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.True(t, res.State.ProductActivated)

	calls, refreshes := v.calls()
	assert.Equal(t, 0, calls)
	assert.Equal(t, 1, refreshes)

	res, err = e.Verify(context.Background(), true)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, OutcomeVerified, res.Outcome)
	require.NotNil(t, res.State.Record.LastVerifyDate)
	assert.True(t, res.State.Record.LastVerifyDate.After(recent))
}

func TestEngineRejectsConcurrentVerification(t *testing.T) {
	v := &fakeVerifier{block: make(chan struct{})}
	e := newTestEngine(t, v, &fakeCheckout{}, nil)

	require.NoError(t, e.Start(context.Background()))

	require.Eventually(t, func() bool {
		calls, _ := v.calls()
		return calls == 1
	}, time.Second, 5*time.Millisecond)

	_, err := e.Verify(context.Background(), true)
	assert.ErrorIs(t, err, ErrVerificationInFlight)

	close(v.block)
	state := waitIdle(t, e)
	assert.True(t, state.ProductActivated)
}

func TestEngineCloseCancelsPendingRetry(t *testing.T) {
	v := &fakeVerifier{answers: []answer{{state: VerificationUnverified}}}
	e := newTestEngine(t, v, &fakeCheckout{}, func(o *Options) {
		o.Policy = Policy{RetryDelay: 50 * time.Millisecond}
	})

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool {
		return e.State().Phase == PhaseRetryPending
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, e.Close())
	time.Sleep(100 * time.Millisecond)

	calls, _ := v.calls()
	assert.Equal(t, 1, calls)

	_, err := e.Verify(context.Background(), true)
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestEngineEnableProIdempotent(t *testing.T) {
	v := &fakeVerifier{record: Record{TrialDaysRemaining: 2}}
	e := newTestEngine(t, v, &fakeCheckout{}, nil)
	require.NoError(t, e.Start(context.Background()))
	waitIdle(t, e)

	ctx := context.Background()
	require.NoError(t, e.EnablePro(ctx))
	once := e.State()
	require.NoError(t, e.EnablePro(ctx))
	twice := e.State()

	assert.Equal(t, once.ProductActivated, twice.ProductActivated)
	assert.Equal(t, once.OnTrial, twice.OnTrial)

	require.NoError(t, e.DisablePro(ctx))
	assert.False(t, e.State().ProductActivated)
	assert.Equal(t, PhaseIdleDisabled, e.State().Phase)
}

func TestEngineOptimisticEnable(t *testing.T) {
	code := "ABCD-1234"
	stored := Record{LicenseCode: &code, Activated: true}
	v := &fakeVerifier{record: stored, block: make(chan struct{})}
	rec := &eventRecorder{}
	e := newTestEngine(t, v, &fakeCheckout{}, func(o *Options) {
		o.Store = &fakeStore{record: stored}
		o.Notifier = rec
	})

	require.NoError(t, e.Start(context.Background()))

	state := e.State()
	assert.True(t, state.ProductActivated)
	assert.Equal(t, PhaseChecking, state.Phase)

	close(v.block)
	waitIdle(t, e)
}

func TestEngineActivation(t *testing.T) {
	code := "ABCD-1234"
	v := &fakeVerifier{answers: []answer{{state: VerificationNoActivation}}}
	c := &fakeCheckout{activation: ActivationActivated}
	rec := &eventRecorder{}
	e := newTestEngine(t, v, c, func(o *Options) { o.Notifier = rec })

	require.NoError(t, e.Start(context.Background()))
	state := waitIdle(t, e)
	require.False(t, state.ProductActivated)

	v.mu.Lock()
	v.record = Record{LicenseCode: &code, Activated: true}
	v.mu.Unlock()

	status, err := e.ShowLicenseActivation(context.Background(), ActivationPrefill{Email: "a@b.c"})
	require.NoError(t, err)
	assert.Equal(t, ActivationActivated, status)
	assert.True(t, e.State().ProductActivated)

	require.Eventually(t, func() bool {
		_, refreshes := v.calls()
		return refreshes == 2 && e.State().Record.HasLicenseCode()
	}, time.Second, 5*time.Millisecond)
}

func TestEngineCheckout(t *testing.T) {
	c := &fakeCheckout{checkout: CheckoutPurchased}
	rec := &eventRecorder{}
	e := newTestEngine(t, &fakeVerifier{}, c, func(o *Options) { o.Notifier = rec })
	require.NoError(t, e.Start(context.Background()))
	waitIdle(t, e)

	state, err := e.ShowCheckout(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CheckoutPurchased, state)

	c.err = errors.New("browser unavailable")
	state, err = e.ShowCheckout(context.Background())
	assert.Error(t, err)
	assert.Equal(t, CheckoutFailed, state)

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		n := 0
		for _, ev := range rec.events {
			if ev.Kind == EventCheckout {
				n++
			}
		}
		return n == 2
	}, time.Second, 5*time.Millisecond)
}

func TestEngineVerifyDateIsMonotonic(t *testing.T) {
	future := time.Now().Add(time.Hour)
	code := "ABCD-1234"
	v := &fakeVerifier{record: Record{LicenseCode: &code, Activated: true, LastVerifyDate: &future}}
	store := &fakeStore{}
	e := newTestEngine(t, v, &fakeCheckout{}, func(o *Options) { o.Store = store })

	require.NoError(t, e.Start(context.Background()))
	waitIdle(t, e)

	res, err := e.Verify(context.Background(), true)
	require.NoError(t, err)
	require.NotNil(t, res.State.Record.LastVerifyDate)
	assert.True(t, future.Equal(*res.State.Record.LastVerifyDate))
	assert.Equal(t, 0, store.savedCount())
}

func TestEngineDeferredInitialCheckRunsOnce(t *testing.T) {
	v := &fakeVerifier{record: Record{TrialDaysRemaining: 3}}
	e := newTestEngine(t, v, &fakeCheckout{}, func(o *Options) {
		o.DeferInitialCheck = true
	})

	require.NoError(t, e.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)

	verify, refresh := v.calls()
	assert.Zero(t, verify)
	assert.Zero(t, refresh)

	res, err := e.Check(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeVerified, res.Outcome)

	verify, refresh = v.calls()
	assert.Equal(t, 1, verify)
	assert.Equal(t, 1, refresh)
}

func TestEngineStartCloseRace(t *testing.T) {
	for i := 0; i < 50; i++ {
		e := newTestEngine(t, &fakeVerifier{}, &fakeCheckout{}, nil)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			err := e.Start(context.Background())
			if err != nil {
				assert.ErrorIs(t, err, ErrEngineClosed)
			}
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, e.Close())
		}()
		wg.Wait()

		assert.ErrorIs(t, e.Start(context.Background()), ErrEngineClosed)
	}
}
