package coordinator

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"checkout-service/config"
	"checkout-service/internal/client"
	"checkout-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mu          sync.Mutex
	initErr     error
	verifyGate  chan struct{}
	verifyRes   *client.FinalizeResult
	verifyErr   error
	verifyCalls int
	verifyRefs  []string
	lookupGate  chan struct{}
	lookupTx    *client.Transaction
	lookupErr   error
	lookups     []client.LookupQuery
}

func (f *fakeAPI) InitializePayment(_ context.Context, reference, _ string, _ models.OrderIntent) (*client.InitializeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return nil, f.initErr
	}
	return &client.InitializeResult{Reference: reference, AuthorizationURL: "https://pay.example.com/" + reference}, nil
}

func (f *fakeAPI) VerifyPayment(_ context.Context, reference, _ string, _ models.OrderIntent) (*client.FinalizeResult, error) {
	f.mu.Lock()
	f.verifyCalls++
	f.verifyRefs = append(f.verifyRefs, reference)
	gate := f.verifyGate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyRes, f.verifyErr
}

func (f *fakeAPI) LookupTransaction(_ context.Context, q client.LookupQuery) (*client.Transaction, error) {
	f.mu.Lock()
	f.lookups = append(f.lookups, q)
	gate := f.lookupGate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookupTx, f.lookupErr
}

func (f *fakeAPI) set(fn func(f *fakeAPI)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeAPI) refs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.verifyRefs...)
}

func (f *fakeAPI) counts() (verifies, lookups int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyCalls, len(f.lookups)
}

type notice struct {
	level   Level
	message string
}

type recorder struct {
	mu        sync.Mutex
	notices   []notice
	cleared   int
	navigated []string
	outcomes  []Outcome
}

func (r *recorder) Notify(level Level, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, notice{level, message})
}

func (r *recorder) ClearCart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleared++
}

func (r *recorder) Navigate(target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.navigated = append(r.navigated, target)
}

func (r *recorder) Settled(outcome Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recorder) hasOutcome(kind OutcomeKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.outcomes {
		if o.Kind == kind {
			return true
		}
	}
	return false
}

func (r *recorder) clearedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cleared
}

func testConfig() config.ClientConfig {
	return config.ClientConfig{
		ReferencePrefix:    "mkt",
		Currency:           "NGN",
		CloseRecheckDelay:  10 * time.Millisecond,
		PollStartDelay:     time.Hour,
		PollInterval:       10 * time.Millisecond,
		MaxPollAttempts:    3,
		ConfirmationTarget: "/orders/confirmation",
	}
}

func testIntent() models.OrderIntent {
	return models.OrderIntent{
		CustomerID: "customer-1",
		SellerID:   "seller-1",
		Items: []models.CartItem{
			{ProductID: "p-1", SellerID: "seller-1", Name: "Kettle", Quantity: 1, UnitPrice: decimal.NewFromInt(100)},
		},
		Total:           decimal.NewFromInt(100),
		DeliveryAddress: models.Address{Line1: "1 Marina", City: "Lagos"},
		CustomerInfo:    models.CustomerInfo{Name: "Ada", Email: "ada@example.com", Phone: "08012345678"},
	}
}

type fixture struct {
	c     *Coordinator
	api   *fakeAPI
	ui    *recorder
	store *MemoryStore
}

func newFixture(t *testing.T, cfg config.ClientConfig) *fixture {
	t.Helper()
	f := &fixture{
		api:   &fakeAPI{verifyRes: &client.FinalizeResult{OrderID: "order-1"}},
		ui:    &recorder{},
		store: NewMemoryStore(),
	}
	f.c = New(f.api, f.store, f.ui, cfg)
	t.Cleanup(f.c.Stop)
	return f
}

func (f *fixture) start(t *testing.T) *Attempt {
	t.Helper()
	attempt, res, err := f.c.Start(context.Background(), testIntent())
	require.NoError(t, err)
	require.NotNil(t, res)
	return attempt
}

func (f *fixture) stored(t *testing.T, id string) *Attempt {
	t.Helper()
	a, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return a
}

func TestStartRejectsInvalidCheckout(t *testing.T) {
	f := newFixture(t, testConfig())
	intent := testIntent()
	intent.Items = nil

	_, _, err := f.c.Start(context.Background(), intent)

	assert.True(t, errors.Is(err, models.ErrInvalidCheckout))
	attempts, _ := f.store.List(context.Background())
	assert.Empty(t, attempts)
	require.Len(t, f.ui.notices, 1)
	assert.Equal(t, LevelError, f.ui.notices[0].level)
}

func TestStartInitializeFailureKeepsFailedAttempt(t *testing.T) {
	f := newFixture(t, testConfig())
	f.api.initErr = errors.New("connection refused")

	attempt, _, err := f.c.Start(context.Background(), testIntent())

	require.Error(t, err)
	assert.Equal(t, StatusFailed, f.stored(t, attempt.ID).Status)
	assert.False(t, f.c.Polling(attempt.ID))
}

func TestSuccessCallbackCompletes(t *testing.T) {
	f := newFixture(t, testConfig())
	attempt := f.start(t)
	assert.True(t, f.c.Polling(attempt.ID))

	outcome := f.c.HandleSuccess(context.Background(), attempt.ID, map[string]string{"trxref": attempt.Reference})

	assert.Equal(t, OutcomeCompleted, outcome.Kind)
	assert.Equal(t, "order-1", outcome.OrderID)
	assert.Equal(t, []string{attempt.Reference}, f.api.verifyRefs)
	assert.Equal(t, 1, f.ui.cleared)
	assert.Equal(t, []string{"/orders/confirmation?order=order-1"}, f.ui.navigated)
	assert.Nil(t, f.stored(t, attempt.ID))
	assert.False(t, f.c.Polling(attempt.ID))
}

func TestAlreadyExistsIsSuccess(t *testing.T) {
	f := newFixture(t, testConfig())
	f.api.verifyRes = &client.FinalizeResult{OrderID: "order-1", AlreadyExists: true}
	attempt := f.start(t)

	outcome := f.c.HandleSuccess(context.Background(), attempt.ID, map[string]string{"reference": attempt.Reference})

	assert.Equal(t, OutcomeCompleted, outcome.Kind)
	assert.True(t, outcome.AlreadyExists)
	assert.Equal(t, 1, f.ui.cleared)
	assert.Contains(t, f.ui.notices, notice{LevelInfo, "Your order was already placed."})
}

func TestCallbackAfterCompletionIsNoop(t *testing.T) {
	f := newFixture(t, testConfig())
	attempt := f.start(t)

	first := f.c.HandleSuccess(context.Background(), attempt.ID, map[string]string{"reference": attempt.Reference})
	second := f.c.HandleSuccess(context.Background(), attempt.ID, map[string]string{"reference": attempt.Reference})

	assert.Equal(t, OutcomeCompleted, first.Kind)
	assert.Equal(t, OutcomeSkipped, second.Kind)
	verifies, _ := f.api.counts()
	assert.Equal(t, 1, verifies)
}

func TestRaceCollapse(t *testing.T) {
	cfg := testConfig()
	cfg.PollStartDelay = 5 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	cfg.MaxPollAttempts = 500
	f := newFixture(t, cfg)

	gate := make(chan struct{})
	f.api.verifyGate = gate
	attempt := f.start(t)

	done := make(chan Outcome, 1)
	go func() {
		done <- f.c.HandleSuccess(context.Background(), attempt.ID, map[string]string{"reference": attempt.Reference})
	}()
	assert.Eventually(t, func() bool {
		verifies, _ := f.api.counts()
		return verifies == 1
	}, 2*time.Second, time.Millisecond)

	// Polling now finds the paid transaction while the callback holds the lock.
	f.api.set(func(f *fakeAPI) {
		f.lookupTx = &client.Transaction{Reference: attempt.Reference, Status: "success", Amount: decimal.NewFromInt(100)}
	})
	_, before := f.api.counts()
	assert.Eventually(t, func() bool {
		_, lookups := f.api.counts()
		return lookups >= before+3
	}, 2*time.Second, 5*time.Millisecond)

	close(gate)
	outcome := <-done
	assert.Equal(t, OutcomeCompleted, outcome.Kind)

	assert.Eventually(t, func() bool { return !f.c.Polling(attempt.ID) }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	verifies, _ := f.api.counts()
	assert.Equal(t, 1, verifies)
	assert.Equal(t, 1, f.ui.clearedCount())
}

func TestCloseWithoutTransactionCancels(t *testing.T) {
	f := newFixture(t, testConfig())
	attempt := f.start(t)

	outcome := f.c.HandleClose(context.Background(), attempt.ID)

	assert.Equal(t, OutcomeCancelled, outcome.Kind)
	assert.Equal(t, StatusCancelled, f.stored(t, attempt.ID).Status)
	assert.False(t, f.c.Polling(attempt.ID))
	verifies, lookups := f.api.counts()
	assert.Equal(t, 0, verifies)
	assert.Equal(t, 1, lookups)
	assert.Equal(t, attempt.Reference, f.api.lookups[0].Reference)
	assert.Equal(t, "ada@example.com", f.api.lookups[0].Email)
}

func TestCloseFindsSuccessfulTransaction(t *testing.T) {
	f := newFixture(t, testConfig())
	attempt := f.start(t)
	f.api.lookupTx = &client.Transaction{Reference: attempt.Reference, Status: "success", Amount: decimal.NewFromInt(100)}

	outcome := f.c.HandleClose(context.Background(), attempt.ID)

	assert.Equal(t, OutcomeCompleted, outcome.Kind)
	assert.Equal(t, ChannelClose, outcome.Channel)
	assert.Nil(t, f.stored(t, attempt.ID))
}

func TestCloseLookupErrorDoesNotCancel(t *testing.T) {
	f := newFixture(t, testConfig())
	attempt := f.start(t)
	f.api.lookupErr = errors.New("timeout")

	outcome := f.c.HandleClose(context.Background(), attempt.ID)

	assert.Equal(t, OutcomeSkipped, outcome.Kind)
	assert.Equal(t, StatusPending, f.stored(t, attempt.ID).Status)
	assert.True(t, f.c.Polling(attempt.ID))
}

func TestPollingExhaustedIsUnknownNotCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.PollStartDelay = 5 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	f := newFixture(t, cfg)
	attempt := f.start(t)

	assert.Eventually(t, func() bool { return f.ui.hasOutcome(OutcomeUnknown) }, 2*time.Second, 5*time.Millisecond)

	_, lookups := f.api.counts()
	assert.Equal(t, 3, lookups)
	assert.Equal(t, StatusPending, f.stored(t, attempt.ID).Status)
	assert.False(t, f.ui.hasOutcome(OutcomeCancelled))
	assert.False(t, f.c.Polling(attempt.ID))
}

func TestStopDuringLastPollIsSilent(t *testing.T) {
	cfg := testConfig()
	cfg.PollStartDelay = 5 * time.Millisecond
	cfg.MaxPollAttempts = 1
	f := newFixture(t, cfg)
	gate := make(chan struct{})
	f.api.lookupGate = gate
	attempt := f.start(t)

	assert.Eventually(t, func() bool {
		_, lookups := f.api.counts()
		return lookups == 1
	}, 2*time.Second, 5*time.Millisecond)
	f.c.Stop()
	close(gate)

	assert.Never(t, func() bool { return f.ui.hasOutcome(OutcomeUnknown) }, 100*time.Millisecond, 5*time.Millisecond)
	f.ui.mu.Lock()
	assert.Empty(t, f.ui.notices)
	f.ui.mu.Unlock()
	assert.Equal(t, StatusPending, f.stored(t, attempt.ID).Status)
}

func TestStaleLoopKeepsNewerPoller(t *testing.T) {
	f := newFixture(t, testConfig())
	attempt := f.start(t)
	require.True(t, f.c.Polling(attempt.ID))

	f.c.exhausted(context.Background(), attempt.ID, &poller{cancel: func() {}})

	assert.True(t, f.c.Polling(attempt.ID))
}

func TestPollingFindsPayment(t *testing.T) {
	cfg := testConfig()
	cfg.PollStartDelay = 5 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	f := newFixture(t, cfg)
	f.api.lookupTx = &client.Transaction{Reference: "mkt_gateway_ref", Status: "success", Amount: decimal.NewFromInt(100)}
	attempt := f.start(t)

	assert.Eventually(t, func() bool { return f.ui.hasOutcome(OutcomeCompleted) }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"mkt_gateway_ref"}, f.api.refs())
	assert.Nil(t, f.stored(t, attempt.ID))
}

func TestVerificationFailures(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantKind    OutcomeKind
		wantStatus  Status
		wantCharged bool
		wantPolling bool
	}{
		{
			name:       "not successful",
			err:        models.NewPaymentError(models.CodePaymentNotSuccessful, "mkt_1_a", false, nil),
			wantKind:   OutcomeNotSuccessful,
			wantStatus: StatusFailed,
		},
		{
			name:        "amount mismatch keeps charged attempt",
			err:         models.NewPaymentError(models.CodeAmountMismatch, "mkt_1_a", true, nil),
			wantKind:    OutcomePendingResolution,
			wantStatus:  StatusFailed,
			wantCharged: true,
		},
		{
			name:        "charged verification error",
			err:         models.NewPaymentError(models.CodeVerificationFailed, "mkt_1_a", true, errors.New("db down")),
			wantKind:    OutcomePendingResolution,
			wantStatus:  StatusFailed,
			wantCharged: true,
		},
		{
			name:        "gateway unreachable after success callback",
			err:         models.NewPaymentError(models.CodeVerificationFailed, "mkt_1_a", false, errors.New("timeout")),
			wantKind:    OutcomePendingResolution,
			wantStatus:  StatusFailed,
			wantCharged: true,
		},
		{
			name:       "rejected request",
			err:        models.NewPaymentError(models.CodeInvalidRequest, "mkt_1_a", false, nil),
			wantKind:   OutcomeFailed,
			wantStatus: StatusFailed,
		},
		{
			name:        "transport failure stays pending",
			err:         errors.New("verify request failed: connection reset"),
			wantKind:    OutcomeUnknown,
			wantStatus:  StatusPending,
			wantPolling: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testConfig())
			f.api.verifyRes = nil
			f.api.verifyErr = tt.err
			attempt := f.start(t)

			outcome := f.c.HandleSuccess(context.Background(), attempt.ID, map[string]string{"reference": attempt.Reference})

			assert.Equal(t, tt.wantKind, outcome.Kind)
			stored := f.stored(t, attempt.ID)
			require.NotNil(t, stored)
			assert.Equal(t, tt.wantStatus, stored.Status)
			assert.Equal(t, tt.wantCharged, stored.Charged)
			assert.NotEmpty(t, stored.LastError)
			assert.Equal(t, 0, f.ui.cleared)
			assert.Equal(t, tt.wantPolling, f.c.Polling(attempt.ID))
		})
	}
}

func TestRetryRetainedAttempt(t *testing.T) {
	f := newFixture(t, testConfig())
	f.api.verifyRes = nil
	f.api.verifyErr = models.NewPaymentError(models.CodeAmountMismatch, "mkt_1_a", true, nil)
	attempt := f.start(t)

	first := f.c.HandleSuccess(context.Background(), attempt.ID, map[string]string{"reference": attempt.Reference})
	require.Equal(t, OutcomePendingResolution, first.Kind)

	f.api.set(func(f *fakeAPI) {
		f.verifyErr = nil
		f.verifyRes = &client.FinalizeResult{OrderID: "order-7"}
	})
	outcome, err := f.c.Retry(context.Background(), attempt.ID)

	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome.Kind)
	assert.Equal(t, ChannelRetry, outcome.Channel)
	assert.Equal(t, "order-7", outcome.OrderID)
	assert.Nil(t, f.stored(t, attempt.ID))

	_, err = f.c.Retry(context.Background(), attempt.ID)
	assert.ErrorIs(t, err, ErrAttemptNotFound)
}

func TestVerificationFailurePendingResolutionNotice(t *testing.T) {
	f := newFixture(t, testConfig())
	f.api.verifyRes = nil
	f.api.verifyErr = models.NewPaymentError(models.CodeVerificationFailed, "mkt_1_a", false, errors.New("timeout"))
	attempt := f.start(t)

	f.c.HandleSuccess(context.Background(), attempt.ID, map[string]string{"reference": attempt.Reference})

	f.ui.mu.Lock()
	defer f.ui.mu.Unlock()
	require.Len(t, f.ui.notices, 1)
	assert.Equal(t, LevelWarning, f.ui.notices[0].level)
	assert.Contains(t, f.ui.notices[0].message, "pending manual resolution")
	assert.Contains(t, f.ui.notices[0].message, attempt.Reference)
}

func TestRetryWithoutPaymentSignalIsNotCharged(t *testing.T) {
	f := newFixture(t, testConfig())
	f.api.verifyRes = nil
	f.api.verifyErr = models.NewPaymentError(models.CodeVerificationFailed, "mkt_1_a", false, errors.New("timeout"))
	attempt := f.start(t)

	outcome, err := f.c.Retry(context.Background(), attempt.ID)

	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome.Kind)
	stored := f.stored(t, attempt.ID)
	require.NotNil(t, stored)
	assert.False(t, stored.Charged)
}

// interleavedStore runs between once, right after the next Get, so a test can slip
// another channel in between a caller's read and its next step.
type interleavedStore struct {
	*MemoryStore
	between func()
}

func (s *interleavedStore) Get(ctx context.Context, id string) (*Attempt, error) {
	a, err := s.MemoryStore.Get(ctx, id)
	if fn := s.between; fn != nil {
		s.between = nil
		fn()
	}
	return a, err
}

func TestRetryDoesNotResurrectCompletedAttempt(t *testing.T) {
	f := newFixture(t, testConfig())
	store := &interleavedStore{MemoryStore: f.store}
	f.c = New(f.api, store, f.ui, testConfig())
	t.Cleanup(f.c.Stop)
	attempt := f.start(t)

	store.between = func() {
		done := f.c.HandleSuccess(context.Background(), attempt.ID, map[string]string{"reference": attempt.Reference})
		require.Equal(t, OutcomeCompleted, done.Kind)
	}

	outcome, err := f.c.Retry(context.Background(), attempt.ID)

	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome.Kind)
	assert.Nil(t, f.stored(t, attempt.ID))
	assert.Equal(t, 1, f.ui.clearedCount())
	verifies, _ := f.api.counts()
	assert.Equal(t, 1, verifies)
}

func TestLock(t *testing.T) {
	l := NewLock()

	assert.True(t, l.TryAcquire("mkt_1_a"))
	assert.False(t, l.TryAcquire("mkt_1_a"))
	assert.True(t, l.TryAcquire("mkt_2_b"))
	assert.True(t, l.Held("mkt_1_a"))

	l.Release("mkt_1_a")
	assert.False(t, l.Held("mkt_1_a"))
	assert.True(t, l.TryAcquire("mkt_1_a"))
}

func TestNewReference(t *testing.T) {
	now := time.UnixMilli(1700000000123)

	a := NewReference("mkt", now)
	b := NewReference("mkt", now)

	assert.Regexp(t, regexp.MustCompile(`^mkt_1700000000123_[0-9a-f]{10}$`), a)
	assert.NotEqual(t, a, b)
}
