package ipmi

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type call struct {
	address string
	creds   Credentials
	action  Action
}

type fakeTransport struct {
	mu    sync.Mutex
	calls []call
	do    func(ctx context.Context, creds Credentials, action Action) error
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Do(ctx context.Context, address string, creds Credentials, action Action) error {
	f.mu.Lock()
	f.calls = append(f.calls, call{address: address, creds: creds, action: action})
	f.mu.Unlock()
	if f.do == nil {
		return nil
	}
	return f.do(ctx, creds, action)
}

var (
	configured = Credentials{Username: "director", Password: "s3cret"}
	factory    = Credentials{Username: "ADMIN", Password: "ADMIN"}
	target     = Target{DeviceUUID: "u1", Address: "10.0.0.5", Credentials: configured}
)

func TestExecute_Success(t *testing.T) {
	tr := &fakeTransport{}
	e := NewExecutor(tr, time.Second, factory, zap.NewNop())

	out := e.Execute(context.Background(), target, Action{Kind: ActionReset})
	assert.Equal(t, OutcomeSuccess, out.Kind)
	require.Len(t, tr.calls, 1)
	assert.Equal(t, "10.0.0.5", tr.calls[0].address)
	assert.Equal(t, configured, tr.calls[0].creds)
}

func TestExecute_NoAddress(t *testing.T) {
	tr := &fakeTransport{}
	e := NewExecutor(tr, time.Second, factory, zap.NewNop())

	out := e.Execute(context.Background(), Target{DeviceUUID: "u1"}, Action{Kind: ActionReset})
	assert.Equal(t, OutcomeTimeout, out.Kind)
	assert.ErrorIs(t, out.Err, ErrNoAddress)
	assert.Empty(t, tr.calls)
}

func TestExecute_FallbackCredentials(t *testing.T) {
	tr := &fakeTransport{do: func(_ context.Context, creds Credentials, _ Action) error {
		if creds == factory {
			return nil
		}
		return errors.New("Error: Unable to establish IPMI v2 / RMCP+ session: RAKP 2 HMAC is invalid")
	}}
	e := NewExecutor(tr, time.Second, factory, zap.NewNop())

	out := e.Execute(context.Background(), target, Action{Kind: ActionSetCredentials, Credentials: configured})
	assert.Equal(t, OutcomeSuccess, out.Kind)
	require.Len(t, tr.calls, 2)
	assert.Equal(t, factory, tr.calls[1].creds)
}

func TestExecute_Rejected(t *testing.T) {
	tr := &fakeTransport{do: func(context.Context, Credentials, Action) error {
		return Rejected(ReasonAuth, errors.New("bad password"))
	}}
	e := NewExecutor(tr, time.Second, factory, zap.NewNop())

	out := e.Execute(context.Background(), target, Action{Kind: ActionReset})
	assert.Equal(t, OutcomeRejected, out.Kind)
	assert.Equal(t, ReasonAuth, out.Reason)
	assert.Len(t, tr.calls, 2)
}

func TestExecute_Timeout(t *testing.T) {
	tr := &fakeTransport{do: func(ctx context.Context, _ Credentials, _ Action) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	e := NewExecutor(tr, 10*time.Millisecond, factory, zap.NewNop())

	out := e.Execute(context.Background(), target, Action{Kind: ActionSetNetwork})
	assert.Equal(t, OutcomeTimeout, out.Kind)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
	assert.Len(t, tr.calls, 1)
}

func TestExecute_SerializesPerDevice(t *testing.T) {
	var inFlight, maxInFlight int32
	tr := &fakeTransport{do: func(context.Context, Credentials, Action) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	}}
	e := NewExecutor(tr, time.Second, factory, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := e.Execute(context.Background(), target, Action{Kind: ActionReset})
			assert.Equal(t, OutcomeSuccess, out.Kind)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
	assert.Len(t, tr.calls, 5)
	e.mu.Lock()
	assert.Empty(t, e.locks)
	e.mu.Unlock()
}

func TestExecute_QueuedRequestHonoursContext(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	tr := &fakeTransport{do: func(context.Context, Credentials, Action) error {
		close(started)
		<-release
		return nil
	}}
	e := NewExecutor(tr, time.Second, factory, zap.NewNop())

	done := make(chan Outcome)
	go func() { done <- e.Execute(context.Background(), target, Action{Kind: ActionReset}) }()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := e.Execute(ctx, target, Action{Kind: ActionReset})
	assert.Equal(t, OutcomeTimeout, out.Kind)
	assert.ErrorIs(t, out.Err, context.Canceled)

	close(release)
	assert.Equal(t, OutcomeSuccess, (<-done).Kind)
}
