package ipmi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jbweber/homelab/director/internal/metrics"
)

// Transport performs one action against a BMC address.
type Transport interface {
	// Name identifies the transport in logs and metrics.
	Name() string

	// Do runs the action. Definitive refusals are returned as
	// *RejectedError; any other error is treated as a timeout.
	Do(ctx context.Context, address string, creds Credentials, action Action) error
}

// Executor runs actions one at a time per device. A second request for a
// device waits for the first to finish.
type Executor struct {
	transport Transport
	timeout   time.Duration
	fallback  Credentials
	logger    *zap.Logger

	mu    sync.Mutex
	locks map[string]*deviceLock
}

type deviceLock struct {
	sem  chan struct{}
	refs int
}

// NewExecutor creates an executor. Each attempt is bounded by timeout.
// When the target's credentials are refused, fallback (typically the
// factory default account) is tried before reporting the rejection.
func NewExecutor(transport Transport, timeout time.Duration, fallback Credentials, logger *zap.Logger) *Executor {
	return &Executor{
		transport: transport,
		timeout:   timeout,
		fallback:  fallback,
		logger:    logger.Named("ipmi"),
		locks:     make(map[string]*deviceLock),
	}
}

// Execute runs action against target and classifies the result.
func (e *Executor) Execute(ctx context.Context, target Target, action Action) Outcome {
	if target.Address == "" {
		return Outcome{Kind: OutcomeTimeout, Err: fmt.Errorf("device %s: %w", target.DeviceUUID, ErrNoAddress)}
	}

	release, err := e.acquire(ctx, target.DeviceUUID)
	if err != nil {
		return Outcome{Kind: OutcomeTimeout, Err: err}
	}
	defer release()

	start := time.Now()
	outcome := e.attempt(ctx, target.Address, target.Credentials, action)
	if outcome.Kind == OutcomeRejected && outcome.Reason == ReasonAuth &&
		e.fallback.Username != "" && e.fallback != target.Credentials {
		e.logger.Debug("credentials refused, trying fallback account",
			zap.String("uuid", target.DeviceUUID),
			zap.String("address", target.Address),
		)
		outcome = e.attempt(ctx, target.Address, e.fallback, action)
	}

	name := e.transport.Name()
	metrics.IPMIActionDuration.WithLabelValues(name, action.Kind.String()).Observe(time.Since(start).Seconds())
	metrics.IPMIActionsTotal.WithLabelValues(name, action.Kind.String(), outcome.Kind.String()).Inc()

	fields := []zap.Field{
		zap.String("uuid", target.DeviceUUID),
		zap.String("address", target.Address),
		zap.Stringer("action", action),
		zap.Stringer("outcome", outcome.Kind),
	}
	if outcome.Err != nil {
		fields = append(fields, zap.Error(outcome.Err))
	}
	e.logger.Debug("ipmi action finished", fields...)
	return outcome
}

func (e *Executor) attempt(ctx context.Context, address string, creds Credentials, action Action) Outcome {
	attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return Classify(e.transport.Do(attemptCtx, address, creds, action))
}

// acquire blocks until the device's slot is free.
func (e *Executor) acquire(ctx context.Context, uuid string) (func(), error) {
	e.mu.Lock()
	l, ok := e.locks[uuid]
	if !ok {
		l = &deviceLock{sem: make(chan struct{}, 1)}
		e.locks[uuid] = l
	}
	l.refs++
	e.mu.Unlock()

	unref := func() {
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, uuid)
		}
		e.mu.Unlock()
	}

	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			unref()
		}, nil
	case <-ctx.Done():
		unref()
		return nil, ctx.Err()
	}
}
