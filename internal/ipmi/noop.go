package ipmi

import (
	"context"

	"go.uber.org/zap"
)

// NoopTransport accepts every action without contacting a BMC.
type NoopTransport struct {
	logger *zap.Logger
}

// NewNoopTransport creates a transport for labs without BMCs.
func NewNoopTransport(logger *zap.Logger) *NoopTransport {
	return &NoopTransport{logger: logger}
}

func (t *NoopTransport) Name() string { return "noop" }

func (t *NoopTransport) Do(_ context.Context, address string, _ Credentials, action Action) error {
	t.logger.Info("skipping ipmi action", zap.String("address", address), zap.Stringer("action", action))
	return nil
}
