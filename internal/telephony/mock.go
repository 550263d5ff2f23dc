package telephony

import (
	"context"
	"log/slog"
)

// MockDialer stands in for a real provider when Twilio credentials are not
// configured. StartCall and TransferCall log and succeed; no provider
// callbacks will arrive, so calls stay in their initiated state until an
// operator or an inbound webhook moves them.
type MockDialer struct {
	log *slog.Logger
}

func NewMockDialer(log *slog.Logger) *MockDialer {
	return &MockDialer{log: log}
}

func (d *MockDialer) Name() string { return "mock" }

func (d *MockDialer) HealthCheck(ctx context.Context) error { return nil }

func (d *MockDialer) StartCall(ctx context.Context, req StartCallRequest) error {
	d.log.Info("mock dialer: start call",
		slog.String("call_id", req.CallID),
		slog.String("to", req.To))
	return nil
}

func (d *MockDialer) TransferCall(ctx context.Context, req TransferCallRequest) error {
	d.log.Info("mock dialer: transfer call",
		slog.String("call_id", req.CallID),
		slog.String("to", req.To))
	return nil
}
