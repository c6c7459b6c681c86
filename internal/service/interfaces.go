package service

import "context"

// DeviceFlow is what the HTTP layer depends on.
type DeviceFlow interface {
	StartSession(ctx context.Context) (*StartResult, error)
	PollStatus(ctx context.Context, deviceCode string) (*PollResult, error)
	CompleteSession(ctx context.Context, req CompleteRequest) error
}

var _ DeviceFlow = (*DeviceFlowService)(nil)
