package gateway

import (
	"context"

	"github.com/loykin/bridgectl/pkg/client"
)

// Gateway is the remote control API as seen by the lifecycle engine.
// Failures carry a client.ErrorKind; timeouts are enforced by the implementation.
type Gateway interface {
	Start(ctx context.Context, typ, configID string) error
	// StopInstance returns an error of kind client.KindNotSupported when the
	// service cannot stop a single instance.
	StopInstance(ctx context.Context, typ, configID string) error
	StopAll(ctx context.Context) error
	EmergencyStopAll(ctx context.Context) error
	QueryStatus(ctx context.Context) (client.StatusSnapshot, error)
}

var _ Gateway = (*client.Client)(nil)
