// Package registry defines the remote device registry the device management client talks to.
package registry

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/dmtools/iot/twin"
)

// Service is the remote device registry. Every call is one round trip.
type Service interface {
	// GetTwin reads the twin of a device.
	GetTwin(ctx context.Context, deviceID string) (*twin.Twin, error)
	// UpdateTwin applies patch to the twin of a device, provided the twin still has the given etag.
	UpdateTwin(ctx context.Context, deviceID string, patch *twin.Patch, etag string) (*twin.Twin, error)
	// InvokeMethod calls a direct method on a connected device.
	InvokeMethod(ctx context.Context, deviceID string, call MethodCall) (*MethodResult, error)
}

// MethodCall describes a direct method invocation
type MethodCall struct {
	Name string
	// Payload is the JSON payload passed to the device. Empty means null.
	Payload json.RawMessage
	// ResponseTimeout is how long the registry waits for the device to answer.
	ResponseTimeout time.Duration
	// ConnectTimeout is how long the registry waits for a disconnected device to connect.
	ConnectTimeout time.Duration
}

// MethodResult is the answer of a device to a direct method
type MethodResult struct {
	Status  int             `json:"status"`
	Payload json.RawMessage `json:"payload"`
}
