/*Package devicemgmt is the device management client.

A Manager offers three operations on a single device of the registry:

  - UpdateDesiredProperty sets one desired property in the device twin. It reads the twin
    first and writes with the etag it read, so a concurrent modification between the two
    calls fails with iot.ErrTwinConflict. There is no retry.
  - InvokeDirectMethod calls a direct method on the device and waits for its answer, at
    most for the method timeout.
  - GetDeviceData reads the twin once and returns it as four JSON views.

All errors wrap one of the categories of package iot, so callers decide how to present them.

	manager := devicemgmt.New(os.Getenv("IOTHUB_CONNECTION_STRING"))
	err := manager.UpdateDesiredProperty(ctx, "dev-1", "color", `"red"`)
	if errors.Is(err, iot.ErrTwinConflict) {
		...
	}
*/
package devicemgmt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/dmtools/core/logger"
	"github.com/relabs-tech/dmtools/iot"
	"github.com/relabs-tech/dmtools/iot/iothub"
	"github.com/relabs-tech/dmtools/iot/registry"
	"github.com/relabs-tech/dmtools/iot/twin"
)

const (
	// DirectMethodSuccessCode is the status of a successful invocation without a device status
	DirectMethodSuccessCode = 0
	// DirectMethodFailureCode is the status of an invocation that did not get an answer from the device
	DirectMethodFailureCode = -1

	// DefaultMethodTimeout is how long InvokeDirectMethod waits for the device
	DefaultMethodTimeout = 30 * time.Second
)

// deadlineMargin is added to the method timeout for the local deadline, so that the
// registry can answer with its own timeout error first
var deadlineMargin = 10 * time.Second

// MethodReturnValue is the result of a direct method invocation.
//
// Status is the status code of the device, or DirectMethodFailureCode. Payload is the JSON
// answer of the device, or the error message on failure.
type MethodReturnValue struct {
	Status  int    `json:"status"`
	Payload string `json:"payload"`
}

// Manager is the device management client. It is safe for concurrent use.
type Manager struct {
	service        registry.Service
	methodTimeout  time.Duration
	connectTimeout time.Duration
	hubOptions     []iothub.Option
}

// Option configures a Manager
type Option func(*Manager)

// WithMethodTimeout overrides DefaultMethodTimeout
func WithMethodTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.methodTimeout = timeout
		}
	}
}

// WithConnectTimeout lets the registry wait up to timeout for a disconnected device to
// connect before invoking a method. The default is zero, a disconnected device fails immediately.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(m *Manager) { m.connectTimeout = timeout }
}

// WithHubOptions passes options to the IoT Hub client created by New. It has no effect with
// NewWithService.
func WithHubOptions(opts ...iothub.Option) Option {
	return func(m *Manager) { m.hubOptions = append(m.hubOptions, opts...) }
}

// New returns a manager for the IoT Hub with the given service connection string. The connection
// string is not validated here, a malformed one fails the first operation with iot.ErrMalformedRequest.
func New(connectionString string, opts ...Option) *Manager {
	m := newManager(opts)
	m.service = iothub.New(connectionString, m.hubOptions...)
	return m
}

// NewWithService returns a manager for any registry
func NewWithService(service registry.Service, opts ...Option) *Manager {
	m := newManager(opts)
	m.service = service
	return m
}

func newManager(opts []Option) *Manager {
	m := &Manager{methodTimeout: DefaultMethodTimeout}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MethodTimeout returns the timeout of direct method invocations
func (m *Manager) MethodTimeout() time.Duration {
	return m.methodTimeout
}

func validDeviceID(deviceID string) error {
	if strings.TrimSpace(deviceID) == "" {
		return fmt.Errorf("empty device id: %w", iot.ErrMalformedRequest)
	}
	return nil
}

// UpdateDesiredProperty sets the desired property name of deviceID to value. See
// twin.NewDesiredPatch for the accepted values; a string is a JSON fragment, so the string
// red is passed as `"red"`.
func (m *Manager) UpdateDesiredProperty(ctx context.Context, deviceID, name string, value interface{}) error {
	ctx, rlog := logger.ContextWithDevice(ctx, deviceID, "update desired property")

	if err := validDeviceID(deviceID); err != nil {
		return err
	}
	patch, err := twin.NewDesiredPatch(name, value)
	if err != nil {
		return err
	}
	rlog.Debugf("patch %s", patch.Document())

	current, err := m.service.GetTwin(ctx, deviceID)
	if err != nil {
		rlog.WithError(err).Errorln("cannot read twin")
		return err
	}

	_, err = m.service.UpdateTwin(ctx, deviceID, patch, current.ETag)
	if err != nil {
		rlog.WithError(err).Errorln("cannot update twin")
		return err
	}
	rlog.Infof("desired property %s updated", name)
	return nil
}

// InvokeDirectMethod calls method on deviceID with payloadJSON, which must be empty or valid JSON.
//
// On failure the returned value has status DirectMethodFailureCode and the error message as
// payload, and the error tells why: iot.ErrDeviceUnreachable if the device did not answer in time
// or is not connected, iot.ErrRemoteUnavailable if the registry could not be reached, and so on.
func (m *Manager) InvokeDirectMethod(ctx context.Context, deviceID, method, payloadJSON string) (MethodReturnValue, error) {
	ctx, rlog := logger.ContextWithDevice(ctx, deviceID, "invoke direct method")

	value, err := m.invokeDirectMethod(ctx, deviceID, method, payloadJSON)
	if err != nil {
		rlog.WithError(err).Errorf("direct method %s failed", method)
		return MethodReturnValue{Status: DirectMethodFailureCode, Payload: err.Error()}, err
	}
	rlog.Infof("direct method %s returned %d", method, value.Status)
	return value, nil
}

func (m *Manager) invokeDirectMethod(ctx context.Context, deviceID, method, payloadJSON string) (MethodReturnValue, error) {
	if err := validDeviceID(deviceID); err != nil {
		return MethodReturnValue{}, err
	}
	if method == "" {
		return MethodReturnValue{}, fmt.Errorf("empty method name: %w", iot.ErrMalformedRequest)
	}
	payload := json.RawMessage("null")
	if strings.TrimSpace(payloadJSON) != "" {
		if !json.Valid([]byte(payloadJSON)) {
			return MethodReturnValue{}, fmt.Errorf("payload of method %s is not valid JSON: %w", method, iot.ErrMalformedRequest)
		}
		payload = json.RawMessage(payloadJSON)
	}

	ctx, cancel := context.WithTimeout(ctx, m.methodTimeout+m.connectTimeout+deadlineMargin)
	defer cancel()

	result, err := m.service.InvokeMethod(ctx, deviceID, registry.MethodCall{
		Name:            method,
		Payload:         payload,
		ResponseTimeout: m.methodTimeout,
		ConnectTimeout:  m.connectTimeout,
	})
	if err != nil {
		return MethodReturnValue{}, err
	}

	value := MethodReturnValue{Status: result.Status, Payload: string(result.Payload)}
	if len(result.Payload) == 0 {
		value.Payload = "null"
	}
	return value, nil
}

// GetDeviceData reads the twin of deviceID once. On error it returns the zero snapshot.
func (m *Manager) GetDeviceData(ctx context.Context, deviceID string) (twin.Snapshot, error) {
	ctx, rlog := logger.ContextWithDevice(ctx, deviceID, "get device data")

	if err := validDeviceID(deviceID); err != nil {
		return twin.Snapshot{}, err
	}
	t, err := m.service.GetTwin(ctx, deviceID)
	if err != nil {
		rlog.WithError(err).Errorln("cannot read twin")
		return twin.Snapshot{}, err
	}
	return twin.NewSnapshot(t), nil
}
