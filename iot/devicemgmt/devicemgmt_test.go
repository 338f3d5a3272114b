package devicemgmt

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/dmtools/iot"
	"github.com/relabs-tech/dmtools/iot/hubsim"
	"github.com/relabs-tech/dmtools/iot/iothub"
	"github.com/relabs-tech/dmtools/iot/registry"
	"github.com/relabs-tech/dmtools/iot/twin"
)

var testConnectionString = "HostName=hub.azure-devices.net;SharedAccessKeyName=service;SharedAccessKey=" +
	base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

// fakeService records the calls made to it
type fakeService struct {
	mu    sync.Mutex
	calls []string

	twin       *twin.Twin
	getErr     error
	updateErr  error
	patch      *twin.Patch
	patchETag  string
	result     *registry.MethodResult
	methodErr  error
	methodCall registry.MethodCall
	block      bool
}

func (f *fakeService) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeService) GetTwin(ctx context.Context, deviceID string) (*twin.Twin, error) {
	f.record("get")
	return f.twin, f.getErr
}

func (f *fakeService) UpdateTwin(ctx context.Context, deviceID string, patch *twin.Patch, etag string) (*twin.Twin, error) {
	f.record("update")
	f.patch = patch
	f.patchETag = etag
	return f.twin, f.updateErr
}

func (f *fakeService) InvokeMethod(ctx context.Context, deviceID string, call registry.MethodCall) (*registry.MethodResult, error) {
	f.record("invoke")
	f.methodCall = call
	if f.block {
		<-ctx.Done()
		return nil, &iot.RemoteError{Op: "invoke method " + call.Name, DeviceID: deviceID, Kind: iot.ErrDeviceUnreachable, Err: ctx.Err()}
	}
	return f.result, f.methodErr
}

func TestUpdateDesiredProperty_ReadsBeforeWrite(t *testing.T) {
	service := &fakeService{twin: &twin.Twin{DeviceID: "dev-1", ETag: "abc"}}
	m := NewWithService(service)

	err := m.UpdateDesiredProperty(context.Background(), "dev-1", "color", `"red"`)
	require.NoError(t, err)

	assert.Equal(t, []string{"get", "update"}, service.calls)
	assert.Equal(t, "abc", service.patchETag)
	assert.JSONEq(t, `{"properties":{"color":"red"}}`, string(service.patch.Document()))
}

func TestUpdateDesiredProperty_Malformed(t *testing.T) {
	service := &fakeService{twin: &twin.Twin{DeviceID: "dev-1", ETag: "abc"}}
	m := NewWithService(service)
	ctx := context.Background()

	assert.ErrorIs(t, m.UpdateDesiredProperty(ctx, "dev-1", "color", "red"), iot.ErrMalformedRequest)
	assert.ErrorIs(t, m.UpdateDesiredProperty(ctx, "dev-1", "", `"red"`), iot.ErrMalformedRequest)
	assert.ErrorIs(t, m.UpdateDesiredProperty(ctx, " ", "color", `"red"`), iot.ErrMalformedRequest)
	assert.Empty(t, service.calls)
}

func TestUpdateDesiredProperty_ReadFails(t *testing.T) {
	service := &fakeService{getErr: &iot.RemoteError{Op: "get twin", DeviceID: "dev-1", Kind: iot.ErrRemoteUnavailable}}
	m := NewWithService(service)

	err := m.UpdateDesiredProperty(context.Background(), "dev-1", "color", 1)
	assert.ErrorIs(t, err, iot.ErrRemoteUnavailable)
	assert.Equal(t, []string{"get"}, service.calls)
}

func TestUpdateDesiredProperty_Conflict(t *testing.T) {
	service := &fakeService{
		twin:      &twin.Twin{DeviceID: "dev-1", ETag: "abc"},
		updateErr: &iot.RemoteError{Op: "update twin", DeviceID: "dev-1", StatusCode: 412, Kind: iot.ErrTwinConflict},
	}
	m := NewWithService(service)

	err := m.UpdateDesiredProperty(context.Background(), "dev-1", "color", `"red"`)
	assert.ErrorIs(t, err, iot.ErrTwinConflict)
	assert.Equal(t, []string{"get", "update"}, service.calls)
}

func TestUpdateDesiredProperty_Simulated(t *testing.T) {
	hub := hubsim.New()
	hub.AddDevice("dev-1", nil)
	hub.SetETag("dev-1", "abc")
	m := New(testConnectionString, WithHubOptions(iothub.WithRouter(hub.Router())))

	require.NoError(t, m.UpdateDesiredProperty(context.Background(), "dev-1", "color", `"red"`))

	patches := hub.Patches("dev-1")
	require.Len(t, patches, 1)
	assert.Equal(t, `"abc"`, patches[0].IfMatch)
	tw, _ := hub.Twin("dev-1")
	assert.Equal(t, "red", tw.Desired()["color"])

	// a stale write is rejected and not retried
	patch, err := twin.NewDesiredPatch("color", `"blue"`)
	require.NoError(t, err)
	_, err = iothub.New(testConnectionString, iothub.WithRouter(hub.Router())).UpdateTwin(context.Background(), "dev-1", patch, "abc")
	assert.ErrorIs(t, err, iot.ErrTwinConflict)
	assert.Len(t, hub.Patches("dev-1"), 2)
}

// readBarrier lets concurrent writers read the twin before any of them updates it
type readBarrier struct {
	registry.Service
	read *sync.WaitGroup
}

func (b *readBarrier) GetTwin(ctx context.Context, deviceID string) (*twin.Twin, error) {
	t, err := b.Service.GetTwin(ctx, deviceID)
	b.read.Done()
	b.read.Wait()
	return t, err
}

func TestUpdateDesiredProperty_ConcurrentWriters(t *testing.T) {
	hub := hubsim.New()
	hub.AddDevice("dev-1", nil)
	read := &sync.WaitGroup{}
	read.Add(2)
	service := &readBarrier{
		Service: iothub.New(testConnectionString, iothub.WithRouter(hub.Router())),
		read:    read,
	}
	m := NewWithService(service)

	values := []string{`"red"`, `"blue"`}
	errs := make([]error, len(values))
	var wg sync.WaitGroup
	for i, value := range values {
		wg.Add(1)
		go func(i int, value string) {
			defer wg.Done()
			errs[i] = m.UpdateDesiredProperty(context.Background(), "dev-1", "color", value)
		}(i, value)
	}
	wg.Wait()

	succeeded, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, iot.ErrTwinConflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, conflicts)

	patches := hub.Patches("dev-1")
	require.Len(t, patches, 2)
	assert.Equal(t, patches[0].IfMatch, patches[1].IfMatch)

	tw, _ := hub.Twin("dev-1")
	winner := "red"
	if errs[0] != nil {
		winner = "blue"
	}
	assert.Equal(t, winner, tw.Desired()["color"])
}

func TestInvokeDirectMethod(t *testing.T) {
	service := &fakeService{result: &registry.MethodResult{Status: 200, Payload: json.RawMessage(`{"ok":true}`)}}
	m := NewWithService(service)

	value, err := m.InvokeDirectMethod(context.Background(), "dev-1", "reboot", `{"delay": 5}`)
	require.NoError(t, err)
	assert.Equal(t, 200, value.Status)
	assert.JSONEq(t, `{"ok":true}`, value.Payload)

	assert.Equal(t, "reboot", service.methodCall.Name)
	assert.Equal(t, DefaultMethodTimeout, service.methodCall.ResponseTimeout)
	assert.JSONEq(t, `{"delay": 5}`, string(service.methodCall.Payload))

	_, err = m.InvokeDirectMethod(context.Background(), "dev-1", "reboot", "")
	require.NoError(t, err)
	assert.Equal(t, "null", string(service.methodCall.Payload))
}

func TestInvokeDirectMethod_Malformed(t *testing.T) {
	service := &fakeService{}
	m := NewWithService(service)
	ctx := context.Background()

	value, err := m.InvokeDirectMethod(ctx, "dev-1", "reboot", `{"delay":`)
	assert.ErrorIs(t, err, iot.ErrMalformedRequest)
	assert.Equal(t, DirectMethodFailureCode, value.Status)
	assert.Equal(t, err.Error(), value.Payload)

	_, err = m.InvokeDirectMethod(ctx, "dev-1", "", "")
	assert.ErrorIs(t, err, iot.ErrMalformedRequest)
	assert.Empty(t, service.calls)
}

func TestInvokeDirectMethod_Failure(t *testing.T) {
	remote := &iot.RemoteError{Op: "invoke method reboot", DeviceID: "dev-1", StatusCode: 404, Code: "404103", Kind: iot.ErrDeviceUnreachable}
	m := NewWithService(&fakeService{methodErr: remote})

	value, err := m.InvokeDirectMethod(context.Background(), "dev-1", "reboot", "")
	assert.ErrorIs(t, err, iot.ErrDeviceUnreachable)
	assert.True(t, errors.Is(err, remote))
	assert.Equal(t, DirectMethodFailureCode, value.Status)
	assert.Equal(t, remote.Error(), value.Payload)
}

func TestInvokeDirectMethod_Deadline(t *testing.T) {
	margin := deadlineMargin
	deadlineMargin = 50 * time.Millisecond
	defer func() { deadlineMargin = margin }()

	m := NewWithService(&fakeService{block: true}, WithMethodTimeout(50*time.Millisecond))

	start := time.Now()
	value, err := m.InvokeDirectMethod(context.Background(), "dev-1", "reboot", "")
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.ErrorIs(t, err, iot.ErrDeviceUnreachable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, DirectMethodFailureCode, value.Status)
}

func TestInvokeDirectMethod_Simulated(t *testing.T) {
	hub := hubsim.New()
	hub.AddDevice("dev-1", nil)
	m := New(testConnectionString, WithHubOptions(iothub.WithRouter(hub.Router())), WithMethodTimeout(time.Second))
	ctx := context.Background()

	value, err := m.InvokeDirectMethod(ctx, "dev-1", "reboot", "")
	assert.ErrorIs(t, err, iot.ErrDeviceUnreachable)
	assert.Equal(t, DirectMethodFailureCode, value.Status)

	hub.HandleMethod("dev-1", "reboot", func(ctx context.Context, payload json.RawMessage) (int, json.RawMessage) {
		return 200, json.RawMessage(`{"rebooting":true}`)
	})
	value, err = m.InvokeDirectMethod(ctx, "dev-1", "reboot", "")
	require.NoError(t, err)
	assert.Equal(t, 200, value.Status)
	assert.JSONEq(t, `{"rebooting":true}`, value.Payload)
}

func TestGetDeviceData(t *testing.T) {
	service := &fakeService{twin: &twin.Twin{
		DeviceID: "dev-1",
		ETag:     "abc",
		Tags:     map[string]interface{}{"building": "43"},
		Properties: &twin.Properties{
			Reported: map[string]interface{}{"temperature": 21.5},
		},
	}}
	m := NewWithService(service)

	data, err := m.GetDeviceData(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"get"}, service.calls)
	assert.JSONEq(t, `{"building":"43"}`, data.Tags)
	assert.JSONEq(t, `{"temperature":21.5}`, data.Reported)
	assert.Equal(t, "{}", data.Desired)
	assert.Contains(t, data.Device, `"dev-1"`)
}

func TestGetDeviceData_Failure(t *testing.T) {
	m := NewWithService(&fakeService{getErr: &iot.RemoteError{Op: "get twin", DeviceID: "dev-1", Kind: iot.ErrDeviceNotFound}})

	data, err := m.GetDeviceData(context.Background(), "dev-1")
	assert.ErrorIs(t, err, iot.ErrDeviceNotFound)
	assert.Equal(t, twin.Snapshot{}, data)
}

func TestNew_MalformedConnectionString(t *testing.T) {
	m := New("garbage")

	_, err := m.GetDeviceData(context.Background(), "dev-1")
	assert.ErrorIs(t, err, iot.ErrMalformedRequest)

	value, err := m.InvokeDirectMethod(context.Background(), "dev-1", "reboot", "")
	assert.ErrorIs(t, err, iot.ErrMalformedRequest)
	assert.Equal(t, DirectMethodFailureCode, value.Status)
}

const registryTwin = `{
  "deviceId": "dev-1",
  "etag": "AAAAAAAAAAE=",
  "deviceEtag": "NzQ1NTQzNjI3",
  "status": "enabled",
  "statusUpdateTime": "0001-01-01T00:00:00Z",
  "connectionState": "Disconnected",
  "lastActivityTime": "2024-03-01T10:00:00.0000000Z",
  "cloudToDeviceMessageCount": 0,
  "authenticationType": "selfSigned",
  "x509Thumbprint": {"primaryThumbprint": "AB12", "secondaryThumbprint": "CD34"},
  "modelId": "dtmi:example:thermostat;1",
  "deviceScope": "ms-azure-iot-edge://edge-1",
  "capabilities": {"iotEdge": false},
  "version": 7,
  "tags": {"building": "43", "serial": 12345678901234567890},
  "properties": {
    "desired": {"color": "red", "$version": 3},
    "reported": {"counter": 9007199254740993, "ratio": 0.1, "$version": 4}
  }
}`

func TestGetDeviceData_FullDocument(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(registryTwin))
	}))
	defer server.Close()

	m := New(testConnectionString, WithHubOptions(iothub.WithURL(server.URL)))
	data, err := m.GetDeviceData(context.Background(), "dev-1")
	require.NoError(t, err)

	assert.JSONEq(t, registryTwin, data.Device)
	for _, field := range []string{"authenticationType", "x509Thumbprint", "capabilities", "modelId", "deviceScope", "cloudToDeviceMessageCount"} {
		assert.Contains(t, data.Device, `"`+field+`"`)
	}
	assert.Contains(t, data.Device, "9007199254740993")
	assert.Contains(t, data.Reported, "9007199254740993")
	assert.Contains(t, data.Tags, "12345678901234567890")
	assert.JSONEq(t, `{"color": "red", "$version": 3}`, data.Desired)
}
