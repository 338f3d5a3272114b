package hubsim

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startGateway(t *testing.T, h *Hub) (*Gateway, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	g := h.ServeMQTT(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		g.Close(ctx)
	})
	return g, "tcp://" + g.Addr().String()
}

func connectDevice(t *testing.T, g *Gateway, broker, deviceID string) *Device {
	t.Helper()
	d, err := ConnectDevice(broker, deviceID)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.True(t, g.WaitOnline(ctx, deviceID))
	return d
}

func TestGateway_Methods(t *testing.T) {
	h := New()
	h.AddDevice("dev-1", nil)
	g, broker := startGateway(t, h)
	d := connectDevice(t, g, broker, "dev-1")

	d.HandleMethod("echo", func(ctx context.Context, payload json.RawMessage) (int, json.RawMessage) {
		return 200, payload
	})

	tw, ok := h.Twin("dev-1")
	require.True(t, ok)
	assert.Equal(t, "Connected", tw.ConnectionState)

	c := newClient(h)
	var result map[string]json.RawMessage
	status, _, err := c.RawPost("/twins/dev-1/methods", nil,
		[]byte(`{"methodName":"echo","payload":{"x":1},"responseTimeoutInSeconds":5}`), &result)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `200`, string(result["status"]))
	assert.JSONEq(t, `{"x":1}`, string(result["payload"]))

	result = nil
	_, _, err = c.RawPost("/twins/dev-1/methods", nil,
		[]byte(`{"methodName":"reboot","payload":null,"responseTimeoutInSeconds":5}`), &result)
	require.NoError(t, err)
	assert.JSONEq(t, `501`, string(result["status"]))
}

func TestGateway_ReportedAndDesired(t *testing.T) {
	h := New()
	h.AddDevice("dev-1", nil)
	g, broker := startGateway(t, h)
	d := connectDevice(t, g, broker, "dev-1")

	require.NoError(t, d.Report(map[string]interface{}{"firmware": "1.2.3"}))
	assert.Eventually(t, func() bool {
		tw, _ := h.Twin("dev-1")
		return tw.Reported()["firmware"] == "1.2.3"
	}, 5*time.Second, 10*time.Millisecond)

	c := newClient(h)
	_, _, err := c.RawPatch("/twins/dev-1", map[string]string{"If-Match": "*"},
		[]byte(`{"properties":{"desired":{"color":"red"}}}`), nil)
	require.NoError(t, err)

	select {
	case patch := <-d.Desired():
		assert.JSONEq(t, `{"color":"red"}`, string(patch))
	case <-time.After(5 * time.Second):
		t.Fatal("no desired patch received")
	}
}

func TestGateway_UnknownDevice(t *testing.T) {
	h := New()
	_, broker := startGateway(t, h)

	_, err := ConnectDevice(broker, "unknown")
	assert.Error(t, err)
}

func TestGateway_Closed(t *testing.T) {
	h := New()
	h.AddDevice("dev-1", nil)
	g, broker := startGateway(t, h)
	connectDevice(t, g, broker, "dev-1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	g.Close(ctx)

	tw, _ := h.Twin("dev-1")
	assert.Equal(t, "Disconnected", tw.ConnectionState)
}

func TestParseMethodResponseTopic(t *testing.T) {
	status, rid, err := parseMethodResponseTopic("200/?$rid=abc")
	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Equal(t, "abc", rid)

	for _, topic := range []string{"200", "ok/?$rid=abc", "200/?$other=1", "200/?$rid="} {
		_, _, err := parseMethodResponseTopic(topic)
		assert.Error(t, err, topic)
	}
}

func TestGateway_DeviceDisconnects(t *testing.T) {
	h := New()
	h.AddDevice("dev-1", nil)
	g, broker := startGateway(t, h)

	d, err := ConnectDevice(broker, "dev-1")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.True(t, g.WaitOnline(ctx, "dev-1"))

	d.Close()
	assert.Eventually(t, func() bool {
		tw, _ := h.Twin("dev-1")
		return tw.ConnectionState == "Disconnected"
	}, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	var result map[string]json.RawMessage
	status, _, err := newClient(h).RawPost("/twins/dev-1/methods", nil,
		[]byte(`{"methodName":"echo","payload":null,"responseTimeoutInSeconds":3}`), &result)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, err.Error(), "404103")
	assert.Less(t, time.Since(start), time.Second)

	// a reconnecting device is online again
	connectDevice(t, g, broker, "dev-1")
	tw, _ := h.Twin("dev-1")
	assert.Equal(t, "Connected", tw.ConnectionState)
}
