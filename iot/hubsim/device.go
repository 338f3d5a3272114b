package hubsim

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/dmtools/core/logger"
)

// Device is a simulated device connected to the MQTT gateway of a hub. It answers direct
// methods with registered handlers, reports properties and receives desired property updates.
type Device struct {
	id      string
	client  mqtt.Client
	timeout time.Duration
	rlog    *logrus.Entry

	mu      sync.Mutex
	methods map[string]MethodHandler
	desired chan json.RawMessage
}

// DeviceOption is an option for ConnectDevice
type DeviceOption func(*mqtt.ClientOptions)

// WithDeviceTLS connects to the gateway with TLS, for example with a device certificate
func WithDeviceTLS(config *tls.Config) DeviceOption {
	return func(o *mqtt.ClientOptions) {
		o.SetTLSConfig(config)
	}
}

// ConnectDevice connects a device to the gateway at broker, e.g. tcp://localhost:1883, and
// subscribes to its direct methods and desired properties.
func ConnectDevice(broker, deviceID string, options ...DeviceOption) (*Device, error) {
	d := &Device{
		id:      deviceID,
		timeout: 10 * time.Second,
		rlog:    logger.Default().WithField("deviceID", deviceID),
		methods: make(map[string]MethodHandler),
		desired: make(chan json.RawMessage, 16),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(deviceID).
		SetCleanSession(true).
		SetAutoReconnect(false)
	for _, option := range options {
		option(opts)
	}
	d.client = mqtt.NewClient(opts)

	if err := d.wait(d.client.Connect()); err != nil {
		return nil, fmt.Errorf("device %s cannot connect: %w", deviceID, err)
	}

	prefix := devicePrefix(deviceID)
	subscriptions := map[string]mqtt.MessageHandler{
		prefix + topicMethodRequests + "#": d.onMethod,
		prefix + topicDesired + "#":        d.onDesired,
	}
	for topic, handler := range subscriptions {
		if err := d.wait(d.client.Subscribe(topic, 0, handler)); err != nil {
			d.client.Disconnect(0)
			return nil, fmt.Errorf("device %s cannot subscribe to %s: %w", deviceID, topic, err)
		}
	}
	d.rlog.Debugln("hubsim: simulated device connected to", broker)
	return d, nil
}

func (d *Device) wait(token mqtt.Token) error {
	if !token.WaitTimeout(d.timeout) {
		return fmt.Errorf("timeout after %s", d.timeout)
	}
	return token.Error()
}

// HandleMethod registers a direct method handler. Methods without handler are answered
// with 501.
func (d *Device) HandleMethod(method string, handler MethodHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.methods[method] = handler
}

// Report publishes reported properties
func (d *Device) Report(properties map[string]interface{}) error {
	body, err := json.Marshal(properties)
	if err != nil {
		return err
	}
	return d.wait(d.client.Publish(devicePrefix(d.id)+topicReported, 0, false, body))
}

// Desired returns the desired property patches published to the device. Patches are dropped
// when nobody reads them.
func (d *Device) Desired() <-chan json.RawMessage {
	return d.desired
}

// Close disconnects the device
func (d *Device) Close() {
	d.client.Disconnect(250)
}

func (d *Device) onMethod(_ mqtt.Client, msg mqtt.Message) {
	rest := strings.TrimPrefix(msg.Topic(), devicePrefix(d.id)+topicMethodRequests)
	parts := strings.SplitN(rest, "/?$rid=", 2)
	if len(parts) != 2 || parts[1] == "" {
		d.rlog.Warnln("hubsim: invalid method topic", msg.Topic())
		return
	}
	method, rid := parts[0], parts[1]
	payload := json.RawMessage(append([]byte(nil), msg.Payload()...))

	d.mu.Lock()
	handler := d.methods[method]
	d.mu.Unlock()

	// handlers may block, the client dispatches messages sequentially
	go func() {
		status := http.StatusNotImplemented
		response := json.RawMessage(`{"message":"method not implemented"}`)
		if handler != nil {
			status, response = handler(context.Background(), payload)
		}
		if len(response) == 0 {
			response = json.RawMessage("null")
		}
		topic := fmt.Sprintf("%s%s%d/?$rid=%s", devicePrefix(d.id), topicMethodResponse, status, rid)
		if err := d.wait(d.client.Publish(topic, 0, false, []byte(response))); err != nil {
			d.rlog.WithError(err).Warnln("hubsim: cannot answer method", method)
		}
	}()
}

func (d *Device) onDesired(_ mqtt.Client, msg mqtt.Message) {
	patch := json.RawMessage(append([]byte(nil), msg.Payload()...))
	select {
	case d.desired <- patch:
	default:
		d.rlog.Debugln("hubsim: desired patch dropped")
	}
}
