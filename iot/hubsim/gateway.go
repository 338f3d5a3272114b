package hubsim

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/dmtools/core/logger"
)

// Topics of the device api. Devices connect with their device id as client id and may only
// use topics below devices/{device_id}/.
//
//	devices/{device_id}/methods/POST/{method}/?$rid={rid}           hub to device
//	devices/{device_id}/methods/res/{status}/?$rid={rid}            device to hub
//	devices/{device_id}/twin/PATCH/properties/desired/?$version={v} hub to device
//	devices/{device_id}/twin/PATCH/properties/reported/             device to hub
const (
	topicMethodRequests = "/methods/POST/"
	topicMethodResponse = "/methods/res/"
	topicDesired        = "/twin/PATCH/properties/desired/"
	topicReported       = "/twin/PATCH/properties/reported/"
)

func devicePrefix(deviceID string) string {
	return "devices/" + deviceID
}

type methodResponse struct {
	status  int
	payload json.RawMessage
}

// Gateway is the MQTT endpoint of the hub for devices. Direct methods for devices that
// subscribed to their method topic are forwarded to them, reported properties published by
// devices are merged into their twins and desired property changes are published to them.
type Gateway struct {
	hub       *Hub
	addr      net.Addr
	stop      func(ctx context.Context)
	closeOnce sync.Once

	mu      sync.Mutex
	service gmqtt.Server
	pending map[string]chan methodResponse
	// the connected client of each device subscribed to methods or desired properties
	methods map[string]gmqtt.Client
	desired map[string]gmqtt.Client
}

// ServeMQTT starts the MQTT gateway of the hub on ln. If ln is a TLS listener which requires
// client certificates, the common name of a device certificate must match its device id.
func (h *Hub) ServeMQTT(ln net.Listener) *Gateway {
	g := &Gateway{
		hub:     h,
		addr:    ln.Addr(),
		pending: make(map[string]chan methodResponse),
		methods: make(map[string]gmqtt.Client),
		desired: make(map[string]gmqtt.Client),
	}
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(ln),
		gmqtt.WithPlugin(g),
	)
	s.Run()
	g.stop = func(ctx context.Context) { s.Stop(ctx) }

	h.mu.Lock()
	h.gateway = g
	h.mu.Unlock()

	logger.Default().Infoln("hubsim: mqtt gateway listening on", ln.Addr())
	return g
}

// Addr returns the address the gateway listens on
func (g *Gateway) Addr() net.Addr {
	return g.addr
}

// Close stops the gateway. Devices connected to it are offline afterwards.
func (g *Gateway) Close(ctx context.Context) {
	g.closeOnce.Do(func() {
		g.hub.mu.Lock()
		if g.hub.gateway == g {
			g.hub.gateway = nil
		}
		g.hub.mu.Unlock()
		g.stop(ctx)
	})
}

// Load implements gmqtt.Plugin
func (g *Gateway) Load(service gmqtt.Server) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.service = service
	return nil
}

// Unload implements gmqtt.Plugin
func (g *Gateway) Unload() error {
	return nil
}

// Name implements gmqtt.Plugin
func (g *Gateway) Name() string { return "hubsim gateway" }

// HookWrapper implements gmqtt.Plugin
func (g *Gateway) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:       g.OnAcceptWrapper,
		OnConnectWrapper:      g.OnConnectWrapper,
		OnSubscribeWrapper:    g.OnSubscribeWrapper,
		OnSubscribedWrapper:   g.OnSubscribedWrapper,
		OnUnsubscribedWrapper: g.OnUnsubscribedWrapper,
		OnMsgArrivedWrapper:   g.OnMsgArrivedWrapper,
		OnCloseWrapper:        g.OnCloseWrapper,
	}
}

// OnAcceptWrapper completes the TLS handshake of TLS connections
func (g *Gateway) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		if tlsConn, ok := conn.(*tls.Conn); ok {
			if err := tlsConn.Handshake(); err != nil {
				logger.Default().WithError(err).Warnln("hubsim: tls handshake failed")
				return false
			}
		}
		return accept(ctx, conn)
	}
}

// OnConnectWrapper admits registered devices only. With client certificates, the certificate
// common name must match the client id.
func (g *Gateway) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		deviceID := client.OptionsReader().ClientID()
		rlog := logger.Default().WithField("deviceID", deviceID)

		if tlsConn, ok := client.Connection().(*tls.Conn); ok {
			state := tlsConn.ConnectionState()
			if len(state.PeerCertificates) > 0 && state.PeerCertificates[0].Subject.CommonName != deviceID {
				rlog.Warnln("hubsim: connect denied, certificate does not match client id")
				return packets.CodeNotAuthorized
			}
		}
		if _, ok := g.hub.Twin(deviceID); !ok {
			rlog.Warnln("hubsim: connect denied, unknown device")
			return packets.CodeNotAuthorized
		}
		rlog.Debugln("hubsim: device connected")
		return connect(ctx, client)
	}
}

// OnSubscribeWrapper enforces that devices only subscribe to their own topics
func (g *Gateway) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		deviceID := client.OptionsReader().ClientID()
		if !strings.HasPrefix(topic.Name, devicePrefix(deviceID)+"/") {
			logger.Default().Warnln("hubsim: subscribe", deviceID, topic.Name, "denied")
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnSubscribedWrapper brings devices online for direct methods and desired property updates
func (g *Gateway) OnSubscribedWrapper(subscribed gmqtt.OnSubscribed) gmqtt.OnSubscribed {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) {
		deviceID := client.OptionsReader().ClientID()
		prefix := devicePrefix(deviceID)
		g.mu.Lock()
		switch {
		case strings.HasPrefix(topic.Name, prefix+topicMethodRequests):
			g.methods[deviceID] = client
		case strings.HasPrefix(topic.Name, prefix+topicDesired):
			g.desired[deviceID] = client
		}
		g.mu.Unlock()
		subscribed(ctx, client, topic)
	}
}

// OnUnsubscribedWrapper takes devices offline which unsubscribe from their method or desired topics
func (g *Gateway) OnUnsubscribedWrapper(unsubscribed gmqtt.OnUnsubscribed) gmqtt.OnUnsubscribed {
	return func(ctx context.Context, client gmqtt.Client, topicName string) {
		deviceID := client.OptionsReader().ClientID()
		prefix := devicePrefix(deviceID)
		g.mu.Lock()
		switch {
		case strings.HasPrefix(topicName, prefix+topicMethodRequests):
			removeClient(g.methods, deviceID, client)
		case strings.HasPrefix(topicName, prefix+topicDesired):
			removeClient(g.desired, deviceID, client)
		}
		g.mu.Unlock()
		unsubscribed(ctx, client, topicName)
	}
}

// OnCloseWrapper takes devices offline when their connection closes
func (g *Gateway) OnCloseWrapper(closed gmqtt.OnClose) gmqtt.OnClose {
	return func(ctx context.Context, client gmqtt.Client, err error) {
		deviceID := client.OptionsReader().ClientID()
		g.mu.Lock()
		removeClient(g.methods, deviceID, client)
		removeClient(g.desired, deviceID, client)
		g.mu.Unlock()
		logger.Default().WithField("deviceID", deviceID).Debugln("hubsim: device disconnected")
		closed(ctx, client, err)
	}
}

// removeClient removes deviceID from m unless a newer connection of the device replaced client
func removeClient(m map[string]gmqtt.Client, deviceID string, client gmqtt.Client) {
	if m[deviceID] == client {
		delete(m, deviceID)
	}
}

// OnMsgArrivedWrapper handles method responses and reported properties
func (g *Gateway) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		deviceID := client.OptionsReader().ClientID()
		prefix := devicePrefix(deviceID)
		topic := msg.Topic()
		rlog := logger.Default().WithField("deviceID", deviceID)

		switch {
		case strings.HasPrefix(topic, prefix+topicMethodResponse):
			status, rid, err := parseMethodResponseTopic(strings.TrimPrefix(topic, prefix+topicMethodResponse))
			if err != nil {
				rlog.WithError(err).Warnln("hubsim: invalid method response topic", topic)
				return false
			}
			payload := json.RawMessage(msg.Payload())
			if len(payload) == 0 {
				payload = json.RawMessage("null")
			}
			if !json.Valid(payload) {
				rlog.Warnln("hubsim: invalid json in method response")
				return false
			}
			g.mu.Lock()
			ch, ok := g.pending[rid]
			delete(g.pending, rid)
			g.mu.Unlock()
			if ok {
				ch <- methodResponse{status: status, payload: payload}
			} else {
				rlog.Debugln("hubsim: late method response", rid)
			}
		case strings.HasPrefix(topic, prefix+topicReported):
			var properties map[string]interface{}
			if err := json.Unmarshal(msg.Payload(), &properties); err != nil {
				rlog.Warnln("hubsim: invalid json in reported properties")
				return false
			}
			g.hub.Report(deviceID, properties)
		}
		return arrived(ctx, client, msg)
	}
}

// parseMethodResponseTopic parses "{status}/?$rid={rid}"
func parseMethodResponseTopic(s string) (status int, rid string, err error) {
	parts := strings.SplitN(s, "/?", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("missing request id")
	}
	status, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", fmt.Errorf("invalid status %s", parts[0])
	}
	query, err := url.ParseQuery(parts[1])
	if err != nil {
		return 0, "", err
	}
	rid = query.Get("$rid")
	if rid == "" {
		return 0, "", fmt.Errorf("missing request id")
	}
	return status, rid, nil
}

func (g *Gateway) online(deviceID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.methods[deviceID] != nil
}

func (g *Gateway) publish(topic string, payload []byte) {
	g.mu.Lock()
	service := g.service
	g.mu.Unlock()
	if service == nil {
		return
	}
	service.PublishService().Publish(gmqtt.NewMessage(topic, payload, packets.QOS_0))
}

// invoke forwards a direct method to a device and waits for the response
func (g *Gateway) invoke(ctx context.Context, deviceID, method string, payload json.RawMessage) (int, json.RawMessage) {
	rid := uuid.New().String()
	ch := make(chan methodResponse, 1)
	g.mu.Lock()
	g.pending[rid] = ch
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, rid)
		g.mu.Unlock()
	}()

	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	g.publish(devicePrefix(deviceID)+topicMethodRequests+method+"/?$rid="+rid, payload)

	select {
	case res := <-ch:
		return res.status, res.payload
	case <-ctx.Done():
		return 0, nil
	}
}

// notifyDesired publishes a desired property patch to a subscribed device
func (g *Gateway) notifyDesired(deviceID string, patch map[string]interface{}, version int64) {
	g.mu.Lock()
	subscribed := g.desired[deviceID] != nil
	g.mu.Unlock()
	if !subscribed || len(patch) == 0 {
		return
	}
	body, err := json.Marshal(patch)
	if err != nil {
		return
	}
	g.publish(devicePrefix(deviceID)+topicDesired+"?$version="+strconv.FormatInt(version, 10), body)
}

// WaitOnline waits until a device subscribed to its direct methods
func (g *Gateway) WaitOnline(ctx context.Context, deviceID string) bool {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if g.online(deviceID) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
