/*Package iothub implements registry.Service with the IoT Hub service REST api

The client authenticates with shared access signatures derived from the service
connection string. It uses three routes:

	GET   /twins/{device_id}
	PATCH /twins/{device_id}            (If-Match: "<etag>")
	POST  /twins/{device_id}/methods

The connection string is parsed on first use, so a malformed connection string surfaces
as iot.ErrMalformedRequest from the first call and not from New.
*/
package iothub

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/dmtools/core/client"
	"github.com/relabs-tech/dmtools/core/logger"
	"github.com/relabs-tech/dmtools/iot"
	"github.com/relabs-tech/dmtools/iot/certificate"
	"github.com/relabs-tech/dmtools/iot/connstr"
	"github.com/relabs-tech/dmtools/iot/registry"
	"github.com/relabs-tech/dmtools/iot/twin"
)

// DefaultAPIVersion is the service api version sent with every request
const DefaultAPIVersion = "2021-04-12"

// methodTimeoutMargin is added to the method timeouts for the http timeout, so that the
// registry's own timeout answer arrives before the local one fires
const methodTimeoutMargin = 5 * time.Second

// Client is the registry.Service for IoT Hub. It is safe for concurrent use.
type Client struct {
	connectionString string
	apiVersion       string
	tokenTTL         time.Duration
	rootCA           *certificate.Certificate
	router           *mux.Router
	baseURL          string

	once    sync.Once
	rest    client.Client
	initErr error
}

var _ registry.Service = (*Client)(nil)

// Option configures a Client
type Option func(*Client)

// WithAPIVersion overrides DefaultAPIVersion
func WithAPIVersion(version string) Option {
	return func(c *Client) { c.apiVersion = version }
}

// WithRootCA makes the client trust only ca for https connections
func WithRootCA(ca *certificate.Certificate) Option {
	return func(c *Client) { c.rootCA = ca }
}

// WithURL sends requests to baseURL instead of https://<HostName>
func WithURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = baseURL }
}

// WithRouter sends requests in-process to router, for tests against a simulated registry
func WithRouter(router *mux.Router) Option {
	return func(c *Client) { c.router = router }
}

// WithTokenTTL sets the validity of the generated shared access signatures. The default is one hour.
func WithTokenTTL(ttl time.Duration) Option {
	return func(c *Client) { c.tokenTTL = ttl }
}

// New returns a client for connectionString. It does not parse the connection string yet.
func New(connectionString string, opts ...Option) *Client {
	c := &Client{
		connectionString: connectionString,
		apiVersion:       DefaultAPIVersion,
		tokenTTL:         time.Hour,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) init() (client.Client, error) {
	c.once.Do(func() {
		cs, err := connstr.Parse(c.connectionString)
		if err != nil {
			c.initErr = err
			return
		}
		var rest client.Client
		switch {
		case c.router != nil:
			rest = client.NewWithRouter(c.router)
		case c.baseURL != "":
			rest = client.NewWithURL(c.baseURL)
		default:
			rest = client.NewWithURL("https://" + cs.HostName)
		}
		if c.rootCA != nil {
			rest = rest.WithTLSConfig(&tls.Config{
				RootCAs:    c.rootCA.CertPool(),
				MinVersion: tls.VersionTLS12,
			})
		}
		ttl := c.tokenTTL
		c.rest = rest.WithAuthorizer(func() (string, error) {
			return cs.Token(time.Now().Add(ttl))
		})
		logger.Default().Debugln("iothub: using", cs.String())
	})
	return c.rest, c.initErr
}

func (c *Client) path(deviceID, suffix string) string {
	return "/twins/" + url.PathEscape(deviceID) + suffix + "?api-version=" + url.QueryEscape(c.apiVersion)
}

func requestHeader(ctx context.Context) map[string]string {
	id := logger.RequestIDFromContext(ctx)
	if id == "" {
		id = uuid.New().String()
	}
	return map[string]string{"x-ms-client-request-id": id}
}

// GetTwin reads the twin of deviceID
func (c *Client) GetTwin(ctx context.Context, deviceID string) (*twin.Twin, error) {
	rest, err := c.init()
	if err != nil {
		return nil, err
	}
	rlog := logger.FromContext(ctx)
	rlog.Debugln("iothub: get twin", deviceID)

	var body []byte
	status, _, err := rest.WithContext(ctx).RawGet(c.path(deviceID, ""), requestHeader(ctx), &body)
	if err != nil {
		return nil, classify("get twin", deviceID, status, err)
	}
	return parseTwin("get twin", deviceID, status, body)
}

// UpdateTwin patches the desired properties of deviceID, provided the twin still has etag.
// An empty etag updates unconditionally.
func (c *Client) UpdateTwin(ctx context.Context, deviceID string, patch *twin.Patch, etag string) (*twin.Twin, error) {
	rest, err := c.init()
	if err != nil {
		return nil, err
	}
	rlog := logger.FromContext(ctx)
	rlog.Debugf("iothub: update twin %s property %s with etag %s", deviceID, patch.Name(), etag)

	header := requestHeader(ctx)
	header["If-Match"] = quoteETag(etag)

	var body []byte
	status, _, err := rest.WithContext(ctx).RawPatch(c.path(deviceID, ""), header, patch.Body(), &body)
	if err != nil {
		return nil, classify("update twin", deviceID, status, err)
	}
	return parseTwin("update twin", deviceID, status, body)
}

func parseTwin(op, deviceID string, status int, body []byte) (*twin.Twin, error) {
	t, err := twin.Parse(body)
	if err != nil {
		return nil, &iot.RemoteError{
			Op:         op,
			DeviceID:   deviceID,
			StatusCode: status,
			Message:    "invalid twin document",
			Kind:       iot.ErrRemoteUnavailable,
			Err:        err,
		}
	}
	return t, nil
}

type methodRequest struct {
	MethodName               string          `json:"methodName"`
	Payload                  json.RawMessage `json:"payload"`
	ResponseTimeoutInSeconds int             `json:"responseTimeoutInSeconds,omitempty"`
	ConnectTimeoutInSeconds  int             `json:"connectTimeoutInSeconds,omitempty"`
}

// InvokeMethod calls a direct method on deviceID
func (c *Client) InvokeMethod(ctx context.Context, deviceID string, call registry.MethodCall) (*registry.MethodResult, error) {
	rest, err := c.init()
	if err != nil {
		return nil, err
	}
	rlog := logger.FromContext(ctx)
	rlog.Debugf("iothub: invoke method %s on %s", call.Name, deviceID)

	payload := call.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	req := methodRequest{
		MethodName:               call.Name,
		Payload:                  payload,
		ResponseTimeoutInSeconds: seconds(call.ResponseTimeout),
		ConnectTimeoutInSeconds:  seconds(call.ConnectTimeout),
	}

	result := &registry.MethodResult{}
	status, _, err := rest.
		WithContext(ctx).
		WithTimeout(call.ResponseTimeout+call.ConnectTimeout+methodTimeoutMargin).
		RawPost(c.path(deviceID, "/methods"), requestHeader(ctx), req, result)
	if err != nil {
		return nil, classify("invoke method "+call.Name, deviceID, status, err)
	}
	return result, nil
}

func seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	s := int(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}

func quoteETag(etag string) string {
	if etag == "" || etag == "*" {
		return "*"
	}
	if strings.HasPrefix(etag, `"`) {
		return etag
	}
	return strconv.Quote(etag)
}

// errorBody covers both error formats of the service
type errorBody struct {
	Message          string      `json:"message"`
	ExceptionMessage string      `json:"exceptionMessage"`
	ErrorCode        interface{} `json:"errorCode"`
}

func classify(op, deviceID string, status int, err error) error {
	remote := &iot.RemoteError{
		Op:         op,
		DeviceID:   deviceID,
		StatusCode: status,
	}

	var statusErr *client.StatusError
	if !errors.As(err, &statusErr) {
		remote.Err = err
		remote.Kind = iot.ErrRemoteUnavailable
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			if strings.HasPrefix(op, "invoke method") {
				remote.Kind = iot.ErrDeviceUnreachable
			}
		}
		return remote
	}

	body := errorBody{}
	if json.Unmarshal(statusErr.Body, &body) == nil {
		remote.Message = body.Message
		if remote.Message == "" {
			remote.Message = body.ExceptionMessage
		}
		if body.ErrorCode != nil {
			remote.Code = fmt.Sprint(body.ErrorCode)
		}
	} else {
		remote.Message = strings.TrimSpace(string(statusErr.Body))
	}
	if remote.Code == "" {
		remote.Code = codeFromMessage(remote.Message)
	}

	switch status {
	case http.StatusBadRequest:
		remote.Kind = iot.ErrMalformedRequest
	case http.StatusUnauthorized, http.StatusForbidden:
		remote.Kind = iot.ErrUnauthorized
	case http.StatusNotFound:
		remote.Kind = iot.ErrDeviceNotFound
		if remote.Code == "DeviceNotOnline" || remote.Code == "404103" {
			remote.Kind = iot.ErrDeviceUnreachable
		}
	case http.StatusConflict, http.StatusPreconditionFailed:
		remote.Kind = iot.ErrTwinConflict
	case http.StatusGatewayTimeout:
		remote.Kind = iot.ErrDeviceUnreachable
	default:
		remote.Kind = iot.ErrRemoteUnavailable
	}
	return remote
}

// codeFromMessage extracts XYZ from messages like "ErrorCode:XYZ;details"
func codeFromMessage(msg string) string {
	const prefix = "ErrorCode:"
	i := strings.Index(msg, prefix)
	if i < 0 {
		return ""
	}
	code := msg[i+len(prefix):]
	if j := strings.IndexAny(code, "; "); j >= 0 {
		code = code[:j]
	}
	return code
}
