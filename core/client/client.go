/*
Package client provides easy access to a JSON REST api, either over HTTP or in-process

Instead of marshalling HTTP, a client created with NewWithRouter talks directly to a mux
router. That makes it perfectly suited for unit tests against simulated services.
*/
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"
)

// StatusNoResponse is returned as status code when the request never received
// a response, for example because of a network error or an expired context.
const StatusNoResponse = 0

// Authorizer returns the value of the Authorization header for the next request.
type Authorizer func() (string, error)

// Client provides easy access to the REST API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	token      string
	authorizer Authorizer
	ctx        context.Context

	defaultHeaders map[string]string
}

// StatusError is returned when the server answered with an unexpected status code.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned status code %d: %s",
		e.Method, e.Path, e.StatusCode, strings.TrimSpace(string(e.Body)))
}

// NewWithRouter creates a client to make pseudo-REST requests to the backend,
// through the mux router
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to url
//
// WithToken adds an authorization token to the request header.
func NewWithURL(url string) Client {
	return Client{
		url:            strings.TrimSuffix(url, "/"),
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	headers := make(map[string]string, len(c.defaultHeaders)+1)
	for k, v := range c.defaultHeaders {
		headers[k] = v
	}
	headers[key] = value
	c.defaultHeaders = headers
	return c
}

// WithToken returns a new client which sends token as bearer token
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithAuthorizer returns a new client which asks authorizer for the Authorization
// header of every request. It takes precedence over WithToken.
func (c Client) WithAuthorizer(authorizer Authorizer) Client {
	c.authorizer = authorizer
	return c
}

// WithTimeout returns a new client with a different overall http timeout. It has no
// effect on router clients.
func (c Client) WithTimeout(timeout time.Duration) Client {
	if c.httpClient == nil {
		return c
	}
	hc := *c.httpClient
	hc.Timeout = timeout
	c.httpClient = &hc
	return c
}

// WithTLSConfig returns a new client using tlsConfig for https connections. It has no
// effect on router clients.
func (c Client) WithTLSConfig(tlsConfig *tls.Config) Client {
	if c.httpClient == nil {
		return c
	}
	hc := *c.httpClient
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig
	hc.Transport = transport
	c.httpClient = &hc
	return c
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the request context of the client
func (c Client) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// RawGet gets the resource from path. Expects http.StatusOK as response, otherwise it will
// flag an error. Returns the actual http status code and the response header.
//
// The path can be extend with query strings.
//
// result can be any json target or a raw *[]byte.
// result can be nil.
func (c Client) RawGet(path string, header map[string]string, result interface{}) (int, http.Header, error) {
	return c.Do(http.MethodGet, path, header, nil, result, http.StatusOK)
}

// RawPatch patches the resource at path. Expects http.StatusOK or http.StatusNoContent as
// valid responses, otherwise it will flag an error.
//
// body can also be a []byte, result can also be raw *[]byte.
// result can be nil.
func (c Client) RawPatch(path string, header map[string]string, body interface{}, result interface{}) (int, http.Header, error) {
	return c.Do(http.MethodPatch, path, header, body, result, http.StatusOK, http.StatusNoContent)
}

// RawPost posts to path. Expects http.StatusOK, http.StatusCreated or http.StatusNoContent
// as valid responses, otherwise it will flag an error.
//
// body can also be a []byte, result can also be raw *[]byte.
// result can be nil.
func (c Client) RawPost(path string, header map[string]string, body interface{}, result interface{}) (int, http.Header, error) {
	return c.Do(http.MethodPost, path, header, body, result, http.StatusOK, http.StatusCreated, http.StatusNoContent)
}

// RawPut puts a resource to path. Expects http.StatusOK, http.StatusCreated or http.StatusNoContent
// as valid responses, otherwise it will flag an error.
func (c Client) RawPut(path string, header map[string]string, body interface{}, result interface{}) (int, http.Header, error) {
	return c.Do(http.MethodPut, path, header, body, result, http.StatusOK, http.StatusCreated, http.StatusNoContent)
}

// Do sends a request and decodes the response into result. Any status code not in
// expected yields a *StatusError. When the request never got a response, the returned
// status code is StatusNoResponse.
func (c Client) Do(method, path string, header map[string]string, body interface{}, result interface{}, expected ...int) (int, http.Header, error) {
	var reqBody io.Reader
	if body != nil {
		var j []byte
		switch b := body.(type) {
		case []byte:
			j = b
		case json.RawMessage:
			j = b
		default:
			var err error
			if j, err = json.Marshal(body); err != nil {
				return StatusNoResponse, nil, err
			}
		}
		reqBody = bytes.NewReader(j)
	}

	r, err := http.NewRequestWithContext(c.Context(), method, c.url+path, reqBody)
	if err != nil {
		return StatusNoResponse, nil, err
	}
	if body != nil {
		r.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	for key, value := range c.defaultHeaders {
		r.Header.Set(key, value)
	}
	for key, value := range header {
		r.Header.Set(key, value)
	}
	if c.authorizer != nil {
		auth, err := c.authorizer()
		if err != nil {
			return StatusNoResponse, nil, err
		}
		r.Header.Set("Authorization", auth)
	} else if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}

	var res *http.Response
	var resBody []byte
	if c.router != nil {
		if err := r.Context().Err(); err != nil {
			return StatusNoResponse, nil, err
		}
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		res = rec.Result()
		resBody = rec.Body.Bytes()
	} else {
		res, err = c.httpClient.Do(r)
		if err != nil {
			return StatusNoResponse, nil, err
		}
		defer res.Body.Close()
		resBody, err = io.ReadAll(res.Body)
		if err != nil {
			return StatusNoResponse, res.Header, err
		}
	}

	status := res.StatusCode
	if !contains(expected, status) {
		return status, res.Header, &StatusError{Method: method, Path: path, StatusCode: status, Body: resBody}
	}

	if len(resBody) > 0 && result != nil {
		if raw, ok := result.(*[]byte); ok {
			*raw = resBody
		} else {
			err = json.Unmarshal(resBody, result)
		}
	}
	return status, res.Header, err
}

func contains(codes []int, code int) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}
