package iot

import (
	"errors"
	"fmt"
	"net/http"
)

// Error categories. Every error returned by the iot packages wraps exactly one of them.
var (
	ErrCertificateNotFound  = errors.New("certificate not found")
	ErrCertificateMalformed = errors.New("malformed certificate")
	ErrRemoteUnavailable    = errors.New("remote service unavailable")
	ErrDeviceUnreachable    = errors.New("device unreachable or timed out")
	ErrTwinConflict         = errors.New("twin version conflict")
	ErrMalformedRequest     = errors.New("malformed request")
	ErrDeviceNotFound       = errors.New("device not found")
	ErrUnauthorized         = errors.New("unauthorized")
)

// RemoteError is a failed call to the device registry
type RemoteError struct {
	// Op is the registry operation, e.g. "get twin"
	Op       string
	DeviceID string
	// StatusCode is the http status code, 0 if there was no response at all
	StatusCode int
	// Code is the registry's error code, if it sent one
	Code    string
	Message string
	// Kind is one of the error categories of this package
	Kind error
	// Err is the underlying transport error, if any
	Err error
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	s := fmt.Sprintf("%s %s: %s", e.Op, e.DeviceID, e.Kind)
	if e.StatusCode != 0 {
		s += fmt.Sprintf(" (status %d", e.StatusCode)
		if e.Code != "" {
			s += ", " + e.Code
		}
		s += ")"
	}
	if msg != "" {
		s += ": " + msg
	}
	return s
}

// Unwrap makes errors.Is match both the category and the transport error
func (e *RemoteError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// HTTPStatus returns the http status code a REST api should answer with for err
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrMalformedRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusBadGateway
	case errors.Is(err, ErrDeviceNotFound), errors.Is(err, ErrCertificateNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTwinConflict):
		return http.StatusConflict
	case errors.Is(err, ErrDeviceUnreachable):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrCertificateMalformed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrRemoteUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
