// Package connstr parses registry connection strings and creates shared access signatures.
package connstr

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/relabs-tech/dmtools/iot"
)

// ConnectionString is a parsed connection string of the form
//
//	HostName=<host>;SharedAccessKeyName=<policy>;SharedAccessKey=<base64 key>
type ConnectionString struct {
	HostName            string
	SharedAccessKeyName string
	SharedAccessKey     string
	// DeviceID is only present in device connection strings
	DeviceID string
}

// Parse parses s. The values may contain '=', only the first one of every
// pair separates key and value.
func Parse(s string) (ConnectionString, error) {
	var cs ConnectionString
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return cs, fmt.Errorf("connection string: invalid element '%s': %w", kv[0], iot.ErrMalformedRequest)
		}
		switch kv[0] {
		case "HostName":
			cs.HostName = kv[1]
		case "SharedAccessKeyName":
			cs.SharedAccessKeyName = kv[1]
		case "SharedAccessKey":
			cs.SharedAccessKey = kv[1]
		case "DeviceId":
			cs.DeviceID = kv[1]
		}
	}
	if cs.HostName == "" {
		return cs, fmt.Errorf("connection string: HostName is missing: %w", iot.ErrMalformedRequest)
	}
	if cs.SharedAccessKey == "" {
		return cs, fmt.Errorf("connection string: SharedAccessKey is missing: %w", iot.ErrMalformedRequest)
	}
	if _, err := base64.StdEncoding.DecodeString(cs.SharedAccessKey); err != nil {
		return cs, fmt.Errorf("connection string: SharedAccessKey is not base64: %w", iot.ErrMalformedRequest)
	}
	return cs, nil
}

// Token returns a shared access signature for the host, valid until expiry. The result
// is the complete value of the Authorization header.
func (cs ConnectionString) Token(expiry time.Time) (string, error) {
	key, err := base64.StdEncoding.DecodeString(cs.SharedAccessKey)
	if err != nil {
		return "", fmt.Errorf("SharedAccessKey is not base64: %w", iot.ErrMalformedRequest)
	}
	resource := url.QueryEscape(cs.HostName)
	se := strconv.FormatInt(expiry.Unix(), 10)

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(resource + "\n" + se))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	token := "SharedAccessSignature sr=" + resource + "&sig=" + url.QueryEscape(sig) + "&se=" + se
	if cs.SharedAccessKeyName != "" {
		token += "&skn=" + url.QueryEscape(cs.SharedAccessKeyName)
	}
	return token, nil
}

// String returns the connection string with the key masked, safe for logging
func (cs ConnectionString) String() string {
	s := "HostName=" + cs.HostName
	if cs.SharedAccessKeyName != "" {
		s += ";SharedAccessKeyName=" + cs.SharedAccessKeyName
	}
	if cs.DeviceID != "" {
		s += ";DeviceId=" + cs.DeviceID
	}
	return s + ";SharedAccessKey=***"
}
