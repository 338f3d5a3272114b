package connstr

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/dmtools/iot"
)

var testKey = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

func TestParse(t *testing.T) {
	cs, err := Parse("HostName=hub.azure-devices.net;SharedAccessKeyName=iothubowner;SharedAccessKey=" + testKey)
	require.NoError(t, err)
	assert.Equal(t, "hub.azure-devices.net", cs.HostName)
	assert.Equal(t, "iothubowner", cs.SharedAccessKeyName)
	assert.Equal(t, testKey, cs.SharedAccessKey)
	assert.NotContains(t, cs.String(), testKey)
}

func TestParse_Malformed(t *testing.T) {
	tests := []string{
		"",
		"garbage",
		"SharedAccessKey=" + testKey,
		"HostName=hub.azure-devices.net",
		"HostName=hub.azure-devices.net;SharedAccessKey=%%%",
	}
	for _, s := range tests {
		_, err := Parse(s)
		assert.ErrorIs(t, err, iot.ErrMalformedRequest, s)
	}
}

func TestToken(t *testing.T) {
	cs, err := Parse("HostName=hub.azure-devices.net;SharedAccessKeyName=service;SharedAccessKey=" + testKey)
	require.NoError(t, err)

	expiry := time.Unix(1700000000, 0)
	token, err := cs.Token(expiry)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(token, "SharedAccessSignature "))

	values, err := url.ParseQuery(strings.TrimPrefix(token, "SharedAccessSignature "))
	require.NoError(t, err)
	assert.Equal(t, "hub.azure-devices.net", values.Get("sr"))
	assert.Equal(t, "1700000000", values.Get("se"))
	assert.Equal(t, "service", values.Get("skn"))

	key, _ := base64.StdEncoding.DecodeString(testKey)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("hub.azure-devices.net\n1700000000"))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), values.Get("sig"))
}
