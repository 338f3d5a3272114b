package certificate

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mozilla.org/pkcs7"

	"github.com/relabs-tech/dmtools/iot"
)

func selfSigned(t *testing.T, cn string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	cert := &x509.Certificate{
		SerialNumber: big.NewInt(1658),
		Subject: pkix.Name{
			CommonName: cn,
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().AddDate(1, 0, 0),
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		KeyUsage:    x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, cert, cert, &key.PublicKey, key)
	require.NoError(t, err)
	return der
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func TestLoad_Formats(t *testing.T) {
	der := selfSigned(t, "device-1")
	p7, err := pkcs7.DegenerateCertificate(der)
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"cert.pem", pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})},
		{"cert.der", der},
		{"bundle.p7b", p7},
		{"bundle.p7b.pem", pem.EncodeToMemory(&pem.Block{Type: "PKCS7", Bytes: p7})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.name, tt.data)
			cert, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, "CN=device-1", cert.Subject())
			assert.Equal(t, path, cert.Path())

			sum := sha1.Sum(der)
			assert.Equal(t, strings.ToUpper(hex.EncodeToString(sum[:])), cert.Thumbprint())
		})
	}
}

func TestLoad_NotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.pem"))
	assert.ErrorIs(t, err, iot.ErrCertificateNotFound)

	_, err = Load("")
	assert.ErrorIs(t, err, iot.ErrCertificateNotFound)
}

func TestLoad_Malformed(t *testing.T) {
	tests := map[string][]byte{
		"empty.pem":   {},
		"garbage.der": []byte("this is not a certificate"),
		"key.pem":     pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{1, 2, 3}}),
		"broken.pem":  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{1, 2, 3}}),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, name, data))
			assert.ErrorIs(t, err, iot.ErrCertificateMalformed)
		})
	}
}

func TestLoad_Unreadable(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.ErrorIs(t, err, iot.ErrCertificateMalformed)
	assert.NotErrorIs(t, err, iot.ErrCertificateNotFound)
	assert.Equal(t, http.StatusUnprocessableEntity, iot.HTTPStatus(err))
}

func TestLoad_RereadsFile(t *testing.T) {
	path := writeFile(t, "cert.der", selfSigned(t, "first"))
	first, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, selfSigned(t, "second"), 0600))
	second, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "CN=first", first.Subject())
	assert.Equal(t, "CN=second", second.Subject())
}

func TestCertificate_PEMRoundTripAndPool(t *testing.T) {
	der := selfSigned(t, "hub-ca")
	cert, err := Parse(der)
	require.NoError(t, err)

	again, err := Parse(cert.PEM())
	require.NoError(t, err)
	assert.Equal(t, cert.Thumbprint(), again.Thumbprint())
	assert.False(t, cert.NotAfter().IsZero())
	assert.NotNil(t, cert.CertPool())
}
