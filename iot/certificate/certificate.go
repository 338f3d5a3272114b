/*Package certificate loads X.509 certificates from disk

Load accepts PEM encoded certificates, DER encoded certificates and PKCS#7 bundles
(.p7b files or the signed data of a signed file), PEM or DER. For bundles, the first
certificate is taken.

There is no caching. Every call reads and parses the file again.
*/
package certificate

import (
	"bytes"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"go.mozilla.org/pkcs7"

	"github.com/relabs-tech/dmtools/iot"
)

// Certificate is a loaded X.509 certificate. It is immutable.
type Certificate struct {
	cert *x509.Certificate
	path string
}

// Load reads the certificate file at path.
//
// Errors wrap iot.ErrCertificateNotFound if there is no file at path, and
// iot.ErrCertificateMalformed if there is one which cannot be read, e.g. a directory,
// or cannot be parsed as a certificate.
func Load(path string) (*Certificate, error) {
	if path == "" {
		return nil, fmt.Errorf("empty certificate path: %w", iot.ErrCertificateNotFound)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, iot.ErrCertificateNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read certificate %s: %w: %w", path, err, iot.ErrCertificateMalformed)
	}

	cert, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cert.path = path
	return cert, nil
}

// Parse parses a certificate from PEM, DER or PKCS#7 data.
func Parse(data []byte) (*Certificate, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("empty file: %w", iot.ErrCertificateMalformed)
	}

	der := data
	if block, _ := pem.Decode(data); block != nil {
		switch block.Type {
		case "CERTIFICATE", "TRUSTED CERTIFICATE":
			return parseDER(block.Bytes)
		case "PKCS7", "CMS":
			return parsePKCS7(block.Bytes)
		default:
			return nil, fmt.Errorf("unexpected PEM block %s: %w", block.Type, iot.ErrCertificateMalformed)
		}
	}

	if cert, err := parseDER(der); err == nil {
		return cert, nil
	}
	return parsePKCS7(der)
}

func parseDER(der []byte) (*Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, iot.ErrCertificateMalformed)
	}
	return &Certificate{cert: cert}, nil
}

func parsePKCS7(der []byte) (*Certificate, error) {
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("neither X.509 nor PKCS#7 data: %w", iot.ErrCertificateMalformed)
	}
	if len(p7.Certificates) == 0 {
		return nil, fmt.Errorf("PKCS#7 data without certificates: %w", iot.ErrCertificateMalformed)
	}
	return &Certificate{cert: p7.Certificates[0]}, nil
}

// X509 returns the parsed certificate. Callers must not modify it.
func (c *Certificate) X509() *x509.Certificate {
	return c.cert
}

// Path returns the file the certificate was loaded from, empty for parsed data
func (c *Certificate) Path() string {
	return c.path
}

// Thumbprint returns the upper case hex SHA-1 fingerprint of the certificate, the
// format device registries use for X.509 thumbprints.
func (c *Certificate) Thumbprint() string {
	sum := sha1.Sum(c.cert.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Subject returns the subject distinguished name
func (c *Certificate) Subject() string {
	return c.cert.Subject.String()
}

// NotAfter returns the end of the validity period
func (c *Certificate) NotAfter() time.Time {
	return c.cert.NotAfter
}

// CertPool returns a new pool containing only this certificate, for use as
// tls.Config RootCAs.
func (c *Certificate) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(c.cert)
	return pool
}

// PEM returns the PEM encoding of the certificate
func (c *Certificate) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.cert.Raw})
}
