// Package tlsconfig builds the TLS side of the transport collaborator:
// client and server tls.Config construction with ALPN offer lists, version
// bounds, custom roots, client certificates, and SPKI pinning.
package tlsconfig

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"os"
)

// SSL/TLS protocol versions re-exported for configuration convenience.
const (
	VersionTLS10 uint16 = tls.VersionTLS10
	VersionTLS11 uint16 = tls.VersionTLS11
	VersionTLS12 uint16 = tls.VersionTLS12 // minimum recommended for production
	VersionTLS13 uint16 = tls.VersionTLS13 // required for QUIC
)

// GetVersionName returns a human-readable name for a TLS version.
func GetVersionName(version uint16) string {
	switch version {
	case VersionTLS10:
		return "TLS 1.0"
	case VersionTLS11:
		return "TLS 1.1"
	case VersionTLS12:
		return "TLS 1.2"
	case VersionTLS13:
		return "TLS 1.3"
	default:
		return "Unknown"
	}
}

// IsVersionDeprecated returns true if the version is deprecated/insecure.
func IsVersionDeprecated(version uint16) bool {
	return version < VersionTLS12
}

// Config describes how to build a client or server TLS configuration.
type Config struct {
	// ServerName is the SNI value (client side). Empty disables SNI.
	ServerName string

	// ALPN is the protocol offer list (client) or accept list (server),
	// most preferred first, e.g. ["h2", "http/1.1"].
	ALPN []string

	// InsecureSkipVerify disables certificate verification. Overrides
	// everything else, including pins.
	InsecureSkipVerify bool

	// MinVersion and MaxVersion bound the negotiated protocol version.
	// MinVersion defaults to TLS 1.2.
	MinVersion uint16
	MaxVersion uint16

	// RootCAs holds additional trust anchors in PEM form.
	RootCAs [][]byte

	// Client certificate for mutual TLS, as PEM bytes or file paths.
	ClientCertPEM  []byte
	ClientKeyPEM   []byte
	ClientCertFile string
	ClientKeyFile  string

	// SPKIPins is an optional pin set of SHA-256 digests of the peer's
	// SubjectPublicKeyInfo. When non-empty, a handshake whose verified
	// chain contains no pinned key fails hard.
	SPKIPins [][32]byte
}

// Client builds a *tls.Config for the client role.
func (c Config) Client() (*tls.Config, error) {
	minVersion := c.MinVersion
	if minVersion == 0 {
		minVersion = VersionTLS12
	}
	cfg := &tls.Config{
		ServerName:         c.ServerName,
		NextProtos:         append([]string(nil), c.ALPN...),
		MinVersion:         minVersion,
		MaxVersion:         c.MaxVersion,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}

	if len(c.RootCAs) > 0 {
		pool := x509.NewCertPool()
		for i, pem := range c.RootCAs {
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("tlsconfig: failed to parse CA certificate at index %d", i)
			}
		}
		cfg.RootCAs = pool
	}

	cert, err := c.loadClientCertificate()
	if err != nil {
		return nil, err
	}
	if cert != nil {
		cfg.Certificates = append(cfg.Certificates, *cert)
	}

	if len(c.SPKIPins) > 0 && !c.InsecureSkipVerify {
		pins := append([][32]byte(nil), c.SPKIPins...)
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, chains [][]*x509.Certificate) error {
			return verifyPins(pins, rawCerts, chains)
		}
	}
	return cfg, nil
}

// Server builds a *tls.Config for the server role from a certificate and
// key plus the ALPN accept list.
func (c Config) Server(certPEM, keyPEM []byte) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: parsing server certificate: %w", err)
	}
	minVersion := c.MinVersion
	if minVersion == 0 {
		minVersion = VersionTLS12
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   append([]string(nil), c.ALPN...),
		MinVersion:   minVersion,
		MaxVersion:   c.MaxVersion,
	}, nil
}

func (c Config) loadClientCertificate() (*tls.Certificate, error) {
	hasPEM := len(c.ClientCertPEM) > 0 && len(c.ClientKeyPEM) > 0
	hasFile := c.ClientCertFile != "" && c.ClientKeyFile != ""
	if !hasPEM && !hasFile {
		return nil, nil
	}

	certPEM, keyPEM := c.ClientCertPEM, c.ClientKeyPEM
	if !hasPEM {
		var err error
		certPEM, err = os.ReadFile(c.ClientCertFile)
		if err != nil {
			return nil, fmt.Errorf("tlsconfig: reading client certificate file %s: %w", c.ClientCertFile, err)
		}
		keyPEM, err = os.ReadFile(c.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("tlsconfig: reading client key file %s: %w", c.ClientKeyFile, err)
		}
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: parsing client certificate/key: %w", err)
	}
	return &cert, nil
}

// SPKIPin computes the SHA-256 pin of a certificate's
// SubjectPublicKeyInfo.
func SPKIPin(cert *x509.Certificate) [32]byte {
	return sha256.Sum256(cert.RawSubjectPublicKeyInfo)
}

// ParsePin decodes a base64 "sha256/..." pin string as used in pinning
// header syntax.
func ParsePin(s string) ([32]byte, error) {
	var pin [32]byte
	const prefix = "sha256/"
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		s = s[len(prefix):]
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return pin, fmt.Errorf("tlsconfig: invalid pin encoding: %w", err)
	}
	if len(raw) != 32 {
		return pin, fmt.Errorf("tlsconfig: pin must be 32 bytes, got %d", len(raw))
	}
	copy(pin[:], raw)
	return pin, nil
}

// verifyPins fails the handshake unless some certificate in a verified
// chain (or, absent verification, the presented chain) matches a pin.
func verifyPins(pins [][32]byte, rawCerts [][]byte, chains [][]*x509.Certificate) error {
	match := func(cert *x509.Certificate) bool {
		got := SPKIPin(cert)
		for _, pin := range pins {
			if got == pin {
				return true
			}
		}
		return false
	}
	if len(chains) > 0 {
		for _, chain := range chains {
			for _, cert := range chain {
				if match(cert) {
					return nil
				}
			}
		}
	} else {
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				continue
			}
			if match(cert) {
				return nil
			}
		}
	}
	return fmt.Errorf("tlsconfig: no certificate in chain matches the SPKI pin set")
}
