// Package certs issues the self-signed certificate the HTTP/3 control API
// listens with when no certificate is configured.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go/http3"
)

// MaxValidity is the longest validity browsers accept for certificates
// pinned by hash.
const MaxValidity = 14 * 24 * time.Hour

// Cert is a generated certificate and its SHA-256 fingerprint.
type Cert struct {
	TLSCert     tls.Certificate
	Fingerprint [32]byte
	NotAfter    time.Time
}

// FingerprintBase64 returns the fingerprint as standard base64.
func (c *Cert) FingerprintBase64() string {
	return base64.StdEncoding.EncodeToString(c.Fingerprint[:])
}

// TLSConfig returns a server config offering HTTP/3 and, for the TCP
// listener, HTTP/1.1.
func (c *Cert) TLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.TLSCert},
		NextProtos:   []string{http3.NextProtoH3, "http/1.1"},
		MinVersion:   tls.VersionTLS13,
	}
}

// Options configures Generate.
type Options struct {
	// Hosts are added as DNS or IP subject alternative names. localhost and
	// the loopback addresses are always included.
	Hosts []string
	// Validity is capped at MaxValidity. Zero means MaxValidity.
	Validity time.Duration
}

// Generate creates a self-signed ECDSA P-256 certificate.
func Generate(opts Options) (*Cert, error) {
	validity := opts.Validity
	if validity <= 0 || validity > MaxValidity {
		validity = MaxValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	dns := []string{"localhost"}
	ips := []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	for _, h := range opts.Hosts {
		if ip := net.ParseIP(h); ip != nil {
			ips = append(ips, ip)
		} else if h != "" && h != "localhost" {
			dns = append(dns, h)
		}
	}

	// Backdated a minute for clock skew; the total stays within validity.
	notBefore := time.Now().Add(-time.Minute)
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "mosaic"},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     dns,
		IPAddresses:  ips,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return &Cert{
		TLSCert:     tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key},
		Fingerprint: sha256.Sum256(der),
		NotAfter:    template.NotAfter,
	}, nil
}
