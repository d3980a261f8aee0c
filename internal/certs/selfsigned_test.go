package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"net"
	"slices"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	t.Parallel()
	cert, err := Generate(Options{Hosts: []string{"mosaic.local", "10.1.2.3", "localhost"}})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(cert.TLSCert.Certificate) == 0 {
		t.Fatal("no certificate data")
	}

	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}
	if x509Cert.NotAfter.Before(time.Now()) {
		t.Error("cert is already expired")
	}
	if got := sha256.Sum256(cert.TLSCert.Certificate[0]); cert.Fingerprint != got {
		t.Error("fingerprint mismatch")
	}
	if cert.FingerprintBase64() == "" {
		t.Error("FingerprintBase64 returned empty string")
	}

	if want := []string{"localhost", "mosaic.local"}; !slices.Equal(x509Cert.DNSNames, want) {
		t.Errorf("DNSNames = %v, want %v", x509Cert.DNSNames, want)
	}
	found := false
	for _, ip := range x509Cert.IPAddresses {
		if ip.Equal(net.ParseIP("10.1.2.3")) {
			found = true
		}
	}
	if !found {
		t.Errorf("IPAddresses = %v, missing 10.1.2.3", x509Cert.IPAddresses)
	}
}

func TestGenerateValidity(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		validity time.Duration
		want     time.Duration
	}{
		{"default", 0, MaxValidity},
		{"capped", 30 * 24 * time.Hour, MaxValidity},
		{"short", 2 * time.Hour, 2 * time.Hour},
	}
	for _, tt := range tests {
		cert, err := Generate(Options{Validity: tt.validity})
		if err != nil {
			t.Fatalf("%s: Generate failed: %v", tt.name, err)
		}
		x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
		if err != nil {
			t.Fatalf("%s: parse: %v", tt.name, err)
		}
		if got := x509Cert.NotAfter.Sub(x509Cert.NotBefore); got != tt.want {
			t.Errorf("%s: validity = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestTLSConfig(t *testing.T) {
	t.Parallel()
	cert, err := Generate(Options{})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	cfg := cert.TLSConfig()
	if len(cfg.Certificates) != 1 {
		t.Fatalf("certificates = %d, want 1", len(cfg.Certificates))
	}
	if !slices.Contains(cfg.NextProtos, "h3") {
		t.Errorf("NextProtos = %v, missing h3", cfg.NextProtos)
	}
}
