package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	t.Parallel()

	info, err := Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	cert, err := x509.ParseCertificate(info.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	if cert.Subject.CommonName != "depthstream" {
		t.Errorf("common name: got %q, want depthstream", cert.Subject.CommonName)
	}
	if err := cert.VerifyHostname("localhost"); err != nil {
		t.Errorf("localhost should verify: %v", err)
	}
	if err := cert.VerifyHostname("127.0.0.1"); err != nil {
		t.Errorf("loopback should verify: %v", err)
	}

	if got := sha256.Sum256(info.TLSCert.Certificate[0]); got != info.Fingerprint {
		t.Error("fingerprint does not match certificate DER")
	}

	raw, err := base64.StdEncoding.DecodeString(info.FingerprintBase64())
	if err != nil || len(raw) != 32 {
		t.Errorf("FingerprintBase64: got %q", info.FingerprintBase64())
	}

	remaining := time.Until(info.NotAfter)
	if remaining < 50*time.Minute || remaining > 70*time.Minute {
		t.Errorf("validity: %v remaining, want ~1h", remaining)
	}
}

func TestGenerateValidityCapped(t *testing.T) {
	t.Parallel()

	info, err := Generate(365 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if time.Until(info.NotAfter) > maxValidity {
		t.Errorf("validity exceeds cap: NotAfter %v", info.NotAfter)
	}
}

func TestGenerateExtraHosts(t *testing.T) {
	t.Parallel()

	info, err := Generate(time.Hour, "depth.internal", "192.168.1.50")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	cert, err := x509.ParseCertificate(info.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	for _, host := range []string{"depth.internal", "192.168.1.50", "localhost"} {
		if err := cert.VerifyHostname(host); err != nil {
			t.Errorf("%s should verify: %v", host, err)
		}
	}
}

func TestGenerateUniqueFingerprints(t *testing.T) {
	t.Parallel()

	a, err := Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	b, err := Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if a.Fingerprint == b.Fingerprint {
		t.Error("two generated certificates share a fingerprint")
	}
}
