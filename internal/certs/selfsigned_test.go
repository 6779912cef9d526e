package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"net"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	t.Parallel()
	cert, err := Generate(time.Hour, "media.example", "10.0.0.7")
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
	if validity := x509Cert.NotAfter.Sub(x509Cert.NotBefore); validity != time.Hour {
		t.Errorf("validity: got %v, want 1h", validity)
	}
	if x509Cert.NotAfter.Before(time.Now()) {
		t.Error("cert is already expired")
	}
	if want := sha256.Sum256(cert.TLSCert.Certificate[0]); cert.Fingerprint != want {
		t.Error("fingerprint mismatch")
	}
	for _, name := range []string{"localhost", "media.example"} {
		if !slices.Contains(x509Cert.DNSNames, name) {
			t.Errorf("DNS names %v missing %q", x509Cert.DNSNames, name)
		}
	}
	if !slices.ContainsFunc(x509Cert.IPAddresses, func(ip net.IP) bool { return ip.Equal(net.ParseIP("10.0.0.7")) }) {
		t.Errorf("IP addresses %v missing 10.0.0.7", x509Cert.IPAddresses)
	}
}

func TestGenerateDefaultValidity(t *testing.T) {
	t.Parallel()
	cert, err := Generate(0)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}
	if validity := x509Cert.NotAfter.Sub(x509Cert.NotBefore); validity != DefaultValidity {
		t.Errorf("validity: got %v, want %v", validity, DefaultValidity)
	}
}

func TestParseFingerprint(t *testing.T) {
	t.Parallel()
	cert, err := Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	hexFP := cert.FingerprintHex()
	var colons []string
	for i := 0; i < len(hexFP); i += 2 {
		colons = append(colons, hexFP[i:i+2])
	}

	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"hex", hexFP, false},
		{"upper hex with colons", strings.ToUpper(strings.Join(colons, ":")), false},
		{"base64", cert.FingerprintBase64(), false},
		{"padded", "  " + hexFP + "\n", false},
		{"short", hexFP[:10], true},
		{"garbage", "not a fingerprint", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseFingerprint(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseFingerprint: %v", err)
			}
			if got != cert.Fingerprint {
				t.Errorf("got %x, want %x", got, cert.Fingerprint)
			}
		})
	}
}

func TestVerifyPinned(t *testing.T) {
	t.Parallel()
	a, err := Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	verify := VerifyPinned(a.Fingerprint)
	if err := verify(a.TLSCert.Certificate, nil); err != nil {
		t.Errorf("pinned certificate rejected: %v", err)
	}
	if err := verify(b.TLSCert.Certificate, nil); !errors.Is(err, ErrFingerprintMismatch) {
		t.Errorf("other certificate: got %v, want ErrFingerprintMismatch", err)
	}
	if err := verify(nil, nil); !errors.Is(err, ErrFingerprintMismatch) {
		t.Errorf("no certificate: got %v, want ErrFingerprintMismatch", err)
	}
}

func TestTLSConfigs(t *testing.T) {
	t.Parallel()
	cert, err := Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	srv := cert.ServerTLS("reel-test")
	if len(srv.Certificates) != 1 || !slices.Equal(srv.NextProtos, []string{"reel-test"}) {
		t.Errorf("server config: %d certs, protos %v", len(srv.Certificates), srv.NextProtos)
	}
	cli := PinnedClientTLS(cert.Fingerprint, "reel-test")
	if cli.VerifyPeerCertificate == nil {
		t.Fatal("client config has no pin verifier")
	}
	if err := cli.VerifyPeerCertificate(cert.TLSCert.Certificate, nil); err != nil {
		t.Errorf("client verifier rejected pinned cert: %v", err)
	}
}
