package alpnacme

import (
	"crypto/x509"
	"testing"
)

func TestBuildCSRHasEmptySubjectAndOrderedSANs(t *testing.T) {
	domains := []string{"a.example.test", "b.example.test"}
	c, err := buildCSR(domains)
	if err != nil {
		t.Fatalf("buildCSR: %v", err)
	}

	req, err := x509.ParseCertificateRequest(c.der)
	if err != nil {
		t.Fatalf("ParseCertificateRequest: %v", err)
	}
	if req.Subject.CommonName != "" || len(req.Subject.Organization) != 0 {
		t.Fatalf("expected empty subject, got %+v", req.Subject)
	}
	if len(req.DNSNames) != len(domains) {
		t.Fatalf("expected %d SANs, got %d", len(domains), len(req.DNSNames))
	}
	for i, d := range domains {
		if req.DNSNames[i] != d {
			t.Fatalf("SAN order mismatch at %d: want %q got %q", i, d, req.DNSNames[i])
		}
	}
	if len(c.privateKeyPEM) == 0 {
		t.Fatalf("expected a retained PEM-encoded private key")
	}
}

func TestBuildCSRRetainsDistinctKeyPerCall(t *testing.T) {
	c1, err := buildCSR([]string{"a.example.test"})
	if err != nil {
		t.Fatalf("buildCSR: %v", err)
	}
	c2, err := buildCSR([]string{"a.example.test"})
	if err != nil {
		t.Fatalf("buildCSR: %v", err)
	}
	if string(c1.privateKeyPEM) == string(c2.privateKeyPEM) {
		t.Fatalf("expected distinct keys across separate buildCSR calls")
	}
}
