package alpnacme

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
)

// csr bundles a freshly generated CSR with the PEM-encoded private key
// it was built from. The private key is retained so it can be
// concatenated with the issued chain on success — regenerating it on a
// later retry would make the returned key not match the issued chain
// (spec's first Open Question).
type csr struct {
	privateKeyPEM []byte
	der           []byte
}

// buildCSR generates a fresh ECDSA P-256 keypair and a DER-encoded CSR
// with an empty subject and the ordered domains as SANs.
func buildCSR(domains []string) (*csr, error) {
	key, err := generateKey()
	if err != nil {
		return nil, newDomainErr(KindCSR, domains, "key generation failed", err)
	}

	template := &x509.CertificateRequest{
		Subject:  pkix.Name{},
		DNSNames: domains,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, newDomainErr(KindCSR, domains, "CSR creation failed", err)
	}

	keyPEM, err := encodeECPrivateKeyPEM(key)
	if err != nil {
		return nil, newDomainErr(KindCSR, domains, "key encoding failed", err)
	}

	return &csr{privateKeyPEM: keyPEM, der: der}, nil
}
