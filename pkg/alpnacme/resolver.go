package alpnacme

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// acmeTLS1 is the ALPN protocol name the CA negotiates during a
// TLS-ALPN-01 validation handshake (RFC 8737).
const acmeTLS1 = "acme-tls/1"

// notifier is a one-shot, idempotent signal: the first Fire wins, every
// later Fire is a no-op. It backs ResolverEntry.Notifier, where multiple
// concurrent handshakes for the same name must be able to fire it
// without panicking or blocking.
type notifier struct {
	once sync.Once
	ch   chan struct{}
}

func newNotifier() *notifier {
	return &notifier{ch: make(chan struct{})}
}

func (n *notifier) fire() {
	n.once.Do(func() { close(n.ch) })
}

// wait blocks until fired or until timeout elapses on the wall clock,
// reporting whether the notifier fired. awaitChallenges calls it once
// per pending notifier, all concurrently.
func (n *notifier) wait(timeout time.Duration) bool {
	select {
	case <-n.ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// ResolverEntry is the per-domain state the resolver serves from. It is
// always replaced wholesale (never mutated field-by-field) so that a
// concurrent reader never observes a torn combination of fields.
type ResolverEntry struct {
	ProductionKey *tls.Certificate
	ChallengeKey  *tls.Certificate
	Notifier      *notifier
}

// CertResolver is a concurrent server-name → ResolverEntry map with
// single-writer/many-reader semantics: the ACME order driver is the one
// writer; TLS handshake callbacks (resolve) are the many readers. A
// sync.Map gives exactly the contract spec §4.5/§9 ask for — atomic,
// non-blocking reads of whatever entry was last published, never a
// partial write — without a bespoke epoch structure, since entries are
// always swapped in as complete, already-built *ResolverEntry values.
type CertResolver struct {
	entries sync.Map // string(lowercase domain) -> *ResolverEntry
	log     *zap.Logger
}

// NewCertResolver builds an empty resolver. log may be nil.
func NewCertResolver(log *zap.Logger) *CertResolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &CertResolver{log: log.Named("resolver")}
}

func normalizeName(serverName string) string {
	return strings.ToLower(serverName)
}

// Resolve implements the TLS handshake callback contract of spec §4.5.
func (r *CertResolver) Resolve(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if hello.ServerName == "" {
		return nil, nil
	}
	name := normalizeName(hello.ServerName)
	v, ok := r.entries.Load(name)
	if !ok {
		return nil, nil
	}
	entry := v.(*ResolverEntry)

	if containsALPN(hello.SupportedProtos, acmeTLS1) {
		if entry.ChallengeKey == nil {
			return nil, nil
		}
		if entry.Notifier != nil {
			entry.Notifier.fire()
		}
		return entry.ChallengeKey, nil
	}

	return entry.ProductionKey, nil
}

func containsALPN(protos []string, want string) bool {
	for _, p := range protos {
		if p == want {
			return true
		}
	}
	return false
}

// InstallProduction publishes a production certificate for domain,
// preserving any challenge key/notifier already installed for it.
func (r *CertResolver) InstallProduction(domain string, cert *tls.Certificate) {
	name := normalizeName(domain)
	existing := r.existing(name)
	r.entries.Store(name, &ResolverEntry{
		ProductionKey: cert,
		ChallengeKey:  existing.ChallengeKey,
		Notifier:      existing.Notifier,
	})
}

// InstallChallenge atomically publishes a challenge certificate and a
// fresh notifier for domain, keeping the existing production key. It
// returns the notifier so the caller can await it.
func (r *CertResolver) InstallChallenge(domain string, cert *tls.Certificate) *notifier {
	name := normalizeName(domain)
	existing := r.existing(name)
	n := newNotifier()
	r.entries.Store(name, &ResolverEntry{
		ProductionKey: existing.ProductionKey,
		ChallengeKey:  cert,
		Notifier:      n,
	})
	r.log.Debug("installed challenge key", zap.String("domain", domain))
	return n
}

// RevertChallenge removes the challenge key/notifier for domain,
// restoring just the production key. This must run on every exit path
// of an authorization attempt, success or failure (spec §4.4 step 5,
// §5 cancellation).
func (r *CertResolver) RevertChallenge(domain string) {
	name := normalizeName(domain)
	existing := r.existing(name)
	r.entries.Store(name, &ResolverEntry{ProductionKey: existing.ProductionKey})
	r.log.Debug("reverted challenge key", zap.String("domain", domain))
}

func (r *CertResolver) existing(name string) ResolverEntry {
	v, ok := r.entries.Load(name)
	if !ok {
		return ResolverEntry{}
	}
	return *v.(*ResolverEntry)
}

// Bootstrap installs a self-signed production certificate for domain so
// the TLS port can come up before the ACME flow completes (spec §4.5).
func (r *CertResolver) Bootstrap(domain string) error {
	cert, err := selfSignedLeaf(domain, nil)
	if err != nil {
		return err
	}
	r.InstallProduction(domain, cert)
	return nil
}

// selfSignedLeaf builds a self-signed certificate for domain. When
// acmeIdentifierDigest is non-nil, the certificate carries the critical
// id-pe-acmeIdentifier extension (RFC 8737) with that digest — the
// TLS-ALPN-01 challenge certificate; when nil, it is a plain bootstrap
// leaf valid for ordinary handshakes.
func selfSignedLeaf(domain string, acmeIdentifierDigest []byte) (*tls.Certificate, error) {
	key, err := generateKey()
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: domain},
		DNSNames:     []string{domain},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	if acmeIdentifierDigest != nil {
		octetString, err := marshalOCTETSTRING(acmeIdentifierDigest)
		if err != nil {
			return nil, err
		}
		template.ExtraExtensions = []pkix.Extension{{
			Id:       acmeIdentifierOID,
			Critical: true,
			Value:    octetString,
		}}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	return &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}
