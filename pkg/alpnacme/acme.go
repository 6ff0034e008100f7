package alpnacme

import (
	"github.com/jmhodges/clock"
	"go.uber.org/zap"
)

// LEProductionURL and LEStagingURL are Let's Encrypt's production and
// staging ACME directory URLs, the two defaults a caller picks between.
const (
	LEProductionURL = "https://acme-v02.api.letsencrypt.org/directory"
	LEStagingURL    = "https://acme-staging-v02.api.letsencrypt.org/directory"
)

// Acme is the unit of lifetime for the core: the configured domain set,
// the ACME directory it talks to, the transport it talks through, and
// the resolver it coordinates with during issuance. No process-wide
// state is required beyond one Acme value per managed domain set.
type Acme struct {
	transport Transport
	directory *Directory
	resolver  *CertResolver
	domains   []string
	log       *zap.Logger
	clk       clock.Clock
	metrics   *metrics
}

// New builds an Acme instance for cfg's domain set. It fetches the
// directory itself, calling Open with cfg's transport and directory URL
// (cfg.Directory, else the Let's Encrypt staging or production URL).
func New(cfg *Config) (*Acme, error) {
	if len(cfg.Domains) == 0 {
		return nil, errNoDomains
	}
	cfg = cfg.withDefaults()

	dir, err := Open(cfg.transport, cfg.directoryURL())
	if err != nil {
		return nil, err
	}

	return &Acme{
		transport: cfg.transport,
		directory: dir,
		resolver:  cfg.resolver,
		domains:   cfg.Domains,
		log:       cfg.logger.Named("acme"),
		clk:       cfg.clk,
		metrics:   cfg.metrics,
	}, nil
}

// Directory returns the directory this instance was opened against.
func (a *Acme) Directory() *Directory { return a.directory }

// ResolverView returns the read handle the TLS engine plugs in as its
// GetCertificate callback; it is safe to share across goroutines for
// the process lifetime while RequestCertificates runs concurrently.
func (a *Acme) ResolverView() *CertResolver { return a.resolver }

// NewAccount registers a new account against this instance's directory.
func (a *Acme) NewAccount(email string) (*AccountMaterial, error) {
	return NewAccount(a.transport, a.directory, email)
}

// LoadAccount restores (or re-registers) an account from its serialized
// form against this instance's directory.
func (a *Acme) LoadAccount(serialized []byte, email string) (*AccountMaterial, error) {
	return LoadAccount(a.transport, a.directory, serialized, email)
}
