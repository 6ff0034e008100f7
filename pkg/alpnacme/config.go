package alpnacme

import (
	"crypto/tls"
	"errors"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Config configures an Acme instance, following the teacher's
// NewConfig()/With.../Build() functional-options chain
// (pkg/shockwave/tls/config.go), generalized from "TLS listener
// options" to "ACME core options".
type Config struct {
	// Email is the contact address given to NewConfig. New does not read
	// it: Acme.NewAccount and Acme.LoadAccount take the contact address
	// as an argument.
	Email string
	// Domains is the fixed domain set to certify; spec.md requires
	// this be configured at construction time.
	Domains []string
	// Staging selects Let's Encrypt's staging directory instead of
	// production. Ignored if Directory is set.
	Staging bool
	// Directory overrides the default Let's Encrypt URLs entirely.
	Directory string

	// Logger receives structured logs; defaults to a no-op logger.
	Logger *zap.Logger
	// Clock is the injectable time source for the order driver's
	// backoff delays and the default transport's retry delays; the 120s
	// challenge wait runs on the wall clock. Defaults to the real wall
	// clock.
	Clock clock.Clock
	// Transport is the HTTP collaborator; defaults to NewTransport(Clock).
	Transport Transport
	// Resolver is the certificate resolver the TLS engine plugs into;
	// defaults to a fresh NewCertResolver(Logger).
	Resolver *CertResolver
	// Registerer receives the core's Prometheus metrics; defaults to a
	// private registry so multiple Acme instances (e.g. in tests) never
	// collide on collector names.
	Registerer prometheus.Registerer

	transport Transport
	resolver  *CertResolver
	logger    *zap.Logger
	clk       clock.Clock
	metrics   *metrics
}

// NewConfig returns a Config with sensible defaults, mirroring the
// teacher's NewConfig().
func NewConfig(email string, domains ...string) *Config {
	return &Config{Email: email, Domains: domains}
}

// WithStaging selects Let's Encrypt's staging directory.
func (c *Config) WithStaging() *Config {
	c.Staging = true
	return c
}

// WithDirectory overrides the ACME directory URL entirely (for a CA
// other than Let's Encrypt, or a local test CA).
func (c *Config) WithDirectory(url string) *Config {
	c.Directory = url
	return c
}

// WithLogger sets the structured logger.
func (c *Config) WithLogger(log *zap.Logger) *Config {
	c.Logger = log
	return c
}

// WithClock injects a clock, primarily for deterministic tests against
// the order driver's backoff schedule.
func (c *Config) WithClock(clk clock.Clock) *Config {
	c.Clock = clk
	return c
}

// WithTransport overrides the HTTP transport.
func (c *Config) WithTransport(t Transport) *Config {
	c.Transport = t
	return c
}

// WithResolver supplies a resolver to reuse (e.g. one already wired
// into a running TLS listener via ResolverView).
func (c *Config) WithResolver(r *CertResolver) *Config {
	c.Resolver = r
	return c
}

func (c *Config) directoryURL() string {
	if c.Directory != "" {
		return c.Directory
	}
	if c.Staging {
		return LEStagingURL
	}
	return LEProductionURL
}

// withDefaults fills in every field New needs, without mutating fields
// the caller explicitly set.
func (c *Config) withDefaults() *Config {
	cfg := *c
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cfg.logger = cfg.Logger
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	cfg.clk = cfg.Clock
	if cfg.Transport == nil {
		cfg.Transport = NewTransport(cfg.clk)
	}
	cfg.transport = cfg.Transport
	if cfg.Resolver == nil {
		cfg.Resolver = NewCertResolver(cfg.logger)
	}
	cfg.resolver = cfg.Resolver
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}
	cfg.metrics = newMetrics(cfg.Registerer)
	return &cfg
}

// TLSConfig builds a *tls.Config wired to the Acme instance's
// resolver: NextProtos lists acme-tls/1 first, followed by nextProtos
// (h2 and http/1.1 when none are given), and GetCertificate is the
// resolver's Resolve, which serves the challenge certificate to a
// handshake offering acme-tls/1 and the production certificate to any
// other handshake.
func (a *Acme) TLSConfig(nextProtos ...string) *tls.Config {
	if len(nextProtos) == 0 {
		nextProtos = []string{"h2", "http/1.1"}
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		NextProtos:   append([]string{acmeTLS1}, nextProtos...),
		GetCertificate: a.resolver.Resolve,
	}
}

var errNoDomains = errors.New("acme: at least one domain is required")
