package alpnacme

import (
	"crypto/sha256"
	"encoding/asn1"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// acmeIdentifierOID is id-pe-acmeIdentifier (RFC 8737 §3), the critical
// X.509 extension a TLS-ALPN-01 challenge certificate must carry.
var acmeIdentifierOID = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 31}

// marshalOCTETSTRING DER-encodes digest as an ASN.1 OCTET STRING, the
// extension value format RFC 8737 requires.
func marshalOCTETSTRING(digest []byte) ([]byte, error) {
	return asn1.Marshal(digest)
}

// identifier is an ACME DNS identifier; type "dns" only, per spec.
type identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// challenge is {url, token, kind, status}; only tls-alpn-01 is acted on.
type challenge struct {
	Type   string `json:"type"`
	URL    string `json:"url"`
	Token  string `json:"token"`
	Status string `json:"status"`
}

const challengeTypeTLSALPN01 = "tls-alpn-01"

// authorization is {identifier, challenges[], status}.
type authorization struct {
	Identifier identifier  `json:"identifier"`
	Challenges []challenge `json:"challenges"`
	Status     string      `json:"status"`
}

func (a authorization) tlsALPNChallenge() *challenge {
	for i := range a.Challenges {
		if a.Challenges[i].Type == challengeTypeTLSALPN01 {
			return &a.Challenges[i]
		}
	}
	return nil
}

// fetchAuthorization performs a POST-as-GET on authURL and parses the
// authorization. Any status outside {valid, pending} fails the caller
// with InvalidAuthorization (the caller enforces that — this just
// decodes).
func fetchAuthorization(transport Transport, dir *Directory, account *AccountMaterial, authURL string) (*authorization, error) {
	resp, err := account.postAsGet(transport, dir, authURL)
	if err != nil {
		return nil, newErr(KindGetAuthorization, "request failed", err)
	}
	if !resp.IsSuccess() {
		return nil, newErr(KindGetAuthorization, "unexpected status", nil)
	}
	var auth authorization
	if err := resp.BodyAsJSON(&auth); err != nil {
		return nil, newErr(KindGetAuthorization, "decoding authorization failed", err)
	}
	return &auth, nil
}

// processAuthorizations drives spec §4.4's authorization phase for one
// order: fetch every authorization, validate status, install a
// challenge key + notifier for each pending tls-alpn-01 challenge,
// notify the CA, then wait on all installed notifiers concurrently
// under one deadline. It guarantees that on every exit path, no
// resolver entry retains a challenge key installed by this call.
func (a *Acme) processAuthorizations(account *AccountMaterial, authURLs []string, domains []string) error {
	var waiting []pendingChallenge

	defer func() {
		for _, p := range waiting {
			a.resolver.RevertChallenge(p.domain)
		}
	}()

	for _, authURL := range authURLs {
		auth, err := fetchAuthorization(a.transport, a.directory, account, authURL)
		if err != nil {
			return err
		}
		if auth.Status != "valid" && auth.Status != "pending" {
			return newDomainErr(KindInvalidAuthorization, domains, "authorization in terminal non-valid status", nil)
		}
		if auth.Status == "valid" {
			continue
		}

		ch := auth.tlsALPNChallenge()
		if ch == nil {
			return newDomainErr(KindInvalidAuthorization, domains, "no tls-alpn-01 challenge offered", nil)
		}

		domain := auth.Identifier.Value
		keyAuth := keyAuthorization(ch.Token, publicKeyToJWK(&account.signer.PublicKey))
		digest := sha256.Sum256([]byte(keyAuth))

		cert, err := selfSignedLeaf(domain, digest[:])
		if err != nil {
			return newDomainErr(KindChallenge, domains, "challenge certificate generation failed", err)
		}
		n := a.resolver.InstallChallenge(domain, cert)
		a.metrics.resolverInstalls.Inc()

		status, err := a.notifyChallenge(account, ch.URL)
		if err != nil {
			a.resolver.RevertChallenge(domain)
			return err
		}
		switch status {
		case "valid":
			a.metrics.challengesValidated.Inc()
			a.resolver.RevertChallenge(domain)
		case "invalid":
			a.resolver.RevertChallenge(domain)
			return newDomainErr(KindChallenge, domains, "challenge reported invalid", nil)
		default: // processing, pending
			waiting = append(waiting, pendingChallenge{domain: domain, n: n})
		}
	}

	if err := a.awaitChallenges(waiting); err != nil {
		return err
	}
	return nil
}

// notifyChallenge POSTs an empty object to the challenge URL to
// instruct the CA to begin validation, returning the challenge's
// reported status.
func (a *Acme) notifyChallenge(account *AccountMaterial, challengeURL string) (string, error) {
	nonce, err := a.directory.newNonce(a.transport)
	if err != nil {
		return "", newErr(KindChallenge, "nonce fetch failed", err)
	}
	body, err := signJWSWithKid(account.signer, challengeURL, account.url, nonce, map[string]any{})
	if err != nil {
		return "", newErr(KindChallenge, "signing failed", err)
	}
	resp, err := a.transport.PostJOSE(challengeURL, body)
	if err != nil {
		return "", newErr(KindChallenge, "request failed", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", newErr(KindChallenge, "unexpected status", nil)
	}
	var ch challenge
	if err := resp.BodyAsJSON(&ch); err != nil {
		return "", newErr(KindChallenge, "decoding challenge failed", err)
	}
	return ch.Status, nil
}

// pendingChallenge pairs a domain with the notifier awaiting its
// tls-alpn-01 validation.
type pendingChallenge struct {
	domain string
	n      *notifier
}

// awaitChallenges waits concurrently on every pending notifier under a
// single 120s deadline (spec §4.4 step 3 / §5). golang.org/x/sync's
// errgroup, rather than a hand-rolled WaitGroup+channel fan-in, is the
// idiomatic Go shape for "N concurrent waits, first failure wins" —
// the same pattern sheurich-boulder's own go.mod pulls in x/sync for.
func (a *Acme) awaitChallenges(waiting []pendingChallenge) error {
	if len(waiting) == 0 {
		return nil
	}
	var g errgroup.Group
	for _, p := range waiting {
		p := p
		g.Go(func() error {
			if !p.n.wait(challengeWaitTimeout) {
				a.log.Warn("challenge wait timed out", zap.String("domain", p.domain))
				return newDomainErr(KindChallenge, []string{p.domain}, "challenge wait timed out", nil)
			}
			a.metrics.challengesValidated.Inc()
			return nil
		})
	}
	return g.Wait()
}
