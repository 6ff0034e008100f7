package alpnacme

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	challengeWaitTimeout = 120 * time.Second
	orderProcessingFirstDelay  = 10 * time.Second
	orderProcessingSecondDelay = 150 * time.Second
)

// orderWire is the ACME order resource, per RFC 8555 §7.1.3.
type orderWire struct {
	Status         string       `json:"status"`
	Identifiers    []identifier `json:"identifiers"`
	Authorizations []string     `json:"authorizations"`
	Finalize       string       `json:"finalize"`
	Certificate    string       `json:"certificate,omitempty"`
}

// order is the client-side value object: URL plus the parsed wire form.
type order struct {
	url  string
	wire orderWire
}

// newOrder creates a new order for domains and captures its URL from
// the Location header.
func newOrder(transport Transport, dir *Directory, account *AccountMaterial, domains []string) (*order, error) {
	nonce, err := dir.newNonce(transport)
	if err != nil {
		return nil, newDomainErr(KindNewOrder, domains, "nonce fetch failed", err)
	}

	idents := make([]identifier, len(domains))
	for i, d := range domains {
		idents[i] = identifier{Type: "dns", Value: d}
	}
	payload := map[string]any{"identifiers": idents}

	body, err := signJWSWithKid(account.signer, dir.NewOrder, account.url, nonce, payload)
	if err != nil {
		return nil, newDomainErr(KindNewOrder, domains, "signing failed", err)
	}
	resp, err := transport.PostJOSE(dir.NewOrder, body)
	if err != nil {
		return nil, newDomainErr(KindNewOrder, domains, "request failed", err)
	}
	if resp.StatusCode() != http.StatusCreated {
		return nil, newDomainErr(KindNewOrder, domains, "unexpected status", nil)
	}

	url := locationHeader(resp)
	if url == "" {
		return nil, newDomainErr(KindNewOrder, domains, "missing Location header", nil)
	}

	var wire orderWire
	if err := resp.BodyAsJSON(&wire); err != nil {
		return nil, newDomainErr(KindNewOrder, domains, "decoding order failed", err)
	}
	return &order{url: url, wire: wire}, nil
}

// refetch re-reads the order resource via POST-as-GET.
func (o *order) refetch(transport Transport, dir *Directory, account *AccountMaterial) error {
	resp, err := account.postAsGet(transport, dir, o.url)
	if err != nil {
		return newErr(KindGetOrder, "request failed", err)
	}
	if !resp.IsSuccess() {
		return newErr(KindGetOrder, "unexpected status", nil)
	}
	return resp.BodyAsJSON(&o.wire)
}

// RequestCertificates drives the full order state machine of spec §4.4
// for the Acme instance's configured domains, returning the PEM-encoded
// private key concatenated with the issued chain. The CSR private key
// is threaded through retries in csrState so it is never regenerated
// mid-flow (spec's first Open Question).
func (a *Acme) RequestCertificates(account *AccountMaterial) (string, error) {
	domains := a.domains
	a.log.Info("requesting certificates", zap.Strings("domains", domains))
	a.metrics.ordersStarted.Inc()

	ord, err := newOrder(a.transport, a.directory, account, domains)
	if err != nil {
		a.metrics.ordersFailed.Inc()
		return "", err
	}

	var csrState *csr
	pem, err := a.driveOrder(account, ord, domains, &csrState)
	if err != nil {
		a.metrics.ordersFailed.Inc()
		return "", err
	}
	a.metrics.ordersSucceeded.Inc()
	return pem, nil
}

// driveOrder implements the process loop table of spec §4.4. It is
// recursive in the same sense the spec describes: a pending→ready
// transition causes the order to be re-fetched and the loop to
// continue, rather than returning.
func (a *Acme) driveOrder(account *AccountMaterial, ord *order, domains []string, csrState **csr) (string, error) {
	for {
		switch ord.wire.Status {
		case "invalid":
			return "", newDomainErr(KindInvalidOrder, domains, "order is invalid", nil)

		case "ready":
			pem, err := a.finalize(account, ord, domains, csrState)
			if err == nil {
				return pem, nil
			}
			if proc, ok := err.(*orderProcessing); ok {
				*csrState = proc.csr
				if err := a.waitProcessing(account, ord); err != nil {
					return "", err
				}
				continue
			}
			return "", err

		case "valid":
			if *csrState == nil {
				return "", newDomainErr(KindNewOrder, domains, "valid order with no retained CSR", nil)
			}
			return a.downloadCertificate(account, ord, *csrState)

		case "processing":
			if err := a.waitProcessing(account, ord); err != nil {
				return "", err
			}
			continue

		case "pending":
			if err := a.processAuthorizations(account, ord.wire.Authorizations, domains); err != nil {
				return "", err
			}
			if err := a.waitAuthorizationSettle(account, ord); err != nil {
				return "", err
			}
			continue

		default:
			return "", newDomainErr(KindInvalidOrder, domains, "unrecognized order status", nil)
		}
	}
}

// waitAuthorizationSettle polls the order after processAuthorizations
// has answered every pending challenge: an immediate refetch (the CA's
// TLS-ALPN-01 notifier fires on handshake, before the order flips out
// of "pending"), then the same bounded 10s/150s delay-only backoff as
// waitProcessing if the order is still "pending". It never re-runs the
// authorization/challenge phase itself; driveOrder's top-level switch
// decides what to do with whatever status this leaves behind.
func (a *Acme) waitAuthorizationSettle(account *AccountMaterial, ord *order) error {
	if err := ord.refetch(a.transport, a.directory, account); err != nil {
		return newErr(KindGetOrder, "refetch after authorization failed", err)
	}
	if ord.wire.Status != "pending" {
		return nil
	}

	a.clk.Sleep(orderProcessingFirstDelay)
	if err := ord.refetch(a.transport, a.directory, account); err != nil {
		return newErr(KindGetOrder, "refetch failed", err)
	}
	if ord.wire.Status != "pending" {
		return nil
	}

	a.clk.Sleep(orderProcessingSecondDelay)
	if err := ord.refetch(a.transport, a.directory, account); err != nil {
		return newErr(KindGetOrder, "refetch failed", err)
	}
	if ord.wire.Status == "pending" {
		return newErr(KindGetOrder, "order still pending after authorization backoff", nil)
	}
	return nil
}

// waitProcessing implements the 10s/150s backoff of spec §4.4's
// "processing" row: delay, re-fetch; if still processing, delay again;
// if still processing after that, fail.
func (a *Acme) waitProcessing(account *AccountMaterial, ord *order) error {
	a.clk.Sleep(orderProcessingFirstDelay)
	if err := ord.refetch(a.transport, a.directory, account); err != nil {
		return newErr(KindGetOrder, "refetch failed", err)
	}
	if ord.wire.Status != "processing" {
		return nil
	}

	a.clk.Sleep(orderProcessingSecondDelay)
	if err := ord.refetch(a.transport, a.directory, account); err != nil {
		return newErr(KindGetOrder, "refetch failed", err)
	}
	if ord.wire.Status == "processing" {
		return newErr(KindGetOrder, "order still processing after backoff", nil)
	}
	return nil
}

// finalize builds (or reuses) the CSR, submits it, and returns the
// final result. A body status of "processing" is surfaced as the
// internal *orderProcessing signal so driveOrder can loop without
// regenerating the CSR.
func (a *Acme) finalize(account *AccountMaterial, ord *order, domains []string, csrState **csr) (string, error) {
	c := *csrState
	if c == nil {
		built, err := buildCSR(domains)
		if err != nil {
			return "", err
		}
		c = built
		*csrState = built
	}

	nonce, err := a.directory.newNonce(a.transport)
	if err != nil {
		return "", newDomainErr(KindFinalizeOrder, domains, "nonce fetch failed", err)
	}
	payload := map[string]any{"csr": base64URLEncode(c.der)}
	body, err := signJWSWithKid(account.signer, ord.wire.Finalize, account.url, nonce, payload)
	if err != nil {
		return "", newDomainErr(KindFinalizeOrder, domains, "signing failed", err)
	}
	resp, err := a.transport.PostJOSE(ord.wire.Finalize, body)
	if err != nil {
		return "", newDomainErr(KindFinalizeOrder, domains, "request failed", err)
	}
	if !resp.IsSuccess() {
		return "", newDomainErr(KindFinalizeOrder, domains, "unexpected status", nil)
	}
	if err := resp.BodyAsJSON(&ord.wire); err != nil {
		return "", newDomainErr(KindFinalizeOrder, domains, "decoding order failed", err)
	}

	switch ord.wire.Status {
	case "processing":
		return "", &orderProcessing{csr: c}
	case "valid":
		return a.downloadCertificate(account, ord, c)
	default:
		return "", newDomainErr(KindFinalizeOrder, domains, "unexpected order status after finalize", nil)
	}
}

// downloadCertificate fetches the issued chain and prepends the
// retained CSR private key, blank-line separated.
func (a *Acme) downloadCertificate(account *AccountMaterial, ord *order, c *csr) (string, error) {
	resp, err := account.postAsGet(a.transport, a.directory, ord.wire.Certificate)
	if err != nil {
		return "", newErr(KindDownloadCertificate, "request failed", err)
	}
	if !resp.IsSuccess() {
		return "", newErr(KindDownloadCertificate, "unexpected status", nil)
	}
	chain, err := resp.BodyAsText()
	if err != nil {
		return "", newErr(KindDownloadCertificate, "reading body failed", err)
	}
	return string(c.privateKeyPEM) + "\n" + chain, nil
}
