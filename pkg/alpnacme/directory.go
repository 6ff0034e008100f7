package alpnacme

// Directory is an immutable snapshot of the CA's endpoint URLs, fetched
// once per session.
type Directory struct {
	NewAccount string `json:"newAccount"`
	NewNonce   string `json:"newNonce"`
	NewOrder   string `json:"newOrder"`
	KeyChange  string `json:"keyChange"`
}

// Open fetches and parses the ACME directory at url.
func Open(transport Transport, url string) (*Directory, error) {
	resp, err := transport.Get(url)
	if err != nil {
		return nil, newErr(KindFetchDirectory, url, err)
	}
	if !resp.IsSuccess() {
		return nil, newErr(KindFetchDirectory, url, nil)
	}

	var dir Directory
	if err := resp.BodyAsJSON(&dir); err != nil {
		return nil, newErr(KindFetchDirectory, url, err)
	}
	if dir.NewAccount == "" || dir.NewNonce == "" || dir.NewOrder == "" || dir.KeyChange == "" {
		return nil, newErr(KindFetchDirectory, url, nil)
	}
	return &dir, nil
}

// newNonce issues a HEAD against the directory's newNonce URL and
// returns the Replay-Nonce header. The core never caches nonces across
// requests: each signed
// request fetches its own, trading one extra round trip for the
// simplicity of never having to reason about nonce reuse or expiry.
func (d *Directory) newNonce(transport Transport) (string, error) {
	resp, err := transport.Head(d.NewNonce)
	if err != nil {
		return "", newErr(KindNewNonce, "new-nonce request failed", err)
	}
	if !resp.IsSuccess() {
		return "", newErr(KindNewNonce, "new-nonce returned non-2xx", nil)
	}
	nonce := resp.HeaderValue("Replay-Nonce")
	if nonce == "" {
		return "", newErr(KindNewNonce, "no Replay-Nonce header", nil)
	}
	return nonce, nil
}
