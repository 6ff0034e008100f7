package alpnacme

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"net/http"
)

// AccountMaterial owns an ACME account's ECDSA P-256 keypair and its
// canonical URL (the "kid"). It is immutable except via UpdateKey,
// which returns a new instance sharing the same URL. The parsed signer
// is always kept consistent with the PKCS#8 bytes: both are set
// together by every constructor below, never independently.
type AccountMaterial struct {
	pkcs8  []byte
	signer *ecdsa.PrivateKey
	url    string
}

// URL returns the account's canonical URL (kid).
func (a *AccountMaterial) URL() string { return a.url }

// accountWire is the ACME server's representation of an account
// resource, per RFC 8555 §7.1.2.
type accountWire struct {
	Status  string   `json:"status"`
	Contact []string `json:"contact"`
	Orders  string   `json:"orders"`
}

// accountSerialized is the persisted form: {"pkcs8": "...", "url": "..."}.
// The parsed signer is never serialized.
type accountSerialized struct {
	PKCS8 string `json:"pkcs8"`
	URL   string `json:"url"`
}

// NewAccount registers a new account with the CA and returns the
// resulting material. Fails with KindNewAccount.
func NewAccount(transport Transport, dir *Directory, email string) (*AccountMaterial, error) {
	key, err := generateKey()
	if err != nil {
		return nil, newErr(KindNewAccount, "key generation failed", err)
	}
	return registerAccount(transport, dir, email, key)
}

// registerAccount registers an account for key with the CA. Fails with
// KindNewAccount.
func registerAccount(transport Transport, dir *Directory, email string, key *ecdsa.PrivateKey) (*AccountMaterial, error) {
	nonce, err := dir.newNonce(transport)
	if err != nil {
		return nil, newErr(KindNewAccount, "nonce fetch failed", err)
	}

	payload := map[string]any{
		"termsOfServiceAgreed": true,
		"contact":              []string{"mailto:" + email},
	}
	body, err := signJWSWithJWK(key, dir.NewAccount, nonce, payload)
	if err != nil {
		return nil, newErr(KindNewAccount, "signing failed", err)
	}

	resp, err := transport.PostJOSE(dir.NewAccount, body)
	if err != nil {
		return nil, newErr(KindNewAccount, "request failed", err)
	}
	if resp.StatusCode() != http.StatusCreated && resp.StatusCode() != http.StatusOK {
		return nil, newErr(KindNewAccount, "unexpected status", nil)
	}

	var wire accountWire
	if err := resp.BodyAsJSON(&wire); err != nil {
		return nil, newErr(KindNewAccount, "decoding account failed", err)
	}
	if wire.Status != "valid" {
		return nil, newErr(KindNewAccount, "account status not valid", nil)
	}

	url := locationHeader(resp)
	if url == "" {
		return nil, newErr(KindNewAccount, "missing Location header", nil)
	}

	der, err := marshalPKCS8(key)
	if err != nil {
		return nil, newErr(KindNewAccount, "pkcs8 encoding failed", err)
	}
	return &AccountMaterial{pkcs8: der, signer: key, url: url}, nil
}

// LoadAccount restores account material from its serialized form and
// verifies (or recreates) it with the CA, per the fallback order spec
// §4.3 and §9 require: 200 ⇒ valid, then push an update_contact; 403 ⇒
// terms need re-agreement, push update_contact; 400/404 ⇒ account is
// gone, mint a new one reusing the key; anything else ⇒ fail.
func LoadAccount(transport Transport, dir *Directory, serialized []byte, email string) (*AccountMaterial, error) {
	var s accountSerialized
	if err := json.Unmarshal(serialized, &s); err != nil {
		return nil, newErr(KindDeserializeAccount, "invalid serialized account", err)
	}
	der, err := base64.RawURLEncoding.DecodeString(s.PKCS8)
	if err != nil {
		return nil, newErr(KindDeserializeAccount, "invalid pkcs8 encoding", err)
	}
	key, err := parsePKCS8(der)
	if err != nil {
		return nil, newErr(KindDeserializeAccount, "invalid pkcs8 key", err)
	}

	account := &AccountMaterial{pkcs8: der, signer: key, url: s.URL}

	nonce, err := dir.newNonce(transport)
	if err != nil {
		return nil, newErr(KindGetAccount, "nonce fetch failed", err)
	}
	payload := map[string]any{"onlyReturnExisting": true}
	body, err := signJWSWithJWK(key, dir.NewAccount, nonce, payload)
	if err != nil {
		return nil, newErr(KindGetAccount, "signing failed", err)
	}
	resp, err := transport.PostJOSE(dir.NewAccount, body)
	if err != nil {
		return nil, newErr(KindGetAccount, "request failed", err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		return account, account.updateContact(transport, dir, email)
	case http.StatusForbidden:
		return account, account.updateContact(transport, dir, email)
	case http.StatusBadRequest, http.StatusNotFound:
		return registerAccount(transport, dir, email, key)
	default:
		return nil, newErr(KindGetAccount, "unexpected status", nil)
	}
}

// updateContact POSTs the account URL with fresh contact/terms
// agreement, requiring the resulting status to be "valid".
func (a *AccountMaterial) updateContact(transport Transport, dir *Directory, email string) error {
	nonce, err := dir.newNonce(transport)
	if err != nil {
		return newErr(KindGetAccount, "nonce fetch failed", err)
	}
	payload := map[string]any{
		"termsOfServiceAgreed": true,
		"contact":              []string{"mailto:" + email},
	}
	body, err := signJWSWithKid(a.signer, a.url, a.url, nonce, payload)
	if err != nil {
		return newErr(KindGetAccount, "signing failed", err)
	}
	resp, err := transport.PostJOSE(a.url, body)
	if err != nil {
		return newErr(KindGetAccount, "request failed", err)
	}
	var wire accountWire
	if err := resp.BodyAsJSON(&wire); err != nil {
		return newErr(KindGetAccount, "decoding account failed", err)
	}
	if wire.Status != "valid" {
		return newErr(KindGetAccount, "account status not valid", nil)
	}
	return nil
}

// postAsGet signs and sends an empty-payload POST addressed by kid,
// the ACME idiom for authenticated GETs.
func (a *AccountMaterial) postAsGet(transport Transport, dir *Directory, url string) (Response, error) {
	nonce, err := dir.newNonce(transport)
	if err != nil {
		return nil, err
	}
	body, err := signJWSWithKid(a.signer, url, a.url, nonce, nil)
	if err != nil {
		return nil, err
	}
	return transport.PostJOSE(url, body)
}

// UpdateKey rotates the account's signing key. It builds an inner JWS
// (signed by the new key, carrying {account, oldKey}, no nonce) wrapped
// in an outer JWS (signed by the old key, addressed to keyChange with a
// fresh nonce), and returns new material sharing the same account URL.
func (a *AccountMaterial) UpdateKey(transport Transport, dir *Directory) (*AccountMaterial, error) {
	newKey, err := generateKey()
	if err != nil {
		return nil, newErr(KindChangeAccountKey, "key generation failed", err)
	}

	oldJWK := publicKeyToJWK(&a.signer.PublicKey)
	innerPayload := map[string]any{
		"account": a.url,
		"oldKey":  oldJWK,
	}
	inner, err := signJWSWithJWK(newKey, dir.KeyChange, "", innerPayload)
	if err != nil {
		return nil, newErr(KindChangeAccountKey, "inner signing failed", err)
	}
	var innerObj json.RawMessage = inner

	nonce, err := dir.newNonce(transport)
	if err != nil {
		return nil, newErr(KindChangeAccountKey, "nonce fetch failed", err)
	}
	outer, err := signJWSWithKid(a.signer, dir.KeyChange, a.url, nonce, innerObj)
	if err != nil {
		return nil, newErr(KindChangeAccountKey, "outer signing failed", err)
	}

	resp, err := transport.PostJOSE(dir.KeyChange, outer)
	if err != nil {
		return nil, newErr(KindChangeAccountKey, "request failed", err)
	}
	if !resp.IsSuccess() {
		return nil, newErr(KindChangeAccountKey, "unexpected status", nil)
	}

	der, err := marshalPKCS8(newKey)
	if err != nil {
		return nil, newErr(KindChangeAccountKey, "pkcs8 encoding failed", err)
	}
	return &AccountMaterial{pkcs8: der, signer: newKey, url: a.url}, nil
}

// Serialize encodes the account material to its persisted JSON form.
// The parsed signer is never serialized, only reconstructed from pkcs8.
func (a *AccountMaterial) Serialize() ([]byte, error) {
	s := accountSerialized{
		PKCS8: base64.RawURLEncoding.EncodeToString(a.pkcs8),
		URL:   a.url,
	}
	return json.Marshal(s)
}
