package alpnacme

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
)

// jwk is the subset of RFC 7517 fields ACME needs: a P-256 signing key.
// Field order here does not matter for the JWS protected header (the
// wire encoder below controls that), but thumbprint computation below
// re-serializes in the canonical {crv, kty, x, y} order regardless of
// struct field order.
type jwk struct {
	Alg string `json:"alg"`
	Crv string `json:"crv"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func publicKeyToJWK(pub *ecdsa.PublicKey) jwk {
	x, y := affineCoordinates(pub)
	return jwk{
		Alg: "ES256",
		Crv: "P-256",
		Kty: "EC",
		Use: "sig",
		X:   base64.RawURLEncoding.EncodeToString(x),
		Y:   base64.RawURLEncoding.EncodeToString(y),
	}
}

// thumbprint computes the JWK thumbprint per RFC 7638: SHA-256 of the
// canonical JSON serialization with members in lexical key order
// {crv, kty, x, y}. Using a dedicated struct (rather than a map) pins
// that order regardless of how encoding/json would otherwise sort keys,
// so thumbprints stay stable even if the caller's JSON library changes.
func (k jwk) thumbprint() string {
	type canonical struct {
		Crv string `json:"crv"`
		Kty string `json:"kty"`
		X   string `json:"x"`
		Y   string `json:"y"`
	}
	b, _ := json.Marshal(canonical{Crv: k.Crv, Kty: k.Kty, X: k.X, Y: k.Y})
	sum := sha256.Sum256(b)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// keyAuthorization computes token + "." + thumbprint(jwk), the value
// whose SHA-256 is embedded in a TLS-ALPN-01 challenge certificate and
// whose plain form is served for HTTP-01 (unused here, but the formula
// is shared ACME vocabulary).
func keyAuthorization(token string, key jwk) string {
	return token + "." + key.thumbprint()
}

// jws is the flattened-serialization JWS object ACME POSTs expect:
// a single "signature", never the general multi-signature form.
type jws struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// protectedHeader is the JWS protected header. Exactly one of JWK or Kid
// is populated; Nonce is omitted for the inner JWS of a key-rollover
// request (signJWS callers simply pass an empty nonce in that case).
type protectedHeader struct {
	Alg   string `json:"alg"`
	JWK   *jwk   `json:"jwk,omitempty"`
	Kid   string `json:"kid,omitempty"`
	Nonce string `json:"nonce,omitempty"`
	URL   string `json:"url"`
}

// signJWS builds a flattened ACME JWS. kid and embeddedJWK are
// mutually exclusive: pass kid for a looked-up account, or a non-nil
// jwk pointer when the request creates or looks up the account itself
// (no kid yet). payload of nil encodes to an empty payload string, as
// POST-as-GET requires.
func signJWS(signer *ecdsa.PrivateKey, url, kid, nonce string, embeddedJWK *jwk, payload any) ([]byte, error) {
	var payloadEncoded string
	if payload != nil {
		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadEncoded = base64.RawURLEncoding.EncodeToString(payloadJSON)
	}

	header := protectedHeader{Alg: "ES256", Nonce: nonce, URL: url}
	if embeddedJWK != nil {
		header.JWK = embeddedJWK
	} else {
		header.Kid = kid
	}

	protectedJSON, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	protectedEncoded := base64.RawURLEncoding.EncodeToString(protectedJSON)

	signingInput := protectedEncoded + "." + payloadEncoded
	signature, err := signES256(signer, []byte(signingInput))
	if err != nil {
		return nil, err
	}

	return json.Marshal(jws{
		Protected: protectedEncoded,
		Payload:   payloadEncoded,
		Signature: base64.RawURLEncoding.EncodeToString(signature),
	})
}

// signJWSWithJWK signs a request whose protected header must carry the
// embedded public JWK (account creation / lookup, where no kid exists
// yet).
func signJWSWithJWK(signer *ecdsa.PrivateKey, url, nonce string, payload any) ([]byte, error) {
	key := publicKeyToJWK(&signer.PublicKey)
	return signJWS(signer, url, "", nonce, &key, payload)
}

// signJWSWithKid signs a request addressed by account URL (kid), the
// common case once an account exists.
func signJWSWithKid(signer *ecdsa.PrivateKey, url, kid, nonce string, payload any) ([]byte, error) {
	return signJWS(signer, url, kid, nonce, nil, payload)
}

// base64URLEncode is the unpadded base64url encoding ACME uses
// throughout the wire format (CSR bytes, JWS segments, thumbprints).
func base64URLEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
