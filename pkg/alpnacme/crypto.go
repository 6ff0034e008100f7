package alpnacme

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"math/big"
)

// generateKey creates a fresh ECDSA P-256 keypair. The core uses P-256
// exclusively: ACME's ES256 JWS algorithm and the account/CSR keys are
// all P-256, per spec.
func generateKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// marshalPKCS8 encodes a private key as PKCS#8 DER, the wire form used
// for AccountMaterial's serialized representation.
func marshalPKCS8(key *ecdsa.PrivateKey) ([]byte, error) {
	return x509.MarshalPKCS8PrivateKey(key)
}

// parsePKCS8 decodes a PKCS#8 DER-encoded ECDSA private key.
func parsePKCS8(der []byte) (*ecdsa.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, newErr(KindInvalidKey, "pkcs8 key is not ECDSA", nil)
	}
	return ecKey, nil
}

// signES256 signs data with P-256/SHA-256 and returns the raw, fixed-width
// r||s signature (64 bytes) that JWS ES256 requires — never the ASN.1 DER
// form crypto/ecdsa's Sign would otherwise imply.
func signES256(key *ecdsa.PrivateKey, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		return nil, err
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[0:32])
	s.FillBytes(sig[32:64])
	return sig, nil
}

// affineCoordinates returns the 32-byte big-endian X and Y coordinates of
// a P-256 public key, as required by the JWK x/y fields.
func affineCoordinates(pub *ecdsa.PublicKey) (x, y []byte) {
	x = make([]byte, 32)
	y = make([]byte, 32)
	pub.X.FillBytes(x)
	pub.Y.FillBytes(y)
	return x, y
}

// coordinatesToPublicKey reconstructs a P-256 public key from affine
// coordinates, used only by tests that round-trip JWKs.
func coordinatesToPublicKey(x, y []byte) *ecdsa.PublicKey {
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}
}

// encodeECPrivateKeyPEM PEM-encodes a private key using PKCS#8, matching
// the "PRIVATE KEY" block type expected alongside an issued chain.
func encodeECPrivateKeyPEM(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := marshalPKCS8(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
