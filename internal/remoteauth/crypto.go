package remoteauth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

const (
	nonceSize = 32
	// 短于 2048 位时 OAEP-SHA256 放不下凭证
	minKeyBits = 2048
)

var (
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrPayloadTooLarge  = errors.New("payload exceeds OAEP capacity of the client key")
)

// ParsePublicKey 接受 base64 编码的 SPKI DER, 或带/不带头尾的 PEM
func ParsePublicKey(encoded string) (*rsa.PublicKey, []byte, error) {
	encoded = strings.TrimSpace(encoded)
	var der []byte
	if block, _ := pem.Decode([]byte(encoded)); block != nil {
		der = block.Bytes
	} else {
		body := strings.Join(strings.Fields(encoded), "")
		decoded, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		der = decoded
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, nil, fmt.Errorf("%w: not an RSA key", ErrInvalidPublicKey)
	}
	if key.N.BitLen() < minKeyBits {
		return nil, nil, fmt.Errorf("%w: %d bit key", ErrInvalidPublicKey, key.N.BitLen())
	}
	return key, der, nil
}

// Fingerprint is the unpadded base64url SHA-256 of the SPKI DER.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func newNonce() ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// ProofOf 客户端解密 nonce 后应回传的值
func ProofOf(nonce []byte) string {
	sum := sha256.Sum256(nonce)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// checkProof 兼容带填充的 base64url
func checkProof(nonce []byte, proof string) bool {
	got, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(proof, "="))
	if err != nil {
		return false
	}
	want := sha256.Sum256(nonce)
	return subtle.ConstantTimeCompare(got, want[:]) == 1
}

// encrypt 返回 base64(RSA-OAEP-SHA256(plaintext))
func encrypt(key *rsa.PublicKey, plaintext []byte) (string, error) {
	if limit := key.Size() - 2*sha256.Size - 2; len(plaintext) > limit {
		return "", fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(plaintext), limit)
	}
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, key, plaintext, nil)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}
