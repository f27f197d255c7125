// Package kalshi implements the Kalshi venue connector: RSA-PSS signed
// REST fetches, the trade-api WebSocket stream with sequence-gap recovery,
// and normalization of the venue's integer-cents YES/NO ladders.
package kalshi

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strconv"
	"time"
)

// Signer signs Kalshi requests. Every REST request and the WS handshake
// sign timestamp||method||path with RSA-PSS over SHA-256.
type Signer struct {
	apiKeyID string
	key      *rsa.PrivateKey
}

// NewSigner parses a PKCS#8 PEM private key.
func NewSigner(apiKeyID string, privateKeyPEM []byte) (*Signer, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("kalshi: decode PEM block")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("kalshi: parse private key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("kalshi: key is not RSA")
	}
	return &Signer{apiKeyID: apiKeyID, key: rsaKey}, nil
}

// Headers computes the signed header triple for one request.
func (s *Signer) Headers(method, path string) (map[string]string, error) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sig, err := s.sign(ts + method + path)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"KALSHI-ACCESS-KEY":       s.apiKeyID,
		"KALSHI-ACCESS-SIGNATURE": sig,
		"KALSHI-ACCESS-TIMESTAMP": ts,
	}, nil
}

func (s *Signer) sign(msg string) (string, error) {
	h := sha256.Sum256([]byte(msg))
	sig, err := rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, h[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return "", fmt.Errorf("kalshi: sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}
