// Package auth builds request headers for the sensor API and push endpoint.
//
// Every request carries the API key. When a private key is configured, requests
// are also signed with RSA-PSS over timestamp + method + path.
package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"
)

// Header names.
const (
	HeaderKey       = "X-API-Key"
	HeaderTimestamp = "X-API-Timestamp"
	HeaderSignature = "X-API-Signature"
)

// Signer produces authentication headers for a request.
type Signer interface {
	Headers(method, path string) (http.Header, error)
}

// Credentials holds the API key and optional signing key.
type Credentials struct {
	KeyID      string
	PrivateKey *rsa.PrivateKey // nil disables signing

	now func() time.Time
}

// LoadCredentials builds credentials from a key ID and an optional PEM path.
func LoadCredentials(keyID, privateKeyPath string) (*Credentials, error) {
	if keyID == "" {
		return nil, errors.New("API key ID is required")
	}

	creds := &Credentials{KeyID: keyID}
	if privateKeyPath == "" {
		return creds, nil
	}

	key, err := LoadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}
	creds.PrivateKey = key
	return creds, nil
}

// LoadPrivateKey loads an RSA private key from a PEM file (PKCS#8 or PKCS#1).
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("key is not an RSA private key")
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return rsaKey, nil
}

// Headers returns the authentication headers for method and path.
func (c *Credentials) Headers(method, path string) (http.Header, error) {
	h := http.Header{}
	h.Set(HeaderKey, c.KeyID)

	if c.PrivateKey == nil {
		return h, nil
	}

	now := time.Now
	if c.now != nil {
		now = c.now
	}
	ts := now().UnixMilli()

	sig, err := c.sign(ts, method, path)
	if err != nil {
		return nil, err
	}
	h.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	h.Set(HeaderSignature, sig)
	return h, nil
}

// sign returns base64(RSA-PSS(SHA-256(timestamp + method + path))).
func (c *Credentials) sign(timestampMs int64, method, path string) (string, error) {
	hashed := sha256.Sum256([]byte(strconv.FormatInt(timestampMs, 10) + method + path))

	signature, err := rsa.SignPSS(
		rand.Reader,
		c.PrivateKey,
		crypto.SHA256,
		hashed[:],
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash},
	)
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}

	return base64.StdEncoding.EncodeToString(signature), nil
}
