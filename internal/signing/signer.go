// Package signing produces Binance request signatures. Two modes are
// supported: HMAC-SHA256 with a shared secret (hex output) and Ed25519 with
// a PKCS#8 private key (base64 output).
package signing

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// ErrInvalidCredentials is returned when no usable signing mode is configured.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Mode identifies the signing algorithm in use.
type Mode int

const (
	ModeHMAC Mode = iota + 1
	ModeEd25519
)

func (m Mode) String() string {
	switch m {
	case ModeHMAC:
		return "hmac-sha256"
	case ModeEd25519:
		return "ed25519"
	default:
		return "unknown"
	}
}

// Credentials holds the API key and exactly one signing key.
type Credentials struct {
	APIKey     string
	secret     []byte
	privateKey ed25519.PrivateKey
}

// Mode reports which signing mode the credentials carry.
func (c Credentials) Mode() Mode {
	switch {
	case len(c.secret) > 0:
		return ModeHMAC
	case c.privateKey != nil:
		return ModeEd25519
	default:
		return 0
	}
}

// NewCredentials validates the key material. Exactly one of secret and
// privateKeyPEM must be set.
func NewCredentials(apiKey, secret string, privateKeyPEM []byte) (Credentials, error) {
	if apiKey == "" {
		return Credentials{}, fmt.Errorf("%w: api key is empty", ErrInvalidCredentials)
	}
	hasSecret := secret != ""
	hasKey := len(privateKeyPEM) > 0
	switch {
	case hasSecret && hasKey:
		return Credentials{}, fmt.Errorf("%w: both secret and private key configured", ErrInvalidCredentials)
	case !hasSecret && !hasKey:
		return Credentials{}, fmt.Errorf("%w: neither secret nor private key configured", ErrInvalidCredentials)
	case hasSecret:
		return Credentials{APIKey: apiKey, secret: []byte(secret)}, nil
	}

	key, err := parseEd25519(privateKeyPEM)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	return Credentials{APIKey: apiKey, privateKey: key}, nil
}

func parseEd25519(data []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("private key is not PEM encoded")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want ed25519", parsed)
	}
	return key, nil
}

// Signer signs canonical query strings.
type Signer struct {
	creds      Credentials
	recvWindow time.Duration
}

// NewSigner returns a Signer. recvWindow is sent with every signed request.
func NewSigner(creds Credentials, recvWindow time.Duration) (*Signer, error) {
	if creds.Mode() == 0 {
		return nil, ErrInvalidCredentials
	}
	if recvWindow <= 0 {
		recvWindow = 5 * time.Second
	}
	return &Signer{creds: creds, recvWindow: recvWindow}, nil
}

// APIKey returns the key sent in the X-MBX-APIKEY header.
func (s *Signer) APIKey() string { return s.creds.APIKey }

// Mode reports the signing mode.
func (s *Signer) Mode() Mode { return s.creds.Mode() }

// Sign adds timestamp and recvWindow to a copy of params, canonicalizes the
// result and signs it. The returned query must be sent byte for byte, with
// the signature appended as the last parameter.
func (s *Signer) Sign(params url.Values, ts time.Time) (query string, signature string, err error) {
	signed := make(url.Values, len(params)+2)
	for k, v := range params {
		signed[k] = append([]string(nil), v...)
	}
	signed.Set("timestamp", strconv.FormatInt(ts.UnixMilli(), 10))
	signed.Set("recvWindow", strconv.FormatInt(s.recvWindow.Milliseconds(), 10))

	query = Canonical(signed)
	signature, err = s.SignPayload(query)
	if err != nil {
		return "", "", err
	}
	return query, signature, nil
}

// SignPayload signs an already canonical payload.
func (s *Signer) SignPayload(payload string) (string, error) {
	switch s.creds.Mode() {
	case ModeHMAC:
		mac := hmac.New(sha256.New, s.creds.secret)
		mac.Write([]byte(payload))
		return hex.EncodeToString(mac.Sum(nil)), nil
	case ModeEd25519:
		sig := ed25519.Sign(s.creds.privateKey, []byte(payload))
		return base64.StdEncoding.EncodeToString(sig), nil
	default:
		return "", ErrInvalidCredentials
	}
}

// Canonical renders params sorted by key as key=value pairs joined with '&'.
// Values are query-escaped so the string can be sent as-is.
func Canonical(params url.Values) string {
	return params.Encode()
}
