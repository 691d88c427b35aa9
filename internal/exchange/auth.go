package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"

	"perp-trader/internal/config"
)

// Credentials holds the API key triplet used to sign trading requests.
type Credentials struct {
	ApiKey     string
	Secret     string
	Passphrase string
}

// Auth signs exchange requests with HMAC-SHA256 over
// "timestamp + method + requestPath [+ body]", the usual futures-API
// scheme. The signature is base64-encoded and sent alongside the key
// and passphrase headers.
type Auth struct {
	creds Credentials
	now   func() time.Time // injectable clock for tests
}

// NewAuth creates an Auth instance from config.
func NewAuth(cfg config.ExchangeConfig) *Auth {
	return &Auth{
		creds: Credentials{
			ApiKey:     cfg.ApiKey,
			Secret:     cfg.Secret,
			Passphrase: cfg.Passphrase,
		},
		now: time.Now,
	}
}

// HasCredentials returns whether a full key triplet is configured.
func (a *Auth) HasCredentials() bool {
	return a.creds.ApiKey != "" && a.creds.Secret != ""
}

// Headers generates the signed headers for one request.
func (a *Auth) Headers(method, path, body string) map[string]string {
	timestamp := strconv.FormatInt(a.now().UnixMilli(), 10)
	return map[string]string{
		"ACCESS-KEY":        a.creds.ApiKey,
		"ACCESS-SIGN":       a.sign(timestamp, method, path, body),
		"ACCESS-TIMESTAMP":  timestamp,
		"ACCESS-PASSPHRASE": a.creds.Passphrase,
		"Content-Type":      "application/json",
	}
}

// sign computes the HMAC-SHA256 signature.
// message = timestamp + method + requestPath [+ body]
func (a *Auth) sign(timestamp, method, path, body string) string {
	message := timestamp + method + path
	if body != "" {
		message += body
	}

	mac := hmac.New(sha256.New, []byte(a.creds.Secret))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
