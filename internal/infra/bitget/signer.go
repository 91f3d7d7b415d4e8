package bitget

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// Signer handles Bitget V2 API Authentication.
// It stores keys as []byte to allow memory wiping (Security Rule #5).
type Signer struct {
	accessKey  []byte
	secretKey  []byte
	passphrase []byte
	demo       bool
	now        func() time.Time
}

// NewSigner creates a new signer.
// It converts string inputs to []byte for internal safety.
func NewSigner(accessKey, secretKey, passphrase string, demo bool) *Signer {
	return &Signer{
		accessKey:  []byte(accessKey),
		secretKey:  []byte(secretKey),
		passphrase: []byte(passphrase),
		demo:       demo,
		now:        time.Now,
	}
}

// Wipe clears the keys from memory.
func (s *Signer) Wipe() {
	if s == nil {
		return
	}
	s.wipeSlice(s.accessKey)
	s.wipeSlice(s.secretKey)
	s.wipeSlice(s.passphrase)
}

func (s *Signer) wipeSlice(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// GenerateHeaders creates the required headers for Bitget V2 API.
// query is the raw query string without '?'.
func (s *Signer) GenerateHeaders(method, path, query, body string) map[string]string {
	timestamp := strconv.FormatInt(s.now().UnixMilli(), 10)

	// Pre-signature string: timestamp + METHOD + requestPath [+ "?" + query] + body
	requestPath := path
	if query != "" {
		requestPath += "?" + query
	}
	signature := s.computeHmacSha256(timestamp + method + requestPath + body)

	h := map[string]string{
		"ACCESS-KEY":        string(s.accessKey),
		"ACCESS-SIGN":       signature,
		"ACCESS-TIMESTAMP":  timestamp,
		"ACCESS-PASSPHRASE": string(s.passphrase),
		"Content-Type":      "application/json",
		"locale":            "en-US",
	}
	if s.demo {
		// Demo trading shares the production host and is selected by header.
		h["paptrading"] = "1"
	}
	return h
}

// LoginArgs builds the private WebSocket login payload.
// Timestamp is in seconds and the signed path is fixed.
func (s *Signer) LoginArgs() loginArg {
	ts := strconv.FormatInt(s.now().Unix(), 10)
	return loginArg{
		APIKey:     string(s.accessKey),
		Passphrase: string(s.passphrase),
		Timestamp:  ts,
		Sign:       s.computeHmacSha256(ts + "GET" + "/user/verify"),
	}
}

func (s *Signer) computeHmacSha256(payload string) string {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
