package slackevent

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	signatureVersion = "v0"
	// Slack signs requests with a timestamp; anything older than five
	// minutes is treated as a replay and rejected.
	signatureMaxAge = 5 * time.Minute
)

var (
	ErrMissingHeaders   = errors.New("signature headers are required")
	ErrStaleTimestamp   = errors.New("request timestamp outside allowed window")
	ErrInvalidSignature = errors.New("invalid request signature")
)

// Verifier checks X-Slack-Signature headers against the signing secret.
// Now is injectable for deterministic tests; it defaults to time.Now.
type Verifier struct {
	SigningSecret string
	Now           func() time.Time
}

// Verify returns nil only when the timestamp is within the replay window and
// the v0 HMAC-SHA256 signature over "v0:<timestamp>:<body>" matches. Every
// failure mode, including unparseable input, rejects.
func (v *Verifier) Verify(signature, timestamp string, body []byte) error {
	if strings.TrimSpace(signature) == "" || strings.TrimSpace(timestamp) == "" {
		return ErrMissingHeaders
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return ErrStaleTimestamp
	}

	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	age := now().Unix() - ts
	if age < 0 {
		age = -age
	}
	if age > int64(signatureMaxAge/time.Second) {
		return ErrStaleTimestamp
	}

	mac := hmac.New(sha256.New, []byte(v.SigningSecret))
	mac.Write([]byte(signatureVersion + ":" + timestamp + ":"))
	mac.Write(body)
	expected := signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}
