package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Signature verification errors.
var (
	ErrSignatureInvalid   = errors.New("renderq/webhook: signature mismatch")
	ErrSignatureMalformed = errors.New("renderq/webhook: malformed signature header")
	ErrSignatureExpired   = errors.New("renderq/webhook: signature timestamp outside tolerance")
)

// DefaultTolerance is the replay window accepted by Verify.
const DefaultTolerance = 5 * time.Minute

// NewSecret returns a 64-character hex secret for a new registration.
func NewSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("renderq/webhook: generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Sign computes the X-Webhook-Signature header value for a payload:
// "t={unixMs},v1={hex}" where hex is HMAC-SHA256 over "{unixMs}.{payload}".
func Sign(secret string, at time.Time, payload []byte) string {
	ts := at.UnixMilli()
	return fmt.Sprintf("t=%d,v1=%s", ts, signHex(secret, ts, payload))
}

func signHex(secret string, unixMs int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(unixMs, 10)))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature header against the payload using a
// constant-time compare, rejecting timestamps outside the tolerance
// window around now. Zero tolerance means DefaultTolerance.
func Verify(secret, header string, payload []byte, now time.Time, tolerance time.Duration) error {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	var tsPart, sigPart string
	for _, part := range strings.Split(header, ",") {
		switch {
		case strings.HasPrefix(part, "t="):
			tsPart = strings.TrimPrefix(part, "t=")
		case strings.HasPrefix(part, "v1="):
			sigPart = strings.TrimPrefix(part, "v1=")
		}
	}
	if tsPart == "" || sigPart == "" {
		return ErrSignatureMalformed
	}

	unixMs, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return ErrSignatureMalformed
	}

	drift := now.Sub(time.UnixMilli(unixMs))
	if drift < 0 {
		drift = -drift
	}
	if drift > tolerance {
		return ErrSignatureExpired
	}

	expected := signHex(secret, unixMs, payload)
	if !hmac.Equal([]byte(expected), []byte(sigPart)) {
		return ErrSignatureInvalid
	}
	return nil
}
