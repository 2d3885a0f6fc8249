package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries "t=<unix>,v1=<hex hmac>" on credential pushes.
const SignatureHeader = "X-Signature"

// WebhookSigner signs and verifies request bodies with a shared secret.
// The MAC covers timestamp + "." + body.
type WebhookSigner struct {
	Secret []byte
	// MaxSkew bounds how old a signed timestamp may be. Zero disables the
	// check.
	MaxSkew time.Duration
}

// SignAt returns the header value for body at the given time.
func (w *WebhookSigner) SignAt(body []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + hmacSHA256Hex(w.Secret, ts, body)
}

// Verify checks header against body.
func (w *WebhookSigner) Verify(header string, body []byte, now time.Time) error {
	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sig = v
		}
	}
	if ts == "" || sig == "" {
		return fmt.Errorf("crypto: malformed signature header")
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("crypto: bad signature timestamp: %w", err)
	}
	if w.MaxSkew > 0 {
		age := now.Sub(time.Unix(unix, 0))
		if age > w.MaxSkew || age < -w.MaxSkew {
			return fmt.Errorf("crypto: signature timestamp outside allowed skew")
		}
	}

	want := hmacSHA256Hex(w.Secret, ts, body)
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(sig))) {
		return fmt.Errorf("crypto: signature mismatch")
	}
	return nil
}

func hmacSHA256Hex(key []byte, ts string, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
