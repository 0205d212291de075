package authn

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// webhookTimestampTolerance bounds how far a signed webhook's timestamp may
// drift from the verifier's clock before it's rejected as stale or replayed.
const webhookTimestampTolerance = 5 * time.Minute

// VerifyWebhookSignature checks an HMAC-SHA256 signature computed over
// "{timestamp}.{body}", the way Stripe/GitHub-style webhook senders bind the
// signature to a timestamp to prevent replay. secret is the shared secret
// for the sending source; signature is the hex-encoded HMAC; timestamp is
// the Unix-seconds string sent alongside the signature.
func VerifyWebhookSignature(secret, body, timestamp, signature string, now time.Time) error {
	ts, err := parseUnixTimestamp(timestamp)
	if err != nil {
		return fmt.Errorf("invalid webhook timestamp: %w", err)
	}
	if diff := now.Sub(ts); diff > webhookTimestampTolerance || diff < -webhookTimestampTolerance {
		return fmt.Errorf("webhook timestamp outside tolerance")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "." + body))
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("malformed webhook signature")
	}
	if !hmac.Equal(expected, got) {
		return fmt.Errorf("webhook signature mismatch")
	}
	return nil
}

// SignWebhookBody computes the hex-encoded HMAC-SHA256 signature a sender
// would attach to an outbound webhook fan-out, so fabric can originate
// signed external-event deliveries as well as verify inbound ones.
func SignWebhookBody(secret, body, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "." + body))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseUnixTimestamp(s string) (time.Time, error) {
	var sec int64
	if _, err := fmt.Sscanf(s, "%d", &sec); err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
