// Package restauth implements the keyed request authentication shared by
// the inbound control API and the outbound database API. Payloads travel
// inside a JSON envelope {"data": base64(payload), "hash": base64(mac)}
// where the MAC is an HMAC-SHA256 keyed with the shared secret
// concatenated with the current 30-second time window, encoded as a
// little-endian 64-bit integer. The receiver accepts the current window
// plus or minus one to absorb clock skew.
package restauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

// SecretLength is the required secret length in bytes. The value is the
// HMAC block size minus the appended 8-byte time window.
const SecretLength = 56

// timeWindowSeconds is the granularity of the authentication window.
const timeWindowSeconds = 30

type envelope struct {
	Data string `json:"data"`
	Hash string `json:"hash"`
}

// TimeWindow returns the authentication window for a unix timestamp.
func TimeWindow(unixTime int64) uint64 {
	return uint64(unixTime / timeWindowSeconds)
}

// ComputeHash calculates the MAC for payload within the given window.
func ComputeHash(secret []byte, payload []byte, window uint64) []byte {
	key := make([]byte, len(secret)+8)
	copy(key, secret)
	binary.LittleEndian.PutUint64(key[len(secret):], window)

	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return mac.Sum(nil)
}

// Seal wraps payload in the signed JSON envelope using the window derived
// from unixTime.
func Seal(secret []byte, payload []byte, unixTime int64) ([]byte, error) {
	if len(secret) != SecretLength {
		return nil, fmt.Errorf("restauth: secret must be %d bytes, got %d", SecretLength, len(secret))
	}

	window := TimeWindow(unixTime)
	mac := ComputeHash(secret, payload, window)

	return json.Marshal(envelope{
		Data: base64.StdEncoding.EncodeToString(payload),
		Hash: base64.StdEncoding.EncodeToString(mac),
	})
}

// Open unwraps a signed envelope, verifying the MAC against the window
// derived from unixTime and its immediate neighbours. Returns the inner
// payload.
func Open(secret []byte, sealed []byte, unixTime int64) ([]byte, error) {
	if len(secret) != SecretLength {
		return nil, fmt.Errorf("restauth: secret must be %d bytes, got %d", SecretLength, len(secret))
	}

	var e envelope
	if err := json.Unmarshal(sealed, &e); err != nil {
		return nil, fmt.Errorf("restauth: malformed envelope: %w", err)
	}

	payload, err := base64.StdEncoding.DecodeString(e.Data)
	if err != nil {
		return nil, fmt.Errorf("restauth: malformed data field: %w", err)
	}

	mac, err := base64.StdEncoding.DecodeString(e.Hash)
	if err != nil {
		return nil, fmt.Errorf("restauth: malformed hash field: %w", err)
	}

	window := TimeWindow(unixTime)
	for _, candidate := range []uint64{window, window - 1, window + 1} {
		if hmac.Equal(mac, ComputeHash(secret, payload, candidate)) {
			return payload, nil
		}
	}

	return nil, fmt.Errorf("restauth: hash mismatch")
}

// Now is the clock used for windows; overridable in tests.
var Now = func() time.Time { return time.Now() }
