package restauth

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testSecret() []byte {
	secret := make([]byte, SecretLength)
	for i := range secret {
		secret[i] = byte(i)
	}
	return secret
}

func TestSealOpen_RoundTrip(t *testing.T) {
	secret := testSecret()
	payload := []byte(`{"hello":"world"}`)

	sealed, err := Seal(secret, payload, 1700000000)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	opened, err := Open(secret, sealed, 1700000000)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !bytes.Equal(opened, payload) {
		t.Errorf("expected %q, got %q", payload, opened)
	}
}

func TestOpen_AcceptsAdjacentWindow(t *testing.T) {
	secret := testSecret()
	payload := []byte("data")

	sealed, err := Seal(secret, payload, 1700000000)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	// One window earlier and later still verify.
	if _, err := Open(secret, sealed, 1700000000-30); err != nil {
		t.Errorf("expected previous window to verify: %v", err)
	}
	if _, err := Open(secret, sealed, 1700000000+30); err != nil {
		t.Errorf("expected next window to verify: %v", err)
	}

	// Two windows away must fail.
	if _, err := Open(secret, sealed, 1700000000+90); err == nil {
		t.Error("expected distant window to fail verification")
	}
}

func TestOpen_RejectsTamperedPayload(t *testing.T) {
	secret := testSecret()

	sealed, err := Seal(secret, []byte("original"), 1700000000)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	var e struct {
		Data string `json:"data"`
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(sealed, &e); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	e.Data = "dGFtcGVyZWQ=" // "tampered"
	tampered, _ := json.Marshal(e)

	if _, err := Open(secret, tampered, 1700000000); err == nil {
		t.Error("expected tampered envelope to fail verification")
	}
}

func TestOpen_RejectsWrongSecret(t *testing.T) {
	sealed, err := Seal(testSecret(), []byte("payload"), 1700000000)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	other := testSecret()
	other[0] ^= 0xFF

	if _, err := Open(other, sealed, 1700000000); err == nil {
		t.Error("expected wrong secret to fail verification")
	}
}

func TestSeal_RejectsBadSecretLength(t *testing.T) {
	if _, err := Seal(make([]byte, 16), []byte("x"), 0); err == nil {
		t.Error("expected short secret to be rejected")
	}
	if _, err := Open(make([]byte, 16), []byte("{}"), 0); err == nil {
		t.Error("expected short secret to be rejected")
	}
}

func TestTimeDeltaHandler_ReportsSkew(t *testing.T) {
	oldNow := Now
	Now = func() time.Time { return time.Unix(1700000100, 0) }
	defer func() { Now = oldNow }()

	handler := TimeDeltaHandler()
	request := httptest.NewRequest("POST", "/td", strings.NewReader(`{"timestamp":1700000000}`))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != 200 {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}

	var response struct {
		Status    string `json:"status"`
		TimeDelta int64  `json:"time_delta"`
	}
	if err := json.NewDecoder(recorder.Body).Decode(&response); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if response.Status != "OK" {
		t.Errorf("expected OK, got %q", response.Status)
	}
	if response.TimeDelta != 100 {
		t.Errorf("expected delta 100, got %d", response.TimeDelta)
	}
}

func TestTimeDeltaHandler_RejectsGet(t *testing.T) {
	handler := TimeDeltaHandler()
	request := httptest.NewRequest("GET", "/td", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != 405 {
		t.Errorf("expected 405, got %d", recorder.Code)
	}
}
