package bitget

import (
	"testing"
	"time"
)

func TestSigner_GenerateHeaders(t *testing.T) {
	signer := NewSigner("key", "secret", "pass", false)

	headers := signer.GenerateHeaders("POST", "/api/v2/mix/order/place-order", "", `{"symbol":"BTCUSDT"}`)

	if headers["ACCESS-KEY"] != "key" {
		t.Errorf("Expected ACCESS-KEY to be 'key', got %s", headers["ACCESS-KEY"])
	}
	if headers["ACCESS-PASSPHRASE"] != "pass" {
		t.Errorf("Expected ACCESS-PASSPHRASE to be 'pass', got %s", headers["ACCESS-PASSPHRASE"])
	}
	if headers["ACCESS-SIGN"] == "" {
		t.Error("ACCESS-SIGN should not be empty")
	}
	if len(headers["ACCESS-TIMESTAMP"]) != 13 { // Milliseconds
		t.Errorf("Expected timestamp len 13, got %s", headers["ACCESS-TIMESTAMP"])
	}
	if _, ok := headers["paptrading"]; ok {
		t.Error("live signer must not set paptrading")
	}
}

func TestSigner_QueryIsSigned(t *testing.T) {
	signer := NewSigner("key", "secret", "pass", true)
	fixed := time.UnixMilli(1_700_000_000_000)
	signer.now = func() time.Time { return fixed }

	h := signer.GenerateHeaders("GET", "/api/v2/mix/order/detail", "symbol=BTCUSDT&orderId=1", "")
	want := signer.computeHmacSha256("1700000000000GET/api/v2/mix/order/detail?symbol=BTCUSDT&orderId=1")
	if h["ACCESS-SIGN"] != want {
		t.Errorf("signature mismatch: got %s want %s", h["ACCESS-SIGN"], want)
	}
	if h["paptrading"] != "1" {
		t.Error("demo signer must set paptrading")
	}
}

func TestComputeHmacSha256(t *testing.T) {
	// Standard HMAC-SHA256 Test Vector
	key := "key"
	data := "The quick brown fox jumps over the lazy dog"
	expected := "97yD9DBThCSxMpjmqm+xQ+9NWaFJRhdZl0edvC0aPNg="

	signer := NewSigner("dummy_access", key, "dummy_pass", false)

	result := signer.computeHmacSha256(data)

	if result != expected {
		t.Errorf("HMAC Mismatch. Expected %s, got %s", expected, result)
	}
}

func TestSigner_Wipe(t *testing.T) {
	signer := NewSigner("key", "secret", "pass", false)
	signer.Wipe()
	for _, b := range signer.secretKey {
		if b != 0 {
			t.Fatal("secret not wiped")
		}
	}
	var nilSigner *Signer
	nilSigner.Wipe() // must not panic
}
