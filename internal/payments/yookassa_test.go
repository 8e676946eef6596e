package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signHMAC(secret string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func TestCheckSignature(t *testing.T) {
	secret := "testsecret"
	body := []byte(`{"test":"data"}`)
	calc := signHMAC(secret, body)

	tests := []struct {
		desc        string
		authHeader  string
		yoomoneyHdr string
		want        bool
	}{
		{"valid Authorization", "HMAC " + calc, "", true},
		{"valid Authorization SHA256", "HMAC-SHA256 " + calc, "", true},
		{"valid Yoomoney header", "", calc, true},
		{"wrong signature", "HMAC wrong", "", false},
		{"wrong yoomoney", "", "wrong", false},
		{"both empty", "", "", false},
		{"unknown scheme", "Bearer " + calc, "", false},
	}

	for _, tt := range tests {
		if got := checkSignature(secret, body, tt.authHeader, tt.yoomoneyHdr); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.desc, got, tt.want)
		}
	}
}

func TestYooKassaVerifyEvent(t *testing.T) {
	y := NewYooKassa("shop", "testsecret", false)

	body := []byte(`{"event":"payment.succeeded","object":{"id":"pay-1","status":"succeeded","paid":true,"amount":{"value":"150.50","currency":"RUB"}}}`)
	hdr := http.Header{}
	hdr.Set("Authorization", "HMAC "+signHMAC("testsecret", body))

	ev, err := y.VerifyEvent(body, hdr)
	require.NoError(t, err)
	assert.Equal(t, "pay-1", ev.PaymentID)
	assert.True(t, ev.Paid)
	assert.Equal(t, int64(15050), ev.AmountKopeks)
	assert.Equal(t, "RUB", ev.Currency)
}

func TestYooKassaWaitingForCapture(t *testing.T) {
	y := NewYooKassa("shop", "s", false)

	sign := func(body []byte) http.Header {
		hdr := http.Header{}
		hdr.Set("Authorization", "HMAC "+signHMAC("s", body))
		return hdr
	}

	// waiting_for_capture с paid=true — оплачено
	body := []byte(`{"event":"payment.waiting_for_capture","object":{"id":"w1","status":"waiting_for_capture","paid":true,"amount":{"value":"10.00","currency":"RUB"}}}`)
	ev, err := y.VerifyEvent(body, sign(body))
	require.NoError(t, err)
	assert.True(t, ev.Paid)

	// canceled — не оплачено
	body = []byte(`{"event":"payment.canceled","object":{"id":"w2","status":"canceled","paid":false,"amount":{"value":"10.00","currency":"RUB"}}}`)
	ev, err = y.VerifyEvent(body, sign(body))
	require.NoError(t, err)
	assert.False(t, ev.Paid)
}

func TestYooKassaBadSignature(t *testing.T) {
	y := NewYooKassa("shop", "right", false)
	body := []byte(`{"object":{"id":"x"}}`)
	hdr := http.Header{}
	hdr.Set("Authorization", "HMAC "+signHMAC("wrong", body))

	_, err := y.VerifyEvent(body, hdr)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestYooKassaReconfigure(t *testing.T) {
	y := NewYooKassa("shop", "old", true)
	y.Reconfigure("shop", "new", false)

	body := []byte(`{"event":"payment.succeeded","object":{"id":"p","status":"succeeded","paid":true,"amount":{"value":"1.00","currency":"RUB"}}}`)
	hdr := http.Header{}
	hdr.Set("Authorization", "HMAC "+signHMAC("new", body))

	_, err := y.VerifyEvent(body, hdr)
	require.NoError(t, err)
	assert.False(t, y.TestMode())
}

func TestDecimalKopeks(t *testing.T) {
	assert.Equal(t, "150.50", kopeksToDecimal(15050))
	assert.Equal(t, "0.09", kopeksToDecimal(9))
	assert.Equal(t, int64(15050), decimalToKopeks("150.50"))
	assert.Equal(t, int64(15000), decimalToKopeks("150"))
	assert.Equal(t, int64(0), decimalToKopeks("garbage"))
}
