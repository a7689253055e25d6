package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// CallbackPayload is the canonical string signed for return callbacks
func CallbackPayload(orderID, paymentKey string, amount int64) string {
	return orderID + ":" + paymentKey + ":" + strconv.FormatInt(amount, 10)
}

// SignCallback returns the hex HMAC-SHA256 of the callback parameters
func SignCallback(secret, orderID, paymentKey string, amount int64) string {
	return Sign(secret, []byte(CallbackPayload(orderID, paymentKey, amount)))
}

// Sign returns the hex HMAC-SHA256 of payload
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a hex signature in constant time
func Verify(secret string, payload []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}
