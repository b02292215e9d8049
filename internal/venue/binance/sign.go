package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"
)

const recvWindowMillis = "5000"

// hmacSigner signs requests the Binance way: timestamp and recvWindow join
// the query string, the HMAC-SHA256 of the encoded query is appended as
// "signature", and the API key rides in a header.
type hmacSigner struct {
	apiKey    string
	secretKey string
	// now is swappable for deterministic signature tests.
	now func() time.Time
}

func newHMACSigner(apiKey, secretKey string) *hmacSigner {
	return &hmacSigner{apiKey: apiKey, secretKey: secretKey, now: time.Now}
}

func (s *hmacSigner) SignRequest(req *http.Request) error {
	q := req.URL.Query()
	q.Set("timestamp", strconv.FormatInt(s.now().UnixMilli(), 10))
	q.Set("recvWindow", recvWindowMillis)
	encoded := q.Encode()

	mac := hmac.New(sha256.New, []byte(s.secretKey))
	mac.Write([]byte(encoded))
	req.URL.RawQuery = encoded + "&signature=" + hex.EncodeToString(mac.Sum(nil))
	req.Header.Set("X-MBX-APIKEY", s.apiKey)
	return nil
}

// keySigner only attaches the API key header. Listen-key management wants
// the key but rejects neither timestamp nor signature checks.
type keySigner struct {
	apiKey string
}

func (s *keySigner) SignRequest(req *http.Request) error {
	req.Header.Set("X-MBX-APIKEY", s.apiKey)
	return nil
}
