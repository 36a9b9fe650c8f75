package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// tokenKey signs callback tokens. Per-process: tokens do not survive a
// restart, which is fine because consumers re-learn them on the next wake.
var tokenKey []byte

func init() {
	tokenKey = make([]byte, 32)
	if _, err := rand.Read(tokenKey); err != nil {
		panic(fmt.Sprintf("generate token key: %v", err))
	}
}

const (
	tokenTTLSeconds       = 3600
	tokenRefreshThreshold = 300
)

// NewSecret creates a webhook signing secret.
func NewSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return "shsec_" + hex.EncodeToString(b)
}

func newWakeID() string {
	b := make([]byte, 12)
	rand.Read(b)
	return "w_" + hex.EncodeToString(b)
}

// SignPayload signs a delivery body with the subscription secret. The
// returned header value is "t=<unix>,sha256=<hex>"; the signed input is
// "<unix>.<body>".
func SignPayload(body, secret string) string {
	timestamp := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", timestamp, body)
	return fmt.Sprintf("t=%d,sha256=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

// VerifyPayload checks a signature produced by SignPayload.
func VerifyPayload(body, secret, signature string) bool {
	var timestamp int64
	var got string
	if _, err := fmt.Sscanf(signature, "t=%d,sha256=%s", &timestamp, &got); err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", timestamp, body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(got), []byte(expected))
}

type tokenClaims struct {
	Sub   string `json:"sub"`
	Epoch int    `json:"epoch"`
	Exp   int64  `json:"exp"`
	Jti   string `json:"jti"`
}

// newToken creates a signed callback token bound to a consumer and epoch.
func newToken(consumerID string, epoch int) string {
	jti := make([]byte, 8)
	rand.Read(jti)

	claims, _ := json.Marshal(tokenClaims{
		Sub:   consumerID,
		Epoch: epoch,
		Exp:   time.Now().Unix() + tokenTTLSeconds,
		Jti:   hex.EncodeToString(jti),
	})
	payload := base64.RawURLEncoding.EncodeToString(claims)

	mac := hmac.New(sha256.New, tokenKey)
	mac.Write([]byte(payload))
	return payload + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

type tokenCheck struct {
	valid bool
	exp   int64
	code  string
}

func checkToken(token, consumerID string) tokenCheck {
	payload, sig, ok := strings.Cut(token, ".")
	if !ok {
		return tokenCheck{code: ErrCodeTokenInvalid}
	}

	mac := hmac.New(sha256.New, tokenKey)
	mac.Write([]byte(payload))
	expected := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return tokenCheck{code: ErrCodeTokenInvalid}
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return tokenCheck{code: ErrCodeTokenInvalid}
	}
	var claims tokenClaims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return tokenCheck{code: ErrCodeTokenInvalid}
	}
	if claims.Sub != consumerID {
		return tokenCheck{code: ErrCodeTokenInvalid}
	}
	if time.Now().Unix() > claims.Exp {
		return tokenCheck{code: ErrCodeTokenExpired}
	}
	return tokenCheck{valid: true, exp: claims.Exp}
}

func tokenNeedsRefresh(exp int64) bool {
	return exp-time.Now().Unix() <= tokenRefreshThreshold
}
