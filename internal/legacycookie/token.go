// Package legacycookie decodes the authentication cookies issued by the
// platform's previous web application so that sessions survive the cutover.
// Two formats exist: a signed session envelope holding a small key/value
// mapping, and an older "remember me" token that is just a bearer token with
// an HMAC tacked on.  Both are foreign formats; this package only verifies
// and opens them, it never issues them outside of tests.
package legacycookie

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"strings"
)

// EncodeRememberToken produces `<payload>|<hex hmac-sha512>`.  Only used by
// tests and migration tooling; the legacy application is the real issuer.
func EncodeRememberToken(secret []byte, payload string) string {
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(payload))
	return payload + "|" + hex.EncodeToString(mac.Sum(nil))
}

// DecodeRememberToken verifies a remember-me cookie and returns its payload,
// which is the bearer token itself.  Malformed input and a bad signature are
// deliberately indistinguishable: both return ok=false so the caller cannot
// leak which part of verification failed.
func DecodeRememberToken(secret []byte, token string) (string, bool) {
	sep := strings.LastIndexByte(token, '|')
	if sep < 0 {
		return "", false
	}
	payload, digest := token[:sep], token[sep+1:]
	if digest == "" {
		return "", false
	}

	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(payload))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(digest))) {
		return "", false
	}
	return payload, true
}
