package legacycookie

import (
	"bytes"
	"compress/zlib"
	"crypto/hmac"
	"crypto/sha1" // #nosec G505 -- fixed by the legacy cookie format
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// The legacy application signs its session cookie with a key derived from
// the application secret and a fixed salt, concatenation style:
// key = SHA1(salt || "signer" || secret).
const envelopeSalt = "cookie-session"

var (
	ErrEnvelopeFormat    = errors.New("session envelope: malformed value")
	ErrEnvelopeSignature = errors.New("session envelope: signature mismatch")
	ErrEnvelopeExpired   = errors.New("session envelope: expired")
)

// EnvelopeConfig carries the parameters needed to open a legacy session
// cookie.  CookieName is not part of the signature; it is kept here so the
// whole cookie configuration travels as one value.
type EnvelopeConfig struct {
	CookieName string
	SecretKey  []byte
	MaxAge     time.Duration
}

// Open verifies and decodes a session envelope.  The wire format is
// `[.]b64(payload).b64(timestamp).b64(sig)` with URL-safe unpadded base64;
// a leading dot marks a zlib-compressed payload, the timestamp is a
// big-endian unix time, and the signature is an HMAC-SHA1 of everything
// before the final dot.
//
// On any failure Open returns an empty mapping together with the reason, so
// callers can fall back to the remember-token path and log at debug level.
// It never returns a nil map.
func (c EnvelopeConfig) Open(value string) (map[string]any, error) {
	empty := map[string]any{}

	sigSep := strings.LastIndexByte(value, '.')
	if sigSep <= 0 {
		return empty, ErrEnvelopeFormat
	}
	signed, sigB64 := value[:sigSep], value[sigSep+1:]

	sig, err := b64Decode(sigB64)
	if err != nil {
		return empty, ErrEnvelopeFormat
	}
	mac := hmac.New(sha1.New, c.deriveKey())
	mac.Write([]byte(signed))
	if !hmac.Equal(mac.Sum(nil), sig) {
		return empty, ErrEnvelopeSignature
	}

	tsSep := strings.LastIndexByte(signed, '.')
	if tsSep <= 0 {
		return empty, ErrEnvelopeFormat
	}
	payloadPart, tsB64 := signed[:tsSep], signed[tsSep+1:]

	tsBytes, err := b64Decode(tsB64)
	if err != nil || len(tsBytes) == 0 || len(tsBytes) > 8 {
		return empty, ErrEnvelopeFormat
	}
	var ts int64
	for _, b := range tsBytes {
		ts = ts<<8 | int64(b)
	}
	if c.MaxAge > 0 && time.Since(time.Unix(ts, 0)) > c.MaxAge {
		return empty, ErrEnvelopeExpired
	}

	compressed := strings.HasPrefix(payloadPart, ".")
	payload, err := b64Decode(strings.TrimPrefix(payloadPart, "."))
	if err != nil {
		return empty, ErrEnvelopeFormat
	}
	if compressed {
		payload, err = inflate(payload)
		if err != nil {
			return empty, ErrEnvelopeFormat
		}
	}

	session := map[string]any{}
	if err := json.Unmarshal(payload, &session); err != nil {
		return empty, fmt.Errorf("%w: %s", ErrEnvelopeFormat, err)
	}
	return session, nil
}

// Seal is the inverse of Open.  The service never sets this cookie in
// production; Seal exists so the bridge can be exercised end to end in tests
// and by the migration tooling.
func (c EnvelopeConfig) Seal(session map[string]any, now time.Time) (string, error) {
	payload, err := json.Marshal(session)
	if err != nil {
		return "", err
	}

	value := b64Encode(payload)
	if deflated := deflate(payload); len(b64Encode(deflated)) < len(value) {
		value = "." + b64Encode(deflated)
	}

	ts := now.Unix()
	tsBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBytes, uint64(ts))
	i := 0
	for i < 7 && tsBytes[i] == 0 {
		i++
	}
	value = value + "." + b64Encode(tsBytes[i:])

	mac := hmac.New(sha1.New, c.deriveKey())
	mac.Write([]byte(value))
	return value + "." + b64Encode(mac.Sum(nil)), nil
}

func (c EnvelopeConfig) deriveKey() []byte {
	h := sha1.New() // #nosec G401 -- fixed by the legacy cookie format
	h.Write([]byte(envelopeSalt))
	h.Write([]byte("signer"))
	h.Write(c.SecretKey)
	return h.Sum(nil)
}

func b64Decode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

func b64Encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	// session payloads are tiny, cap the read anyway
	return io.ReadAll(io.LimitReader(r, 1<<20))
}

func deflate(data []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, _ = w.Write(data)
	_ = w.Close()
	return buf.Bytes()
}
