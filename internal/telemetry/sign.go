package telemetry

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// param is one query pair. The signature covers the query bytes exactly, so
// order is preserved as built instead of being sorted like url.Values.
type param struct {
	key   string
	value string
}

type params []param

func (p params) add(key, value string) params {
	return append(p, param{key: key, value: value})
}

// encode renders the pairs form-encoded (space as '+') in insertion order.
func (p params) encode() string {
	var b strings.Builder
	for i, kv := range p {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(kv.key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv.value))
	}
	return b.String()
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// saltFor returns the millisecond timestamp used as the request nonce.
func saltFor(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// signWithPassword signs the authSource call: sha1(salt + sha1(password) + "&" + query).
func signWithPassword(salt, password, query string) string {
	return sha1Hex(salt + sha1Hex(password) + "&" + query)
}

// signWithToken signs every other call: sha1(salt + secret + token + "&" + query).
func signWithToken(salt, secret, token, query string) string {
	return sha1Hex(salt + secret + token + "&" + query)
}
