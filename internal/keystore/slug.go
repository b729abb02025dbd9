package keystore

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/zeebo/xxh3"
)

// slugBytes yields a 43-character urlsafe token, matching the account
// service's lp_ key format.
const slugBytes = 32

// NewKeySlug generates a routable key slug: "lp_" + 43 urlsafe characters.
func NewKeySlug() string {
	buf := make([]byte, slugBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic("keystore: crypto/rand read failed: " + err.Error())
	}
	return "lp_" + base64.RawURLEncoding.EncodeToString(buf)
}

// RedactSlug returns a short stable hash of a key slug for log lines.
// Full slugs are secrets and must never be logged.
func RedactSlug(slug string) string {
	sum := xxh3.HashString(slug)
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		out[i] = hexdigits[sum&0xf]
		sum >>= 4
	}
	return string(out)
}
