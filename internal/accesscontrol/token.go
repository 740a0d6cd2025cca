package accesscontrol

import (
	"crypto/rand"
	"encoding/base32"
)

// tokenPrefix marks esplink-issued credentials so they are recognizable in
// logs and captures without being guessable.
const tokenPrefix = "ESPL"

// newTokenValue mints an opaque bearer token value: 12 random bytes,
// base32-encoded and grouped as ESPL-XXXX-XXXX-XXXX-XXXX.
func newTokenValue() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform entropy source is gone;
		// nothing sensible to return.
		panic("accesscontrol: crypto/rand unavailable: " + err.Error())
	}

	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)
	return tokenPrefix + "-" + encoded[0:4] + "-" + encoded[4:8] + "-" + encoded[8:12] + "-" + encoded[12:16]
}
