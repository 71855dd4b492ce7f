package identity

import (
	"encoding/base64"
	"errors"
)

// ErrMalformed is the taxonomy-level error (spec §7) for signature or body
// hash mismatches on an inbound request. Handlers translate it to a 403.
var ErrMalformed = errors.New("malformed signed request")

func b64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func b64Decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
