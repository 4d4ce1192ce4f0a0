// Package hexutil converts between hex strings and raw bytes
package hexutil

import (
	"encoding/hex"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11fixture/tokenerr"
)

// Decode decodes a hex string into bytes, two hex digits per byte,
// most significant nibble first. Upper and lower case digits are accepted.
//
// Odd length or non-hex input is rejected with tokenerr.InvalidFormatError,
// nothing is truncated. An empty string decodes to an empty slice.
func Decode(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err == nil {
		return b, nil
	}

	var ibe hex.InvalidByteError
	if errors.As(err, &ibe) {
		// the first invalid byte is reported
		return nil, tokenerr.Markf(tokenerr.InvalidFormatError, err,
			"invalid hex string at offset %d", strings.IndexByte(s, byte(ibe)))
	}
	return nil, tokenerr.Markf(tokenerr.InvalidFormatError, err, "invalid hex string of length %d", len(s))
}

// MustDecode decodes hex literal, and panics on malformed input
func MustDecode(s string) []byte {
	b, err := Decode(s)
	if err != nil {
		panic(err)
	}
	return b
}

// EncodeUpper encodes bytes as an uppercase hex string
func EncodeUpper(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}
