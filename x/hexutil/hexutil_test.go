package hexutil

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11fixture/tokenerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tcases := []struct {
		in  string
		exp []byte
	}{
		{"", []byte{}},
		{"00", []byte{0x00}},
		{"0A", []byte{0x0a}},
		{"0a", []byte{0x0a}},
		{"FF10", []byte{0xff, 0x10}},
		{"a94a8fe5", []byte{0xa9, 0x4a, 0x8f, 0xe5}},
	}

	for _, tc := range tcases {
		t.Run(tc.in, func(t *testing.T) {
			b, err := Decode(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.exp, b)
			assert.Equal(t, strings.ToUpper(tc.in), EncodeUpper(b))
		})
	}
}

func TestDecodeInvalid(t *testing.T) {
	tcases := []struct {
		in  string
		exp string
		odd bool
	}{
		{"0", "invalid hex string of length 1: encoding/hex: odd length hex string", true},
		{"ABC", "invalid hex string of length 3: encoding/hex: odd length hex string", true},
		{"0G", "invalid hex string at offset 1: encoding/hex: invalid byte: U+0047 'G'", false},
		{"x0", "invalid hex string at offset 0: encoding/hex: invalid byte: U+0078 'x'", false},
		{"00 1", "invalid hex string at offset 2: encoding/hex: invalid byte: U+0020 ' '", false},
	}

	for _, tc := range tcases {
		t.Run(tc.in, func(t *testing.T) {
			b, err := Decode(tc.in)
			require.Error(t, err)
			assert.Nil(t, b)
			assert.Equal(t, tc.exp, err.Error())
			assert.True(t, errors.Is(err, tokenerr.InvalidFormatError))
			assert.Equal(t, tc.odd, errors.Is(err, hex.ErrLength))

			var ibe hex.InvalidByteError
			assert.Equal(t, !tc.odd, errors.As(err, &ibe))
		})
	}
}

func TestRoundTrip(t *testing.T) {
	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}
	s := EncodeUpper(all)
	assert.Len(t, s, 512)

	b, err := Decode(s)
	require.NoError(t, err)
	assert.Equal(t, all, b)
	assert.Equal(t, s, EncodeUpper(b))
}

func TestMustDecode(t *testing.T) {
	assert.Equal(t, []byte{0xde, 0xad}, MustDecode("DEAD"))
	assert.Panics(t, func() {
		MustDecode("DEA")
	})
}
