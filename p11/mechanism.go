package p11

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/miekg/pkcs11"
	"golang.org/x/crypto/ripemd160"
	"golang.org/x/crypto/sha3"
)

// CKM_SHA3_256 is the PKCS#11 v3.0 mechanism for SHA3-256
const CKM_SHA3_256 uint = 0x000002B0

// DigestMechanisms maps names to digest mechanism types
var DigestMechanisms = map[string]uint{
	"MD5":       pkcs11.CKM_MD5,
	"SHA1":      pkcs11.CKM_SHA_1,
	"SHA224":    pkcs11.CKM_SHA224,
	"SHA256":    pkcs11.CKM_SHA256,
	"SHA384":    pkcs11.CKM_SHA384,
	"SHA512":    pkcs11.CKM_SHA512,
	"SHA3-256":  CKM_SHA3_256,
	"RIPEMD160": pkcs11.CKM_RIPEMD160,
}

// DigestSizes maps digest mechanism types to hash length
var DigestSizes = map[uint]int{
	pkcs11.CKM_MD5:       16,
	pkcs11.CKM_SHA_1:     20,
	pkcs11.CKM_SHA224:    28,
	pkcs11.CKM_SHA256:    32,
	pkcs11.CKM_SHA384:    48,
	pkcs11.CKM_SHA512:    64,
	CKM_SHA3_256:         32,
	pkcs11.CKM_RIPEMD160: 20,
}

var hashes = map[uint]func() hash.Hash{
	pkcs11.CKM_MD5:       md5.New,
	pkcs11.CKM_SHA_1:     sha1.New,
	pkcs11.CKM_SHA224:    sha256.New224,
	pkcs11.CKM_SHA256:    sha256.New,
	pkcs11.CKM_SHA384:    sha512.New384,
	pkcs11.CKM_SHA512:    sha512.New,
	CKM_SHA3_256:         sha3.New256,
	pkcs11.CKM_RIPEMD160: ripemd160.New,
}

// NewHash returns software implementation of the digest mechanism,
// to verify the token output
func NewHash(mech uint) (hash.Hash, error) {
	newHash, ok := hashes[mech]
	if !ok {
		return nil, errors.Errorf("unsupported digest mechanism: 0x%X", mech)
	}
	return newHash(), nil
}

// MechanismByName returns digest mechanism for DigestInit.
// The name is case insensitive, and "SHA-256" is the same as "SHA256".
func MechanismByName(name string) ([]*pkcs11.Mechanism, error) {
	mech, ok := DigestMechanisms[normalizeName(name)]
	if !ok {
		return nil, errors.Errorf("unsupported digest mechanism: %q", name)
	}
	return []*pkcs11.Mechanism{pkcs11.NewMechanism(mech, nil)}, nil
}

// MechanismName returns the name of digest mechanism type
func MechanismName(mech uint) string {
	for name, m := range DigestMechanisms {
		if m == mech {
			return name
		}
	}
	return "unknown"
}

// DigestNames returns sorted names of supported digest mechanisms
func DigestNames() []string {
	list := make([]string, 0, len(DigestMechanisms))
	for name := range DigestMechanisms {
		list = append(list, name)
	}
	sort.Strings(list)
	return list
}

func normalizeName(name string) string {
	n := strings.ToUpper(strings.TrimSpace(name))
	if strings.HasPrefix(n, "SHA3") {
		return n
	}
	return strings.ReplaceAll(n, "-", "")
}
