package p11

import (
	"github.com/cockroachdb/errors"
	"github.com/miekg/pkcs11"
)

// ReturnCode returns the PKCS#11 return value carried by err,
// or CKR_GENERAL_ERROR if err does not carry one.
// For nil error, CKR_OK is returned.
func ReturnCode(err error) uint {
	if err == nil {
		return pkcs11.CKR_OK
	}
	var rv pkcs11.Error
	if errors.As(err, &rv) {
		return uint(rv)
	}
	return pkcs11.CKR_GENERAL_ERROR
}

// IsReturnCode returns true if err carries one of the return values
func IsReturnCode(err error, rvs ...uint) bool {
	if err == nil {
		return false
	}
	rc := ReturnCode(err)
	for _, rv := range rvs {
		if rc == rv {
			return true
		}
	}
	return false
}

// IsPINError returns true if err is caused by a bad or unusable PIN
func IsPINError(err error) bool {
	return IsReturnCode(err,
		pkcs11.CKR_PIN_INCORRECT,
		pkcs11.CKR_PIN_INVALID,
		pkcs11.CKR_PIN_LEN_RANGE,
		pkcs11.CKR_PIN_EXPIRED,
		pkcs11.CKR_PIN_LOCKED,
		pkcs11.CKR_USER_PIN_NOT_INITIALIZED,
	)
}

// IsSessionStateError returns true if err is caused by
// a login state that does not allow the operation
func IsSessionStateError(err error) bool {
	return IsReturnCode(err,
		pkcs11.CKR_USER_ALREADY_LOGGED_IN,
		pkcs11.CKR_USER_ANOTHER_ALREADY_LOGGED_IN,
		pkcs11.CKR_USER_NOT_LOGGED_IN,
		pkcs11.CKR_SESSION_READ_ONLY_EXISTS,
		pkcs11.CKR_SESSION_READ_ONLY,
		pkcs11.CKR_SESSION_HANDLE_INVALID,
		pkcs11.CKR_SESSION_CLOSED,
	)
}
