package faketoken

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11fixture/p11"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRW(t *testing.T, tok *Token) pkcs11.SessionHandle {
	sh, err := tok.OpenSession(DefaultSlotID, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	require.NoError(t, err)
	return sh
}

func TestLoad(t *testing.T) {
	assert.Contains(t, p11.Registered(), ModuleName)

	m, err := p11.Load(ModuleName)
	require.NoError(t, err)
	tok, ok := m.(*Token)
	require.True(t, ok)

	list, err := p11.TokensInfo(m)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, DefaultSlotID, list[0].SlotID)
	assert.Equal(t, DefaultLabel, list[0].Label)
	assert.Equal(t, "faketoken", list[0].Model)
	assert.NotEmpty(t, list[0].Serial)
	assert.False(t, list[0].UserPINInitialized())

	require.NoError(t, p11.Unload(m))
	assert.Equal(t, 1, tok.Finalized)
	assert.True(t, tok.Destroyed())
}

func TestNotInitialized(t *testing.T) {
	tok := New()
	_, err := tok.GetSlotList(true)
	assert.True(t, p11.IsReturnCode(err, pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED))

	require.NoError(t, tok.Initialize())
	err = tok.Initialize()
	assert.True(t, p11.IsReturnCode(err, pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED))

	require.NoError(t, tok.Finalize())
	err = tok.Finalize()
	assert.True(t, p11.IsReturnCode(err, pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED))
}

func TestLoginFlow(t *testing.T) {
	tok := New(WithSlotID(7), WithLabel("test"), WithSOPin("87654321"))
	require.NoError(t, tok.Initialize())

	_, err := tok.OpenSession(DefaultSlotID, pkcs11.CKF_SERIAL_SESSION)
	assert.True(t, p11.IsReturnCode(err, pkcs11.CKR_SLOT_ID_INVALID))
	_, err = tok.OpenSession(7, pkcs11.CKF_RW_SESSION)
	assert.True(t, p11.IsReturnCode(err, pkcs11.CKR_SESSION_PARALLEL_NOT_SUPPORTED))

	sh, err := tok.OpenSession(7, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	require.NoError(t, err)

	si, err := tok.GetSessionInfo(sh)
	require.NoError(t, err)
	assert.Equal(t, uint(pkcs11.CKS_RW_PUBLIC_SESSION), si.State)

	err = tok.Login(sh, pkcs11.CKU_USER, "12345")
	assert.True(t, p11.IsReturnCode(err, pkcs11.CKR_USER_PIN_NOT_INITIALIZED))
	assert.True(t, p11.IsPINError(err))

	err = tok.InitPIN(sh, "12345")
	assert.True(t, p11.IsReturnCode(err, pkcs11.CKR_USER_NOT_LOGGED_IN))

	err = tok.Login(sh, pkcs11.CKU_SO, "00000000")
	assert.True(t, p11.IsReturnCode(err, pkcs11.CKR_PIN_INCORRECT))
	require.NoError(t, tok.Login(sh, pkcs11.CKU_SO, "87654321"))
	err = tok.Login(sh, pkcs11.CKU_SO, "87654321")
	assert.True(t, p11.IsReturnCode(err, pkcs11.CKR_USER_ALREADY_LOGGED_IN))
	err = tok.Login(sh, pkcs11.CKU_USER, "12345")
	assert.True(t, p11.IsReturnCode(err, pkcs11.CKR_USER_ANOTHER_ALREADY_LOGGED_IN))
	assert.True(t, p11.IsSessionStateError(err))

	si, err = tok.GetSessionInfo(sh)
	require.NoError(t, err)
	assert.Equal(t, uint(pkcs11.CKS_RW_SO_FUNCTIONS), si.State)

	err = tok.InitPIN(sh, "123")
	assert.True(t, p11.IsReturnCode(err, pkcs11.CKR_PIN_LEN_RANGE))
	require.NoError(t, tok.InitPIN(sh, "12345"))
	assert.Equal(t, "12345", tok.UserPin())
	require.NoError(t, tok.Logout(sh))
	err = tok.Logout(sh)
	assert.True(t, p11.IsReturnCode(err, pkcs11.CKR_USER_NOT_LOGGED_IN))

	err = tok.Login(sh, pkcs11.CKU_USER, "00000")
	assert.True(t, p11.IsReturnCode(err, pkcs11.CKR_PIN_INCORRECT))
	require.NoError(t, tok.Login(sh, pkcs11.CKU_USER, "12345"))
	require.NotNil(t, tok.LoggedIn())
	assert.Equal(t, uint(pkcs11.CKU_USER), *tok.LoggedIn())

	si, err = tok.GetSessionInfo(sh)
	require.NoError(t, err)
	assert.Equal(t, uint(pkcs11.CKS_RW_USER_FUNCTIONS), si.State)

	ti, err := tok.GetTokenInfo(7)
	require.NoError(t, err)
	assert.Equal(t, "test", ti.Label)
	assert.NotZero(t, ti.Flags&pkcs11.CKF_USER_PIN_INITIALIZED)

	require.NoError(t, tok.CloseAllSessions(7))
	assert.Nil(t, tok.LoggedIn())
	assert.Equal(t, 0, tok.OpenSessions())
	err = tok.Logout(sh)
	assert.True(t, p11.IsReturnCode(err, pkcs11.CKR_SESSION_HANDLE_INVALID))
}

func TestEraseInit(t *testing.T) {
	ctx := context.Background()
	tok := New()
	require.NoError(t, tok.Initialize())

	sh := openRW(t, tok)
	require.NoError(t, tok.Login(sh, pkcs11.CKU_SO, DefaultSOPin))
	require.NoError(t, tok.InitPIN(sh, "12345"))

	require.NoError(t, tok.Erase(ctx))
	require.NoError(t, tok.Init(ctx))
	assert.Equal(t, 1, tok.Erased)
	assert.Empty(t, tok.UserPin())
	assert.Equal(t, 0, tok.OpenSessions())

	tok.FailOn("Erase", errors.New("exit status 1"))
	assert.EqualError(t, tok.Erase(ctx), "exit status 1")
	tok.ClearFailures()
	assert.NoError(t, tok.Erase(ctx))
}

func TestDigest(t *testing.T) {
	tok := New()
	require.NoError(t, tok.Initialize())
	sh := openRW(t, tok)

	msg := []byte("this is a string")
	exp := sha256.Sum256(msg)

	_, err := tok.Digest(sh, msg)
	assert.True(t, p11.IsReturnCode(err, pkcs11.CKR_OPERATION_NOT_INITIALIZED))

	err = tok.DigestInit(sh, []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)})
	assert.True(t, p11.IsReturnCode(err, pkcs11.CKR_MECHANISM_INVALID))

	mech, err := p11.MechanismByName("SHA256")
	require.NoError(t, err)
	require.NoError(t, tok.DigestInit(sh, mech))
	err = tok.DigestInit(sh, mech)
	assert.True(t, p11.IsReturnCode(err, pkcs11.CKR_OPERATION_ACTIVE))

	h, err := tok.Digest(sh, msg)
	require.NoError(t, err)
	assert.Equal(t, exp[:], h)

	require.NoError(t, tok.DigestInit(sh, mech))
	require.NoError(t, tok.DigestUpdate(sh, msg[:8]))
	require.NoError(t, tok.DigestUpdate(sh, msg[8:]))
	h, err = tok.DigestFinal(sh)
	require.NoError(t, err)
	assert.Equal(t, exp[:], h)

	_, err = tok.DigestFinal(sh)
	assert.True(t, p11.IsReturnCode(err, pkcs11.CKR_OPERATION_NOT_INITIALIZED))
}

func TestDigestMechanisms(t *testing.T) {
	tok := New()
	require.NoError(t, tok.Initialize())
	sh := openRW(t, tok)

	list, err := tok.GetMechanismList(DefaultSlotID)
	require.NoError(t, err)
	assert.Len(t, list, len(p11.DigestMechanisms))

	for _, name := range p11.DigestNames() {
		mech, err := p11.MechanismByName(name)
		require.NoError(t, err)
		require.NoError(t, tok.DigestInit(sh, mech), name)
		h, err := tok.Digest(sh, []byte("abc"))
		require.NoError(t, err, name)
		assert.Len(t, h, p11.DigestSizes[mech[0].Mechanism], name)
	}
}

func TestFailedUpdateTerminatesDigest(t *testing.T) {
	tok := New()
	require.NoError(t, tok.Initialize())
	sh := openRW(t, tok)

	mech, err := p11.MechanismByName("sha-1")
	require.NoError(t, err)
	require.NoError(t, tok.DigestInit(sh, mech))

	tok.FailOn("DigestUpdate", pkcs11.Error(pkcs11.CKR_DEVICE_ERROR))
	err = tok.DigestUpdate(sh, []byte("x"))
	assert.True(t, p11.IsReturnCode(err, pkcs11.CKR_DEVICE_ERROR))
	tok.ClearFailures()

	require.NoError(t, tok.DigestInit(sh, mech))
	assert.Contains(t, tok.Calls(), "DigestUpdate")
	tok.ResetCalls()
	assert.Empty(t, tok.Calls())
}
