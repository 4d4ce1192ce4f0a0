// Package faketoken provides an in-memory PKCS#11 token.
//
// Token implements p11.Module with the login, PIN and digest semantics of a
// single-slot smart card, and the Erase/Init pair of the provisioning tool,
// so the fixture can be exercised without a real module.
// Importing the package registers the "faketoken" module loader.
package faketoken

import (
	"context"
	"hash"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11fixture/p11"
	"github.com/effective-security/x/guid"
	"github.com/miekg/pkcs11"
)

// ModuleName is the module path the loader is registered with
const ModuleName = "faketoken"

// Defaults
const (
	DefaultSlotID = uint(1)
	DefaultLabel  = "fixture"
	DefaultSOPin  = "00000000"
	MinPinLen     = 4
	MaxPinLen     = 16
)

func init() {
	_ = p11.Register(ModuleName, func(string) (p11.Module, error) {
		return New(), nil
	})
}

type session struct {
	rw     bool
	digest hash.Hash
}

// Token is an in-memory single slot token
type Token struct {
	lock sync.Mutex

	slotID  uint
	label   string
	serial  string
	soPin   string
	userPin string

	initialized bool
	destroyed   bool
	loggedIn    *uint
	sessions    map[pkcs11.SessionHandle]*session
	nextHandle  pkcs11.SessionHandle

	failures map[string]error
	calls    []string

	// Finalized is the number of successful Finalize calls
	Finalized int
	// Erased is the number of Erase calls
	Erased int
}

// Option configures the token
type Option func(*Token)

// WithSlotID sets the slot ID
func WithSlotID(id uint) Option {
	return func(t *Token) {
		t.slotID = id
	}
}

// WithLabel sets the token label
func WithLabel(label string) Option {
	return func(t *Token) {
		t.label = label
	}
}

// WithSOPin sets the security officer PIN
func WithSOPin(pin string) Option {
	return func(t *Token) {
		t.soPin = pin
	}
}

// New returns a blank token
func New(opts ...Option) *Token {
	t := &Token{
		slotID:     DefaultSlotID,
		label:      DefaultLabel,
		serial:     guid.MustCreate()[:16],
		soPin:      DefaultSOPin,
		sessions:   map[pkcs11.SessionHandle]*session{},
		nextHandle: 1,
		failures:   map[string]error{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// FailOn makes every following call of op return err,
// until ClearFailures is called.
// op is the Module method name, or Erase/Init.
func (t *Token) FailOn(op string, err error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.failures[op] = err
}

// ClearFailures removes all injected failures
func (t *Token) ClearFailures() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.failures = map[string]error{}
}

// Calls returns names of the called methods, in order
func (t *Token) Calls() []string {
	t.lock.Lock()
	defer t.lock.Unlock()
	return append([]string(nil), t.calls...)
}

// ResetCalls clears the call log
func (t *Token) ResetCalls() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.calls = nil
}

// UserPin returns the current user PIN, empty if not initialized
func (t *Token) UserPin() string {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.userPin
}

// OpenSessions returns number of open sessions
func (t *Token) OpenSessions() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.sessions)
}

// LoggedIn returns the logged in user type, or nil
func (t *Token) LoggedIn() *uint {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.loggedIn
}

// Destroyed returns true after Destroy was called
func (t *Token) Destroyed() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.destroyed
}

// call records op and returns injected failure, if any.
// Must be called with the lock held.
func (t *Token) call(op string) error {
	t.calls = append(t.calls, op)
	return t.failures[op]
}

// Erase removes the user PIN, logs out and closes all sessions
func (t *Token) Erase(_ context.Context) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if err := t.call("Erase"); err != nil {
		return err
	}
	t.userPin = ""
	t.loggedIn = nil
	t.sessions = map[pkcs11.SessionHandle]*session{}
	t.Erased++
	return nil
}

// Init initializes the blank token without SO PIN change
func (t *Token) Init(_ context.Context) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if err := t.call("Init"); err != nil {
		return err
	}
	if t.userPin != "" {
		return errors.New("token is not erased")
	}
	return nil
}

// Initialize the module
func (t *Token) Initialize() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if err := t.call("Initialize"); err != nil {
		return err
	}
	if t.initialized {
		return pkcs11.Error(pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED)
	}
	t.initialized = true
	return nil
}

// Finalize the module
func (t *Token) Finalize() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if err := t.call("Finalize"); err != nil {
		return err
	}
	if !t.initialized {
		return pkcs11.Error(pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED)
	}
	t.initialized = false
	t.loggedIn = nil
	t.sessions = map[pkcs11.SessionHandle]*session{}
	t.Finalized++
	return nil
}

// Destroy releases the module
func (t *Token) Destroy() {
	t.lock.Lock()
	defer t.lock.Unlock()
	_ = t.call("Destroy")
	t.destroyed = true
}

// GetInfo returns module info
func (t *Token) GetInfo() (pkcs11.Info, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if err := t.check("GetInfo"); err != nil {
		return pkcs11.Info{}, err
	}
	return pkcs11.Info{
		ManufacturerID:     "effective-security",
		LibraryDescription: "faketoken",
	}, nil
}

// GetSlotList returns the single slot
func (t *Token) GetSlotList(_ bool) ([]uint, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if err := t.check("GetSlotList"); err != nil {
		return nil, err
	}
	return []uint{t.slotID}, nil
}

// GetSlotInfo returns slot info
func (t *Token) GetSlotInfo(slotID uint) (pkcs11.SlotInfo, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if err := t.checkSlot("GetSlotInfo", slotID); err != nil {
		return pkcs11.SlotInfo{}, err
	}
	return pkcs11.SlotInfo{
		SlotDescription: "faketoken slot",
		ManufacturerID:  "effective-security",
		Flags:           pkcs11.CKF_TOKEN_PRESENT,
	}, nil
}

// GetTokenInfo returns token info
func (t *Token) GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if err := t.checkSlot("GetTokenInfo", slotID); err != nil {
		return pkcs11.TokenInfo{}, err
	}
	flags := uint(pkcs11.CKF_TOKEN_INITIALIZED | pkcs11.CKF_LOGIN_REQUIRED)
	if t.userPin != "" {
		flags |= pkcs11.CKF_USER_PIN_INITIALIZED
	}
	return pkcs11.TokenInfo{
		Label:          t.label,
		ManufacturerID: "effective-security",
		Model:          "faketoken",
		SerialNumber:   t.serial,
		Flags:          flags,
		MaxPinLen:      MaxPinLen,
		MinPinLen:      MinPinLen,
	}, nil
}

// GetMechanismList returns supported digest mechanisms
func (t *Token) GetMechanismList(slotID uint) ([]*pkcs11.Mechanism, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if err := t.checkSlot("GetMechanismList", slotID); err != nil {
		return nil, err
	}
	list := make([]*pkcs11.Mechanism, 0, len(p11.DigestSizes))
	for m := range p11.DigestSizes {
		list = append(list, pkcs11.NewMechanism(m, nil))
	}
	return list, nil
}

// OpenSession opens a session
func (t *Token) OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if err := t.checkSlot("OpenSession", slotID); err != nil {
		return 0, err
	}
	if flags&pkcs11.CKF_SERIAL_SESSION == 0 {
		return 0, pkcs11.Error(pkcs11.CKR_SESSION_PARALLEL_NOT_SUPPORTED)
	}
	sh := t.nextHandle
	t.nextHandle++
	t.sessions[sh] = &session{rw: flags&pkcs11.CKF_RW_SESSION != 0}
	return sh, nil
}

// CloseSession closes a session
func (t *Token) CloseSession(sh pkcs11.SessionHandle) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if _, err := t.session("CloseSession", sh); err != nil {
		return err
	}
	delete(t.sessions, sh)
	if len(t.sessions) == 0 {
		t.loggedIn = nil
	}
	return nil
}

// CloseAllSessions closes all sessions on the slot
func (t *Token) CloseAllSessions(slotID uint) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if err := t.checkSlot("CloseAllSessions", slotID); err != nil {
		return err
	}
	t.sessions = map[pkcs11.SessionHandle]*session{}
	t.loggedIn = nil
	return nil
}

// GetSessionInfo returns session state
func (t *Token) GetSessionInfo(sh pkcs11.SessionHandle) (pkcs11.SessionInfo, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	s, err := t.session("GetSessionInfo", sh)
	if err != nil {
		return pkcs11.SessionInfo{}, err
	}

	var state uint
	switch {
	case t.loggedIn == nil && s.rw:
		state = pkcs11.CKS_RW_PUBLIC_SESSION
	case t.loggedIn == nil:
		state = pkcs11.CKS_RO_PUBLIC_SESSION
	case *t.loggedIn == pkcs11.CKU_SO:
		state = pkcs11.CKS_RW_SO_FUNCTIONS
	case s.rw:
		state = pkcs11.CKS_RW_USER_FUNCTIONS
	default:
		state = pkcs11.CKS_RO_USER_FUNCTIONS
	}
	flags := uint(pkcs11.CKF_SERIAL_SESSION)
	if s.rw {
		flags |= pkcs11.CKF_RW_SESSION
	}
	return pkcs11.SessionInfo{SlotID: t.slotID, State: state, Flags: flags}, nil
}

// Login logs in the user type
func (t *Token) Login(sh pkcs11.SessionHandle, userType uint, pin string) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	s, err := t.session("Login", sh)
	if err != nil {
		return err
	}
	if t.loggedIn != nil {
		if *t.loggedIn == userType {
			return pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN)
		}
		return pkcs11.Error(pkcs11.CKR_USER_ANOTHER_ALREADY_LOGGED_IN)
	}

	switch userType {
	case pkcs11.CKU_SO:
		if !s.rw {
			return pkcs11.Error(pkcs11.CKR_SESSION_READ_ONLY_EXISTS)
		}
		if pin != t.soPin {
			return pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)
		}
	case pkcs11.CKU_USER:
		if t.userPin == "" {
			return pkcs11.Error(pkcs11.CKR_USER_PIN_NOT_INITIALIZED)
		}
		if pin != t.userPin {
			return pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)
		}
	default:
		return pkcs11.Error(pkcs11.CKR_USER_TYPE_INVALID)
	}

	ut := userType
	t.loggedIn = &ut
	return nil
}

// Logout logs out
func (t *Token) Logout(sh pkcs11.SessionHandle) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if _, err := t.session("Logout", sh); err != nil {
		return err
	}
	if t.loggedIn == nil {
		return pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}
	t.loggedIn = nil
	return nil
}

// InitPIN sets the user PIN, requires SO login
func (t *Token) InitPIN(sh pkcs11.SessionHandle, pin string) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if _, err := t.session("InitPIN", sh); err != nil {
		return err
	}
	if t.loggedIn == nil || *t.loggedIn != pkcs11.CKU_SO {
		return pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}
	if len(pin) < MinPinLen || len(pin) > MaxPinLen {
		return pkcs11.Error(pkcs11.CKR_PIN_LEN_RANGE)
	}
	t.userPin = pin
	return nil
}

// DigestInit starts digest operation
func (t *Token) DigestInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	s, err := t.session("DigestInit", sh)
	if err != nil {
		return err
	}
	if s.digest != nil {
		return pkcs11.Error(pkcs11.CKR_OPERATION_ACTIVE)
	}
	if len(m) != 1 || m[0] == nil {
		return pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
	}
	h, err := p11.NewHash(m[0].Mechanism)
	if err != nil {
		return pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
	}
	s.digest = h
	return nil
}

// Digest digests message in a single part, and finishes the operation
func (t *Token) Digest(sh pkcs11.SessionHandle, message []byte) ([]byte, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	s, err := t.session("Digest", sh)
	if err != nil {
		if s != nil {
			s.digest = nil
		}
		return nil, err
	}
	if s.digest == nil {
		return nil, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	h := s.digest
	s.digest = nil
	_, _ = h.Write(message)
	return h.Sum(nil), nil
}

// DigestUpdate continues multi-part digest operation
func (t *Token) DigestUpdate(sh pkcs11.SessionHandle, message []byte) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	s, err := t.session("DigestUpdate", sh)
	if err != nil {
		if s != nil {
			s.digest = nil
		}
		return err
	}
	if s.digest == nil {
		return pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	_, _ = s.digest.Write(message)
	return nil
}

// DigestFinal finishes multi-part digest operation
func (t *Token) DigestFinal(sh pkcs11.SessionHandle) ([]byte, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	s, err := t.session("DigestFinal", sh)
	if err != nil {
		if s != nil {
			s.digest = nil
		}
		return nil, err
	}
	if s.digest == nil {
		return nil, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	h := s.digest
	s.digest = nil
	return h.Sum(nil), nil
}

// check records the call, and verifies the module is initialized
func (t *Token) check(op string) error {
	if err := t.call(op); err != nil {
		return err
	}
	if !t.initialized {
		return pkcs11.Error(pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED)
	}
	return nil
}

func (t *Token) checkSlot(op string, slotID uint) error {
	if err := t.check(op); err != nil {
		return err
	}
	if slotID != t.slotID {
		return pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	return nil
}

// session returns the session for handle.
// On injected failure the existing session is returned with the error,
// and digest methods terminate the active operation as a failed call does.
func (t *Token) session(op string, sh pkcs11.SessionHandle) (*session, error) {
	if err := t.call(op); err != nil {
		return t.sessions[sh], err
	}
	if !t.initialized {
		return nil, pkcs11.Error(pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED)
	}
	s, ok := t.sessions[sh]
	if !ok {
		return nil, pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	return s, nil
}
