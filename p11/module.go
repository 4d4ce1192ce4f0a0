package p11

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11fixture", "p11")

// Module is the PKCS#11 function table used by the fixture
type Module interface {
	Initialize() error
	Finalize() error
	Destroy()

	GetInfo() (pkcs11.Info, error)
	GetSlotList(tokenPresent bool) ([]uint, error)
	GetSlotInfo(slotID uint) (pkcs11.SlotInfo, error)
	GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error)
	GetMechanismList(slotID uint) ([]*pkcs11.Mechanism, error)

	OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error)
	CloseSession(sh pkcs11.SessionHandle) error
	CloseAllSessions(slotID uint) error
	GetSessionInfo(sh pkcs11.SessionHandle) (pkcs11.SessionInfo, error)

	Login(sh pkcs11.SessionHandle, userType uint, pin string) error
	Logout(sh pkcs11.SessionHandle) error
	InitPIN(sh pkcs11.SessionHandle, pin string) error

	DigestInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism) error
	Digest(sh pkcs11.SessionHandle, message []byte) ([]byte, error)
	DigestUpdate(sh pkcs11.SessionHandle, message []byte) error
	DigestFinal(sh pkcs11.SessionHandle) ([]byte, error)
}

// Ensure compiles
var _ Module = (*pkcs11.Ctx)(nil)

// Loader returns a Module for the given path
type Loader func(path string) (Module, error)

var (
	lockLoaders sync.RWMutex
	loaders     = make(map[string]Loader)
)

// Register a module loader by name
func Register(name string, loader Loader) error {
	lockLoaders.Lock()
	defer lockLoaders.Unlock()

	if _, ok := loaders[name]; ok {
		return errors.Errorf("already registered: %s", name)
	}
	loaders[name] = loader
	return nil
}

// Unregister a module loader by name
func Unregister(name string) (Loader, error) {
	lockLoaders.Lock()
	defer lockLoaders.Unlock()

	if loader, ok := loaders[name]; ok {
		delete(loaders, name)
		return loader, nil
	}
	return nil, errors.Errorf("not registered: %s", name)
}

// Registered returns sorted names of registered loaders
func Registered() []string {
	lockLoaders.RLock()
	defer lockLoaders.RUnlock()

	list := make([]string, 0, len(loaders))
	for name := range loaders {
		list = append(list, name)
	}
	sort.Strings(list)
	return list
}

// Load returns initialized module.
// If a loader is registered for path, it is used,
// otherwise path is loaded as PKCS#11 shared library.
//
// The caller owns the returned module and must call Unload.
func Load(path string) (Module, error) {
	if path == "" {
		return nil, errors.New("module path is not specified")
	}

	lockLoaders.RLock()
	loader, ok := loaders[path]
	lockLoaders.RUnlock()

	var m Module
	if ok {
		var err error
		m, err = loader(path)
		if err != nil {
			return nil, errors.WithMessagef(err, "unable to load module: %s", path)
		}
	} else {
		ctx := pkcs11.New(path)
		if ctx == nil {
			return nil, errors.Errorf("unable to load PKCS#11 library: %s", path)
		}
		m = ctx
	}

	if err := m.Initialize(); err != nil {
		if !IsReturnCode(err, pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED) {
			m.Destroy()
			return nil, errors.WithMessagef(err, "Initialize: %s", path)
		}
		logger.KV(xlog.DEBUG, "reason", "already_initialized", "module", path)
	}

	logger.KV(xlog.DEBUG, "status", "loaded", "module", path)
	return m, nil
}

// Unload finalizes and releases the module.
// Finalize errors are returned after the module is released.
func Unload(m Module) error {
	if m == nil {
		return nil
	}
	err := m.Finalize()
	m.Destroy()
	if err != nil && !IsReturnCode(err, pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED) {
		return errors.WithMessage(err, "Finalize")
	}
	return nil
}
