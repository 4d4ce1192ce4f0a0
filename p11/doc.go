// Package p11 provides the PKCS#11 capability set used by the token fixture.
//
// The Module interface mirrors the subset of the Cryptoki function table the
// fixture needs: module init/finalize, slot and token discovery, session
// management, authentication, PIN initialization and message digesting.
// *pkcs11.Ctx from github.com/miekg/pkcs11 satisfies it, so a real module
// loaded with Load can be swapped with an in-memory implementation in tests.
//
// Loaders for non-shared-library modules can be registered by name with
// Register, in which case Load resolves the module path against the
// registered names first.
package p11
