// Package fixture drives a PKCS#11 token through the lifecycle needed by
// token test cases.
//
// A TokenFixture owns a loaded module and tracks at most one session on a
// single slot. The states are:
//
//	Unloaded -> Loaded -> SessionOpen -> {SOAuthenticated, UserAuthenticated}
//	         <- Loaded <- Teardown
//
// Group setup is Open, which clears the token and loads the module; group
// teardown is Close, which finalizes the module exactly once. Individual
// tests open a session, authenticate, run operations and call Teardown,
// which leaves the token erased for the next test.
//
// The fixture is not safe for concurrent use: one test runs at a time
// against one token.
package fixture
