package fixture

// State of the fixture
type State int

// States
const (
	// Unloaded means the module is released
	Unloaded State = iota
	// Loaded means the module is initialized and no session is tracked
	Loaded
	// SessionOpen means a session is open and nobody is logged in
	SessionOpen
	// SOAuthenticated means the security officer is logged in
	SOAuthenticated
	// UserAuthenticated means the user is logged in
	UserAuthenticated
)

var stateNames = map[State]string{
	Unloaded:          "Unloaded",
	Loaded:            "Loaded",
	SessionOpen:       "SessionOpen",
	SOAuthenticated:   "SOAuthenticated",
	UserAuthenticated: "UserAuthenticated",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "Unknown"
}

// HasSession returns true if a session is tracked in this state
func (s State) HasSession() bool {
	return s >= SessionOpen
}
