package auth

// State is the position of the manager in the token lifecycle.
type State int

// Lifecycle states. A manager starts in StateNoToken and settles in
// StateValid or StateFailed after every operation.
const (
	StateNoToken State = iota
	StateAuthorizing
	StateValid
	StateRefreshing
	StateReauthorizing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNoToken:
		return "no_token"
	case StateAuthorizing:
		return "authorizing"
	case StateValid:
		return "valid"
	case StateRefreshing:
		return "refreshing"
	case StateReauthorizing:
		return "reauthorizing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
