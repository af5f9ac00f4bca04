package leases

// TokenStatus is the outcome of Engine.CheckToken.
type TokenStatus int

const (
	// TokenMismatch means a lease exists with a different token.
	TokenMismatch TokenStatus = iota
	// TokenNoLock means there is no lease; nothing conflicts with the caller.
	TokenNoLock
	TokenValid
	// TokenExpired means the token matches a lease that has expired but not yet been reclaimed.
	TokenExpired
)

// Allowed reports whether the caller may act as the lease holder.
func (s TokenStatus) Allowed() bool {
	return s != TokenMismatch
}

func (s TokenStatus) String() string {
	switch s {
	case TokenMismatch:
		return "mismatch"
	case TokenNoLock:
		return "no_lock"
	case TokenValid:
		return "valid"
	case TokenExpired:
		return "expired"
	default:
		return "unknown"
	}
}
