package session

import "crypto/subtle"

// constantTimeEqual reports whether a and b are byte-for-byte equal,
// without leaking timing information about where they first differ.
// Inputs of different lengths return false at once, so the length itself
// is not hidden; equal-length inputs are compared with crypto/subtle,
// matching the posture the teacher's token validation takes.
func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
