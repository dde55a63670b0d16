package kernel

// Error describes a kernel error. All kernel errors are defined as global
// variables that are pointers to the Error structure; allocation paths must
// be able to report failures without allocating, and callers compare the
// returned errors by identity.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
