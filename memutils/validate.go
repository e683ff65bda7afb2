package memutils

// Validatable is used by the DebugValidate method to allow it to act upon
// all types with a Validate method
type Validatable interface {
	Validate() error
}

// ValidateFunc adapts an ordinary function to the Validatable interface. It is useful when the
// exported Validate method of a type takes a lock that is already held by the caller.
type ValidateFunc func() error

func (f ValidateFunc) Validate() error {
	return f()
}
