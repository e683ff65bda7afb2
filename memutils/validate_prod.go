//go:build !debug_heapmgr

package memutils

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_heapmgr build tag is present
func DebugValidate(validatable Validatable) {
}
