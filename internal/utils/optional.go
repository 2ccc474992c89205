package utils

// Value dereferences an optional wire field, giving the zero value when it
// was absent.
func Value[T any](v *T) T {
	if v == nil {
		var zero T
		return zero
	}
	return *v
}

// Ptr returns a pointer to a copy of v.
func Ptr[T any](v T) *T {
	return &v
}

// PtrIfSet is Ptr for fields that are omitted when empty: the zero value
// gives nil.
func PtrIfSet[T comparable](v T) *T {
	var zero T
	if v == zero {
		return nil
	}
	return &v
}
