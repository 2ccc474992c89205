package utils

// ToStringSlice keeps the string elements of a decoded JSON array, as found
// in JWT "roles" or "scope" claims.
func ToStringSlice(slice []any) []string {
	stringSlice := make([]string, 0)
	for _, v := range slice {
		if s, ok := v.(string); ok {
			stringSlice = append(stringSlice, s)
		}
	}
	return stringSlice
}

// CloneSlice returns a copy of s that shares no backing array with it. A nil
// slice stays nil.
func CloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	return append(make([]T, 0, len(s)), s...)
}
