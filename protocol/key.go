package protocol

// IsValidKey reports whether key can be used as a dataset key. Keys travel as
// a single URL path segment, so they must be non-empty and free of control
// characters, whitespace and URL delimiters.
func IsValidKey(key string) bool {
	if len(key) == 0 {
		return false
	}

	for _, b := range []byte(key) {
		if b <= 32 || b == 127 {
			return false
		}
		switch b {
		case '/', '?', '#', '%':
			return false
		}
	}

	return true
}

func validateKey(key string) error {
	if !IsValidKey(key) {
		return &ValidationError{Field: "key", Message: "invalid key " + quote(key)}
	}
	return nil
}
