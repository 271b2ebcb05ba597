package sandbox

import "strings"

// ValidateCode rejects code that is too large or contains a NUL byte.
// Language-aware rules are a designed extension point but are not
// required by the core.
func ValidateCode(code string) error {
	if len(code) > maxCodeBytes {
		return &Error{Kind: KindCodeTooLarge, Message: "code size exceeds 100000 byte limit"}
	}
	if strings.ContainsRune(code, 0) {
		return &Error{Kind: KindInvalidInput, Message: "code contains a NUL byte"}
	}
	return nil
}
