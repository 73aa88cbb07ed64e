package keystore

import "strings"

const maskFill = "****"

// NormalizeKey trims surrounding whitespace and upper-cases the key.
func NormalizeKey(raw string) (string, error) {
	key := strings.ToUpper(strings.TrimSpace(raw))
	if key == "" {
		return "", ErrInvalidKey
	}
	return key, nil
}

// MaskKey hides the middle of a key for log output. At most a quarter of
// the key, and never more than four characters, shows at each end. It
// works on runes so the result is valid UTF-8 for any input.
func MaskKey(key string) string {
	runes := []rune(key)
	show := min(len(runes)/4, 4)
	if show == 0 {
		return maskFill
	}
	return string(runes[:show]) + maskFill + string(runes[len(runes)-show:])
}
