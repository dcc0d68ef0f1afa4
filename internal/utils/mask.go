package utils

// MaskSecret keeps the first four characters of s for recognition.
// Empty stays empty so an unset secret reads as unset.
func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "*****"
	}
	return s[:4] + "*****"
}
