package domain

// ValidIdentifier reports whether s is a well-formed 10-digit national
// identifier with a valid check digit. The checksum is modulus 10 over
// alternating 2-1 digit weights starting from the rightmost digit.
// Validated before any registry call so malformed identifiers never
// reach the wire.
func ValidIdentifier(s string) bool {
	if len(s) != 10 {
		return false
	}
	sum := 0
	weight := 1
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			return false
		}
		sum += int(c-'0') * weight
		if weight == 1 {
			weight = 2
		} else {
			weight = 1
		}
	}
	return sum%10 == 0
}
