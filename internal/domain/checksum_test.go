package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidIdentifier(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		want bool
	}{
		{"valid checksum", "1234567890", true},
		{"check digit off by one", "1234567891", false},
		{"all zeros", "0000000000", true},
		{"too short", "123456789", false},
		{"too long", "12345678901", false},
		{"empty", "", false},
		{"letters", "12345678AB", false},
		{"embedded space", "12345 7890", false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, ValidIdentifier(tc.in))
		})
	}
}

func TestValidIdentifierNoDigitFolding(t *testing.T) {
	t.Parallel()
	// 0000000068: 8*1 + 6*2 = 20, divisible by 10. A Luhn-style variant
	// would fold the doubled 12 to 3 and reject; the weighting here keeps
	// the full product.
	assert.True(t, ValidIdentifier("0000000068"))
	// 0000000604: 4*1 + 0*2 + 6*1 = 10.
	assert.True(t, ValidIdentifier("0000000604"))
	// 0000000019: 9*1 + 1*2 = 11.
	assert.False(t, ValidIdentifier("0000000019"))
}
