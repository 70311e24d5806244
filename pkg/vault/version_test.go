package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b string
		sign int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0", "1.0.0", 0},
		{"2.0", "1.9.9", 1},
		{"1.9.9", "2.0", -1},
		{"5", "5.1", -1},
		{"5.1", "5", 1},
		{"1.2.3", "1.2.10", -1},
	}
	for _, tc := range cases {
		got := CompareVersions(tc.a, tc.b)
		switch {
		case tc.sign == 0:
			assert.Zero(t, got, "CompareVersions(%q, %q)", tc.a, tc.b)
		case tc.sign > 0:
			assert.Positive(t, got, "CompareVersions(%q, %q)", tc.a, tc.b)
		default:
			assert.Negative(t, got, "CompareVersions(%q, %q)", tc.a, tc.b)
		}
	}
}

func TestIsNewerVersion(t *testing.T) {
	assert.False(t, IsNewerVersion("5", "5"))
	assert.False(t, IsNewerVersion("5", "5.1"))
	assert.True(t, IsNewerVersion("5.1", "5"))
	assert.True(t, IsNewerVersion("2.0", "1.9.9"))
	assert.False(t, IsNewerVersion("1.9.9", "2.0"))
}
