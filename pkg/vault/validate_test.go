package vault

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDownloadURL(t *testing.T) {
	cases := []struct {
		name    string
		url     string
		wantErr error
	}{
		{"valid apple cdn", "https://a1.phobos.apple.com/bundle.ipa", nil},
		{"valid case-insensitive suffix", "https://cdn.APPLE.COM/bundle.ipa", nil},
		{"http scheme rejected", "http://a1.phobos.apple.com/bundle.ipa", ErrNotHTTPS},
		{"disallowed domain", "https://evil.example.com/bundle.ipa", ErrDisallowedDomain},
		{"ipv4 literal", "https://93.184.216.34/bundle.ipa", ErrIPLiteral},
		{"ipv6 literal", "https://[2606:2800:220:1:248:1893:25c8:1946]/bundle.ipa", ErrIPLiteral},
		{"unparseable", "://not a url", ErrInvalidURL},
		{"no host", "https:///bundle.ipa", ErrInvalidURL},
		{"suffix trick not fooled", "https://notapple.com.evil.com/bundle.ipa", ErrDisallowedDomain},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateDownloadURL(tc.url)
			if tc.wantErr == nil {
				require.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tc.wantErr), "got %v, want %v", err, tc.wantErr)
		})
	}
}
