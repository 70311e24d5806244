package vault

import (
	"net"
	"net/url"
	"strings"
)

// allowedDomainSuffix is the vendor CDN host suffix every download URL must
// match, compared case-insensitively.
const allowedDomainSuffix = ".apple.com"

// ValidateDownloadURL rejects anything but a plain HTTPS URL to the vendor's
// allowlisted CDN. It is called both at task creation and again immediately
// before fetch initiation, since nothing prevents a URL string being mutated
// between the two (defense in depth, not a correctness dependency on call
// order).
//
// It is a package-level variable rather than a plain func so integration
// tests can spin up a local HTTP origin and temporarily swap in a relaxed
// validator, restoring the default in a defer.
var ValidateDownloadURL = defaultValidateDownloadURL

func defaultValidateDownloadURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ErrInvalidURL
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return ErrNotHTTPS
	}
	host := u.Hostname()
	if isIPLiteral(host) {
		return ErrIPLiteral
	}
	if !strings.HasSuffix(strings.ToLower(host), allowedDomainSuffix) {
		return ErrDisallowedDomain
	}
	return nil
}

// isIPLiteral reports whether host is a dotted-decimal IPv4 literal or an
// IPv6 literal. url.URL.Hostname already strips the brackets a bracketed
// IPv6 literal was written with, so net.ParseIP alone recognizes both forms.
func isIPLiteral(host string) bool {
	if host == "" {
		return false
	}
	return net.ParseIP(host) != nil
}
