package ca

import "github.com/wardgate/wardgate/internal/policy"

// pinnedDomains are services whose clients pin their certificates.
// Intercepting them just produces handshake failures, so they are always
// tunneled untouched.
var pinnedDomains = []string{
	"*.push.apple.com",
	"gateway.push.apple.com",
	"*.itunes.apple.com",
	"push.services.mozilla.com",
	"*.token.services.mozilla.com",
	"firebaseinstallations.googleapis.com",
	"*.clients.google.com",
	"*.gvt1.com",
}

// ShouldBypassMITM reports whether the domain must be tunneled without
// interception, either because it is on the pinned list or because policy
// added it.
func ShouldBypassMITM(domain string, extraPatterns []string) bool {
	for _, pattern := range pinnedDomains {
		if policy.MatchGlob(pattern, domain) {
			return true
		}
	}
	for _, pattern := range extraPatterns {
		if policy.MatchGlob(pattern, domain) {
			return true
		}
	}
	return false
}
