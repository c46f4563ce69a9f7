package secrets

import "github.com/wardgate/wardgate/internal/policy"

// DefaultPatterns returns the built-in secret detection rules. Policy files
// extend this set; they never replace it.
func DefaultPatterns() []policy.PatternRule {
	return []policy.PatternRule{
		{Name: "aws_access_key", Pattern: `(?i)AKIA[0-9A-Z]{16}`},
		{Name: "aws_secret_key", Pattern: `(?i)(?:aws)?_?(?:secret)?_?(?:access)?_?key['":\s]*[=:]\s*['"]?([A-Za-z0-9/+=]{40})`},
		{Name: "github_token", Pattern: `gh[pousr]_[A-Za-z0-9_]{36,255}`},
		{Name: "github_pat_fine", Pattern: `github_pat_[A-Za-z0-9_]{22,255}`},
		{Name: "generic_api_key", Pattern: `(?i)(?:api[_-]?key|apikey|api_secret)['":\s]*[=:]\s*['"]?([A-Za-z0-9\-_]{20,60})['"]?`},
		{Name: "private_key", Pattern: `-----BEGIN (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`},
		{Name: "slack_token", Pattern: `xox[baprs]-[0-9]{10,13}-[0-9]{10,13}[a-zA-Z0-9-]*`},
		{Name: "stripe_key", Pattern: `(?:sk|pk)_(?:live|test)_[A-Za-z0-9]{20,100}`},
		{Name: "google_api_key", Pattern: `AIza[A-Za-z0-9\-_]{35}`},
		{Name: "jwt_token", Pattern: `eyJ[A-Za-z0-9-_]+\.eyJ[A-Za-z0-9-_]+\.[A-Za-z0-9-_]+`},
		{Name: "ssh_private_key_path", Pattern: `(?i)(?:\.ssh/id_(?:rsa|ed25519|ecdsa|dsa)|\.pem)`},
	}
}
