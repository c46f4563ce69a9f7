package secrets

import (
	"encoding/base64"
	"log/slog"
	"math"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/wardgate/wardgate/api"
	"github.com/wardgate/wardgate/internal/policy"
)

var (
	base64TokenRe    = regexp.MustCompile(`[A-Za-z0-9+/=]{20,}`)
	prefixedB64Re    = regexp.MustCompile(`[=:]([A-Za-z0-9+/=]{20,})`)
	entropyTokenRe   = regexp.MustCompile(`[A-Za-z0-9+/_=-]{20,}`)
	entropyCharsetRe = regexp.MustCompile(`^[A-Za-z0-9+/_=-]+$`)
	hasUpperRe       = regexp.MustCompile(`[A-Z]`)
	hasLowerRe       = regexp.MustCompile(`[a-z]`)
	hasDigitRe       = regexp.MustCompile(`[0-9]`)
)

// Scanner detects secrets in request headers and bodies. Every scan runs the
// configured patterns over three candidate views of the input: the raw text,
// a URL-decoded view, and any base64 segments that decode to mostly printable
// text. Matches report which view they came from, and raw secret values never
// leave the scanner: only redacted previews do.
type Scanner struct {
	logger *slog.Logger

	mu       sync.Mutex
	compiled map[string]*regexp.Regexp
}

func NewScanner(logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		logger:   logger,
		compiled: map[string]*regexp.Regexp{},
	}
}

// ScanRequest scans headers and body and returns all matches ordered by
// start offset.
func (s *Scanner) ScanRequest(pol *policy.Effective, headers map[string]string, body string) []api.SecretMatch {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(headers[k])
	}

	matches := s.ScanText(pol, b.String(), api.LocationHeaders)
	matches = append(matches, s.ScanText(pol, body, api.LocationBody)...)
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Start < matches[j].Start })
	return matches
}

// ScanText scans one piece of text and reports deduplicated matches.
func (s *Scanner) ScanText(pol *policy.Effective, text string, location api.SecretLocation) []api.SecretMatch {
	if !pol.Secrets.Enabled || len(text) == 0 {
		return nil
	}

	rules := append(DefaultPatterns(), pol.Secrets.Patterns...)

	var matches []api.SecretMatch
	for _, candidate := range collectCandidates(text) {
		for _, rule := range rules {
			re := s.compile(rule.Pattern)
			if re == nil {
				continue
			}
			for _, loc := range re.FindAllStringIndex(candidate.text, -1) {
				matched := candidate.text[loc[0]:loc[1]]
				confidence := 0.99
				if candidate.encoding != api.EncodingPlain {
					confidence = 0.92
				}
				matches = append(matches, api.SecretMatch{
					Type:       rule.Name,
					Detector:   "pattern",
					Redacted:   Redact(matched),
					Location:   location,
					Start:      loc[0],
					End:        loc[1],
					Confidence: confidence,
					Encoding:   candidate.encoding,
				})
			}
		}

		if !pol.Secrets.Entropy.Enabled {
			continue
		}

		for _, loc := range entropyTokenRe.FindAllStringIndex(candidate.text, -1) {
			token := candidate.text[loc[0]:loc[1]]
			if !looksLikeEntropyCandidate(token) {
				continue
			}
			entropy := shannonEntropy(token)
			if len(token) < pol.Secrets.Entropy.MinLength || entropy < pol.Secrets.Entropy.MinEntropy {
				continue
			}
			matches = append(matches, api.SecretMatch{
				Type:       "High Entropy String",
				Detector:   "entropy",
				Redacted:   Redact(token),
				Location:   location,
				Start:      loc[0],
				End:        loc[1],
				Confidence: math.Min(0.95, entropy/6),
				Encoding:   candidate.encoding,
			})
		}
	}

	return dedupe(matches)
}

func (s *Scanner) compile(pattern string) *regexp.Regexp {
	s.mu.Lock()
	defer s.mu.Unlock()

	if re, ok := s.compiled[pattern]; ok {
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		s.logger.Warn("skipping invalid secret pattern", "pattern", pattern, "error", err)
		re = nil
	}
	s.compiled[pattern] = re
	return re
}

type candidate struct {
	text     string
	encoding api.Encoding
}

// collectCandidates returns the views of the input to scan: the text itself,
// its URL-decoded form when decoding changes it, and every base64 segment
// that decodes to at least 80% printable characters.
func collectCandidates(text string) []candidate {
	candidates := []candidate{{text: text, encoding: api.EncodingPlain}}

	if decoded, err := url.QueryUnescape(text); err == nil && decoded != text {
		candidates = append(candidates, candidate{text: decoded, encoding: api.EncodingURLEncoded})
	}

	seen := map[string]bool{}
	addDecoded := func(segment string) {
		if decoded, ok := maybeDecodeBase64(segment); ok && !seen[decoded] {
			seen[decoded] = true
			candidates = append(candidates, candidate{text: decoded, encoding: api.EncodingBase64})
		}
	}

	addDecoded(strings.TrimSpace(text))
	for _, segment := range base64TokenRe.FindAllString(text, -1) {
		addDecoded(segment)
	}
	for _, groups := range prefixedB64Re.FindAllStringSubmatch(text, -1) {
		addDecoded(groups[1])
	}

	return candidates
}

func maybeDecodeBase64(segment string) (string, bool) {
	if len(segment) < 20 || len(segment)%4 != 0 || !base64TokenRe.MatchString(segment) {
		return "", false
	}
	raw, err := base64.StdEncoding.DecodeString(segment)
	if err != nil || len(raw) == 0 {
		return "", false
	}

	decoded := string(raw)
	printable := 0
	for _, r := range decoded {
		if r >= ' ' || r == '\n' || r == '\r' || r == '\t' {
			printable++
		}
	}
	runeCount := len([]rune(decoded))
	if float64(printable)/float64(runeCount) < 0.8 {
		return "", false
	}
	return decoded, true
}

func looksLikeEntropyCandidate(token string) bool {
	return hasUpperRe.MatchString(token) &&
		hasLowerRe.MatchString(token) &&
		hasDigitRe.MatchString(token) &&
		entropyCharsetRe.MatchString(token)
}

func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	freq := map[rune]float64{}
	for _, r := range s {
		freq[r]++
	}
	length := float64(len([]rune(s)))
	entropy := 0.0
	for _, count := range freq {
		p := count / length
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// Redact produces the only form of a matched secret that is ever stored or
// displayed. Short values keep one character at each end; longer ones keep
// four.
func Redact(value string) string {
	runes := []rune(value)
	if len(runes) == 0 {
		return "***"
	}
	if len(runes) <= 8 {
		return string(runes[0]) + "***" + string(runes[len(runes)-1])
	}
	return string(runes[:4]) + "..." + string(runes[len(runes)-4:])
}

func dedupe(matches []api.SecretMatch) []api.SecretMatch {
	seen := map[string]bool{}
	out := matches[:0]
	for _, m := range matches {
		sig := strings.Join([]string{
			m.Type, string(m.Location), strconv.Itoa(m.Start), strconv.Itoa(m.End), m.Redacted, string(m.Encoding),
		}, ":")
		if seen[sig] {
			continue
		}
		seen[sig] = true
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
