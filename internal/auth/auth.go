// Package auth implements bearer-credential storage and constant-time matching.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/mcpgate/mcpgate/errs"
)

// Mode identifies how credentials were supplied.
type Mode string

const (
	// ModeSingle routes all authenticated traffic to one instance.
	ModeSingle Mode = "single"
	// ModeMulti gives each credential its own instance.
	ModeMulti Mode = "multi"
)

// macMessage is the fixed auxiliary input authenticated under each candidate
// key. Comparing MACs of a constant message (rather than the secrets
// themselves) keeps the comparison length-independent of secret contents.
const macMessage = "mcpgate/bearer-challenge/v1"

// fingerprintLen is the hex length of the routing fingerprint derived from a
// matched credential.
const fingerprintLen = 16

// SingletonKey is the routing key used for all callers in single-token mode.
const SingletonKey = "singleton"

// Credential pairs an operator-assigned label with an opaque secret.
type Credential struct {
	Label  string
	Secret string
}

// Outcome reports the result of matching a presented token.
type Outcome struct {
	Matched    bool
	RoutingKey string
	Mode       Mode
}

// Store holds the immutable credential set loaded at startup.
type Store struct {
	mode  Mode
	creds []Credential
}

// NewStore builds a credential store from either a single legacy token or a
// label-to-secret map. Exactly one of the two must be supplied.
func NewStore(token string, tokenMap map[string]string) (*Store, error) {
	token = strings.TrimSpace(token)

	if token != "" && len(tokenMap) > 0 {
		return nil, errs.New("auth", errs.CodeMisconfigured,
			errs.WithMessage("single token and token map are mutually exclusive"))
	}

	if token != "" {
		return &Store{
			mode:  ModeSingle,
			creds: []Credential{{Label: "default", Secret: token}},
		}, nil
	}

	creds := make([]Credential, 0, len(tokenMap))
	seen := make(map[string]string, len(tokenMap))
	for label, secret := range tokenMap {
		label = strings.TrimSpace(label)
		secret = strings.TrimSpace(secret)
		if label == "" || secret == "" {
			continue
		}
		// Two labels sharing a secret would make the match ambiguous; treat
		// it as an operator error instead of resolving it silently.
		if prev, dup := seen[secret]; dup {
			return nil, errs.New("auth", errs.CodeMisconfigured,
				errs.WithMessage("duplicate secret shared by labels "+prev+" and "+label),
				errs.WithRemediation("assign a distinct token per label"))
		}
		seen[secret] = label
		creds = append(creds, Credential{Label: label, Secret: secret})
	}
	if len(creds) == 0 {
		return nil, errs.New("auth", errs.CodeMisconfigured,
			errs.WithMessage("effective credential set is empty"))
	}
	return &Store{mode: ModeMulti, creds: creds}, nil
}

// Mode reports whether the store runs in single- or multi-token mode.
func (s *Store) Mode() Mode { return s.mode }

// CredentialCount returns the number of usable credentials.
func (s *Store) CredentialCount() int { return len(s.creds) }

// Match compares the presented token against every stored credential without
// short-circuiting, so response latency does not correlate with which
// candidate (if any) matched or where a mismatch occurred.
func (s *Store) Match(presented string) Outcome {
	presentedMAC := macOf(presented)

	matched := -1
	for i := range s.creds {
		candidateMAC := macOf(s.creds[i].Secret)
		// Evaluate every candidate; a later duplicate cannot occur because
		// duplicates are rejected at load time.
		if constantTimeEqual(presentedMAC, candidateMAC) {
			matched = i
		}
	}

	if matched < 0 {
		return Outcome{Matched: false, RoutingKey: "", Mode: s.mode}
	}
	if s.mode == ModeSingle {
		return Outcome{Matched: true, RoutingKey: SingletonKey, Mode: s.mode}
	}
	return Outcome{
		Matched:    true,
		RoutingKey: Fingerprint(s.creds[matched].Secret),
		Mode:       s.mode,
	}
}

// Fingerprint derives the stable, non-reversible routing key for a secret.
func Fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// BearerToken extracts the token from an Authorization header value. The
// second return is false for a missing or malformed header; that check is
// shape-only and carries no information about secret contents.
func BearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false
	}
	scheme, rest, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(rest)
	if token == "" {
		return "", false
	}
	return token, true
}

func macOf(key string) []byte {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(macMessage))
	return mac.Sum(nil)
}

// constantTimeEqual folds the length check and every byte pair into one
// XOR accumulator; the loop always runs to the end of both inputs.
func constantTimeEqual(a, b []byte) bool {
	acc := len(a) ^ len(b)
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var x, y byte
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		acc |= int(x ^ y)
	}
	return acc == 0
}
