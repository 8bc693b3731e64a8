package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/proofscan/proofscan/internal/config"
	"github.com/proofscan/proofscan/internal/domain/session"
)

// tokenEntry is one accepted bearer token, keyed by its sha256 hex.
type tokenEntry struct {
	name        string
	hashHex     string
	permissions []string
}

// Authenticator validates bearer tokens and permission strings for the
// gateway. Construction normalizes the configured hashes once so the
// per-request path is a single map lookup.
type Authenticator struct {
	mode   config.AuthMode
	tokens []tokenEntry
}

// NewAuthenticator builds an Authenticator from the gateway config.
// Nameless tokens are assigned token-<index> for audit attribution.
func NewAuthenticator(cfg *config.GatewayConfig) *Authenticator {
	a := &Authenticator{mode: cfg.AuthMode}
	for i, tc := range cfg.Tokens {
		name := tc.Name
		if name == "" {
			name = fmt.Sprintf("token-%d", i)
		}
		a.tokens = append(a.tokens, tokenEntry{
			name:        name,
			hashHex:     strings.ToLower(strings.TrimPrefix(tc.KeyHash, "sha256:")),
			permissions: tc.Permissions,
		})
	}
	return a
}

// Identity is the authenticated caller of one request.
type Identity struct {
	// ClientID names the matched token ("anonymous" in none mode).
	ClientID    string
	Permissions []string
}

// Authenticate checks the Authorization header. On failure the returned
// DenyReason is recorded for operators; the HTTP surface stays a uniform
// 401 regardless of which check failed.
func (a *Authenticator) Authenticate(r *http.Request) (*Identity, session.DenyReason) {
	if a.mode != config.AuthBearer {
		return &Identity{ClientID: "anonymous"}, ""
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, session.DenyMissing
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, session.DenyMalformed
	}

	sum := sha256.Sum256([]byte(token))
	hexSum := hex.EncodeToString(sum[:])
	for _, entry := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(hexSum), []byte(entry.hashHex)) == 1 {
			return &Identity{ClientID: entry.name, Permissions: entry.permissions}, ""
		}
	}
	return nil, session.DenyUnknownToken
}

// Authorize checks whether the identity may perform action on target.
// In none mode everything is allowed.
func (a *Authenticator) Authorize(id *Identity, action, target string) bool {
	if a.mode != config.AuthBearer {
		return true
	}
	for _, perm := range id.Permissions {
		if permissionAllows(perm, action, target) {
			return true
		}
	}
	return false
}

// permissionAllows matches one mcp:<action>:<target> permission string.
// "mcp:*" grants everything; otherwise the permission must have exactly
// three segments, each equal to the required segment or "*". Matching is
// segment-exact, not prefix or glob.
func permissionAllows(perm, action, target string) bool {
	if perm == "mcp:*" {
		return true
	}
	parts := strings.Split(perm, ":")
	if len(parts) != 3 || parts[0] != "mcp" {
		return false
	}
	if parts[1] != "*" && parts[1] != action {
		return false
	}
	return parts[2] == "*" || parts[2] == target
}
