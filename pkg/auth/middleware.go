package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aexhq/aex/pkg/aexerr"
	"github.com/aexhq/aex/pkg/canonicalize"
	"github.com/aexhq/aex/pkg/identity"
	"github.com/aexhq/aex/pkg/ledger"
)

// HashToken returns the lookup key stored as Agent.TokenHash — the
// bearer token is never persisted, only its hash, so a leaked
// database row can't be replayed as a credential.
func HashToken(token string) string {
	return canonicalize.HashBytes([]byte(token))
}

// capabilityClaims are the JWT claims for a secondary, scope-limited
// capability token — spec.md's token_scope ∈ {execution, read-only}
// minted for a specific agent without handing out its primary bearer
// token (e.g. to a sandboxed sub-process that should only poll status).
type capabilityClaims struct {
	jwt.RegisteredClaims
	AgentID   string `json:"agent_id"`
	TenantID  string `json:"tenant_id"`
	ProjectID string `json:"project_id"`
	Scope     string `json:"scope"`
}

// publicPaths never require authentication.
var publicPaths = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

func isPublicPath(path string) bool {
	return publicPaths[path]
}

// Middleware authenticates every non-public request against the
// bearer token scheme spec.md §9 names: `Authorization: Bearer
// <token>`, hashed and looked up against the ledger's agents table.
// If keySet is non-nil, a token that fails the hashed lookup is tried
// a second time as a capability JWT before the request is rejected —
// the two schemes share one Authorization header, tried in that fixed
// order.
func Middleware(l ledger.Ledger, keySet identity.KeySet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			token, err := bearerToken(r)
			if err != nil {
				writeUnauthorized(w, err.Error())
				return
			}

			principal, err := authenticate(r.Context(), l, keySet, token)
			if err != nil {
				writeUnauthorized(w, "invalid or expired token")
				return
			}

			ctx := WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing Authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", fmt.Errorf("invalid Authorization header format (expected 'Bearer <token>')")
	}
	return parts[1], nil
}

// authenticate tries the primary hashed bearer-token lookup first,
// falling back to JWT capability-token validation only if keySet is
// configured. Agents use the primary path; the capability path exists
// for scoped delegation without sharing the agent's own token.
func authenticate(ctx context.Context, l ledger.Ledger, keySet identity.KeySet, token string) (Principal, error) {
	agent, err := l.GetAgentByTokenHash(ctx, HashToken(token))
	if err == nil {
		return &AgentPrincipal{
			ID:        agent.ID,
			TenantID:  agent.TenantID,
			ProjectID: agent.ProjectID,
			Scope:     ScopeExecution,
		}, nil
	}

	if keySet == nil {
		return nil, aexerr.New(aexerr.CodeInvalid, "unknown token")
	}

	claims := &capabilityClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, keySet.KeyFunc())
	if err != nil || !parsed.Valid {
		return nil, aexerr.New(aexerr.CodeInvalid, "invalid capability token")
	}
	if claims.AgentID == "" || claims.TenantID == "" {
		return nil, aexerr.New(aexerr.CodeInvalid, "capability token missing agent binding")
	}

	scope := TokenScope(claims.Scope)
	if scope != ScopeExecution && scope != ScopeReadOnly {
		scope = ScopeReadOnly
	}
	return &AgentPrincipal{
		ID:        claims.AgentID,
		TenantID:  claims.TenantID,
		ProjectID: claims.ProjectID,
		Scope:     scope,
	}, nil
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(fmt.Sprintf(`{"error":{"code":"UNAUTHORIZED","message":%q}}`, message)))
}
