package api

import (
	"net/http"
	"strings"
)

// The primary idempotency header and the alternate name older clients still
// send. When both are present the primary wins.
const (
	HeaderIdempotencyKey       = "Idempotency-Key"
	HeaderIdempotencyKeyLegacy = "X-Idempotency-Key"
)

// IdempotencyToken returns the caller-supplied token, or "" when absent.
// A header carrying only whitespace counts as absent.
func IdempotencyToken(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get(HeaderIdempotencyKeyLegacy))
}

// ScopeKey binds a token to operation, organization and resource path so the
// same token reused by another tenant or against another route never
// collides. A blank token yields a blank key, which disables deduplication
// downstream.
func ScopeKey(operation, orgID, resourcePath, token string) string {
	if token == "" {
		return ""
	}
	return operation + ":" + orgID + ":" + resourcePath + ":" + token
}
