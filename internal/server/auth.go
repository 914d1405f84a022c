// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package server

import (
	"context"
	"crypto/subtle"
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

type principalKey struct{}

// authMiddleware resolves the request's bearer token to a principal.
// Token comparison is constant-time so the token map does not leak
// through timing. The health endpoint stays open for probes; every
// other operation requires a known token.
func (s *Server) authMiddleware(ctx huma.Context, next func(huma.Context)) {
	if ctx.Operation().OperationID == "health" {
		next(ctx)
		return
	}

	header := ctx.Header("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		s.unauthorized(ctx, "missing bearer token")
		return
	}

	principal := ""
	// Compare against every configured token so the timing does not
	// reveal which prefix matched.
	for candidate, p := range s.cfg.Tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			principal = p
		}
	}
	if principal == "" {
		s.unauthorized(ctx, "unknown token")
		return
	}

	next(huma.WithValue(ctx, principalKey{}, principal))
}

func (s *Server) unauthorized(ctx huma.Context, detail string) {
	s.logger.Warn("request rejected", "reason", detail, "path", ctx.URL().Path)
	_ = huma.WriteErr(s.api, ctx, 401, "unauthorized: "+detail)
}

// principalFrom returns the authenticated principal set by the
// middleware.
func principalFrom(ctx context.Context) string {
	if p, ok := ctx.Value(principalKey{}).(string); ok {
		return p
	}
	return ""
}
