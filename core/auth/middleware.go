package auth

import (
	"errors"
	"strings"

	ramhttp "github.com/ramapi/ramapi/core/http"
	"github.com/ramapi/ramapi/core/middleware"
)

// claimsKey is the context key under which verified claims are stored.
const claimsKey = "auth.claims"

// ClaimsFrom returns the verified claims attached by Require or Optional,
// or nil when the request is unauthenticated.
func ClaimsFrom(ctx *ramhttp.Context) *Claims {
	if v, ok := ctx.Get(claimsKey); ok {
		if claims, ok := v.(*Claims); ok {
			return claims
		}
	}
	return nil
}

// Require returns middleware that rejects requests without a valid bearer
// access token. With scopes given, every listed scope must be present.
func Require(signer *Signer, scopes ...string) middleware.Middleware {
	return func(next ramhttp.Handler) ramhttp.Handler {
		return func(ctx *ramhttp.Context) error {
			claims, err := authenticate(signer, ctx)
			if err != nil {
				return authFailure(err)
			}
			for _, scope := range scopes {
				if !claims.HasScope(scope) {
					return ramhttp.Forbidden("insufficient scope").
						WithDetails(map[string]any{"required": scopes}).
						WithCause(ErrInsufficientScope)
				}
			}
			ctx.Set(claimsKey, claims)
			return next(ctx)
		}
	}
}

// Optional returns middleware that attaches claims when a valid token is
// present and passes the request through anonymously otherwise. An invalid
// token is still rejected: silently downgrading a bad credential hides
// client bugs.
func Optional(signer *Signer) middleware.Middleware {
	return func(next ramhttp.Handler) ramhttp.Handler {
		return func(ctx *ramhttp.Context) error {
			if ctx.Request().Authorization == "" {
				return next(ctx)
			}
			claims, err := authenticate(signer, ctx)
			if err != nil {
				return authFailure(err)
			}
			ctx.Set(claimsKey, claims)
			return next(ctx)
		}
	}
}

func authenticate(signer *Signer, ctx *ramhttp.Context) (*Claims, error) {
	raw := ctx.Request().Authorization
	if raw == "" {
		return nil, errors.New("missing Authorization header")
	}
	token, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok {
		return nil, errors.New("Authorization header is not a bearer token")
	}
	claims, err := signer.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TypeAccess {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

// authFailure maps verification errors to status codes. A validly signed
// token presented to the wrong service (issuer, audience, token type) is
// 403; everything else is 401.
func authFailure(err error) *ramhttp.HTTPError {
	switch {
	case errors.Is(err, ErrWrongIssuer),
		errors.Is(err, ErrWrongAudience),
		errors.Is(err, ErrWrongTokenType):
		return ramhttp.Forbidden("token not valid for this service").WithCause(err)
	}
	return ramhttp.Unauthorized("authentication required").WithCause(err)
}
