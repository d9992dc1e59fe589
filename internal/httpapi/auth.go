package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenAudience = "relaytimeline"

const (
	scopeTimelineRead  = "timeline:read"
	scopeTimelineWrite = "timeline:write"
	scopeReplyLock     = "reply:lock"
	scopeAdmin         = "admin"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

type tokenClaims struct {
	BrandID string
	UserID  string
	Scopes  map[string]struct{}
	Exp     time.Time
}

type bearerClaims struct {
	jwt.RegisteredClaims
	BrandID string `json:"brand_id"`
	Scopes  any    `json:"scopes"`
}

// authorizeBearer verifies an HS256 token and checks it grants requiredScope
// for brandID. An empty brandID skips the brand check (admin routes).
func authorizeBearer(authHeader, jwtSecret, brandID, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if brandID != "" && claims.BrandID != brandID {
		return tokenClaims{}, forbidden("brand mismatch")
	}
	if requiredScope != "" {
		if _, ok := claims.Scopes[requiredScope]; !ok {
			return tokenClaims{}, forbidden("missing required scope: " + requiredScope)
		}
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	var parsed bearerClaims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(token *jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return tokenClaims{}, mapJWTError(err)
	}

	if strings.TrimSpace(parsed.BrandID) == "" {
		return tokenClaims{}, unauthorized("missing brand_id claim")
	}
	if strings.TrimSpace(parsed.Subject) == "" {
		return tokenClaims{}, unauthorized("missing sub claim")
	}
	scopes := parseScopes(parsed.Scopes)
	if len(scopes) == 0 {
		return tokenClaims{}, forbidden("no scopes granted")
	}
	return tokenClaims{
		BrandID: parsed.BrandID,
		UserID:  parsed.Subject,
		Scopes:  scopes,
		Exp:     parsed.ExpiresAt.Time,
	}, nil
}

func mapJWTError(err error) *authError {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return unauthorized("token expired")
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return unauthorized("missing exp claim")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return unauthorized("invalid aud claim")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return unauthorized("jwt signature mismatch")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return unauthorized("invalid jwt format")
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return unauthorized("unsupported jwt algorithm")
	default:
		return unauthorized("invalid token")
	}
}

func parseScopes(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if scope, ok := item.(string); ok && scope != "" {
				out[scope] = struct{}{}
			}
		}
	case []string:
		for _, scope := range typed {
			if scope != "" {
				out[scope] = struct{}{}
			}
		}
	case string:
		for _, scope := range strings.Fields(typed) {
			out[scope] = struct{}{}
		}
	}
	return out
}

// IssueToken signs a bearer token accepted by the server. It backs local
// tooling and tests; production tokens come from the identity provider.
func IssueToken(jwtSecret, brandID, userID string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	claims := bearerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		BrandID: brandID,
		Scopes:  scopes,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
}
