package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	UserID string
	Scopes map[string]struct{}
	Exp    time.Time
}

func bearerToken(r *http.Request, allowQuery bool) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if allowQuery {
		return strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	return ""
}

func authorizeToken(raw, jwtSecret, audience, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseToken(raw, jwtSecret, audience, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if requiredScope != "" {
		if _, ok := claims.Scopes[requiredScope]; !ok {
			return tokenClaims{}, &authError{
				status:  http.StatusForbidden,
				code:    "forbidden",
				message: "missing required scope: " + requiredScope,
			}
		}
	}
	return claims, nil
}

// parseToken verifies an HS256 token and extracts the user from sub.
func parseToken(raw, jwtSecret, audience string, now time.Time) (tokenClaims, *authError) {
	if raw == "" {
		return tokenClaims{}, &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	mapClaims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, mapClaims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		message := "invalid token"
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			message = "invalid jwt format"
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			message = "jwt signature mismatch"
		case errors.Is(err, jwt.ErrTokenExpired):
			message = "token expired"
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			message = "invalid aud claim"
		case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
			message = "missing exp claim"
		}
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
	}

	userID, err := mapClaims.GetSubject()
	if err != nil || strings.TrimSpace(userID) == "" {
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing sub claim"}
	}
	scopes := parseScopes(mapClaims["scopes"])
	if len(scopes) == 0 {
		return tokenClaims{}, &authError{status: http.StatusForbidden, code: "forbidden", message: "no scopes granted"}
	}
	var exp time.Time
	if expClaim, err := mapClaims.GetExpirationTime(); err == nil && expClaim != nil {
		exp = expClaim.Time
	}
	return tokenClaims{UserID: userID, Scopes: scopes, Exp: exp}, nil
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
