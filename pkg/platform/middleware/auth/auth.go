// Package auth resolves the caller identity from a bearer token so audit
// events carry the acting user and session.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"auditrail/pkg/platform/httputil"
	"auditrail/pkg/requestcontext"
)

// ErrInvalidToken is returned for tokens that fail validation.
var ErrInvalidToken = errors.New("invalid token")

// JWTValidator defines the interface for validating JWT tokens
type JWTValidator interface {
	ValidateToken(tokenString string) (*JWTClaims, error)
}

// JWTClaims represents the claims we expect from the JWT validator
type JWTClaims struct {
	UserID    string
	SessionID string
	ClientID  string
}

// HMACValidator validates HS256 tokens issued by the host's identity service.
type HMACValidator struct {
	key    []byte
	issuer string
}

// NewHMACValidator creates an HMACValidator. An empty issuer accepts any.
func NewHMACValidator(key, issuer string) *HMACValidator {
	return &HMACValidator{key: []byte(key), issuer: issuer}
}

type hostClaims struct {
	SessionID string `json:"sid,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	jwt.RegisteredClaims
}

// ValidateToken parses and verifies tokenString.
func (v *HMACValidator) ValidateToken(tokenString string) (*JWTClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	var claims hostClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return &JWTClaims{UserID: claims.Subject, SessionID: claims.SessionID, ClientID: claims.ClientID}, nil
}

// Identify stores the caller identity in the request context. Requests
// without a bearer token pass through anonymously so they are still audited;
// a token that fails validation is rejected.
func Identify(validator JWTValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || validator == nil {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			claims, err := validator.ValidateToken(token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, httputil.NewError(httputil.CodeUnauthorized, "Invalid or expired token"))
				return
			}

			ctx = requestcontext.WithUserID(ctx, claims.UserID)
			if claims.SessionID != "" {
				ctx = requestcontext.WithSessionID(ctx, claims.SessionID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
