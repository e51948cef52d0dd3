package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"manabilling/internal/logging"

	"github.com/golang-jwt/jwt/v5"
)

type principalKey struct{}

const roleAdmin = "admin"

var (
	errMissingAuth = errors.New("missing authorization header")
	errBadScheme   = errors.New("invalid authorization header format")
	errBadToken    = errors.New("invalid or expired token")
)

// JWTClaims is the token issued by the account service; billing only verifies it.
type JWTClaims struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// principal is the caller resolved from a verified token.
type principal struct {
	userID int64
	role   string
}

func bearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", errMissingAuth
	}
	scheme, tok, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tok) == "" {
		return "", errBadScheme
	}
	return strings.TrimSpace(tok), nil
}

func (s *Server) verifyToken(raw string) (principal, error) {
	claims := &JWTClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(s.cfg.JWTSecretKey), nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return principal{}, err
	}
	if claims.UserID <= 0 {
		return principal{}, errors.New("token has no user id")
	}
	return principal{userID: claims.UserID, role: claims.Role}, nil
}

// jwtMiddleware 校验 Bearer token 并把调用者放进 context
func (s *Server) jwtMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearerToken(r)
		if err != nil {
			respondError(w, http.StatusUnauthorized, err)
			return
		}
		if s.cfg.JWTSecretKey == "" {
			logging.Ctx(r.Context()).Error().Msg("JWT_SECRET_KEY not configured")
			respondError(w, http.StatusInternalServerError, errors.New("authentication not configured"))
			return
		}

		p, err := s.verifyToken(raw)
		if err != nil {
			logging.Ctx(r.Context()).Debug().Err(err).Msg("token rejected")
			respondError(w, http.StatusUnauthorized, errBadToken)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

// adminMiddleware 仅允许管理员
func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if getRoleFromContext(r.Context()) != roleAdmin {
			respondError(w, http.StatusForbidden, errors.New("admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func principalFrom(ctx context.Context) principal {
	p, _ := ctx.Value(principalKey{}).(principal)
	return p
}

func getUserIDFromContext(ctx context.Context) int64 {
	return principalFrom(ctx).userID
}

func getRoleFromContext(ctx context.Context) string {
	return principalFrom(ctx).role
}
