package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/sessions"

	"assistant-push-go/internal/models"
)

const (
	// SessionName is the cookie the web app's session lives in.
	SessionName = "assistant-session"
	// TokenHeader carries the API token issued by the account service.
	TokenHeader = "x-auth-token"
)

type ctxKey struct{}

// Claims mirrors the token issued at login: {"user":{"id":"…"}}.
type Claims struct {
	User struct {
		ID string `json:"id"`
	} `json:"user"`
	jwt.RegisteredClaims
}

// Authenticator resolves the caller's user ID. Login itself lives elsewhere;
// this only reads what the account service issued.
type Authenticator struct {
	secret   []byte
	sessions sessions.Store
}

// NewAuthenticator accepts tokens signed with jwtSecret and, when sessions is
// non-nil, a user_id stored in the session cookie.
func NewAuthenticator(jwtSecret string, sessions sessions.Store) *Authenticator {
	return &Authenticator{secret: []byte(jwtSecret), sessions: sessions}
}

// UserID tries the token header, then a Bearer token, then the session.
func (a *Authenticator) UserID(r *http.Request) (string, error) {
	token := r.Header.Get(TokenHeader)
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if token != "" {
		return a.parse(token)
	}

	if a.sessions != nil {
		session, err := a.sessions.Get(r, SessionName)
		if err == nil {
			if id, ok := session.Values["user_id"].(string); ok && id != "" {
				return id, nil
			}
		}
	}
	return "", models.ErrUnauthenticated
}

func (a *Authenticator) parse(tokenString string) (string, error) {
	if len(a.secret) == 0 {
		return "", models.ErrUnauthenticated
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", errors.Join(models.ErrUnauthenticated, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return "", models.ErrUnauthenticated
	}
	if claims.User.ID != "" {
		return claims.User.ID, nil
	}
	if claims.Subject != "" {
		return claims.Subject, nil
	}
	return "", models.ErrUnauthenticated
}

// IssueToken signs a token in the same shape the account service issues.
func (a *Authenticator) IssueToken(userID string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", &models.ConfigurationError{Msg: "JWT secret not configured"}
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	claims.User.ID = userID

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Middleware rejects unauthenticated requests and stores the user ID in the context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.UserID(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, message{Msg: "No token, authorization denied"})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// CurrentUser returns the ID stored by Middleware.
func CurrentUser(r *http.Request) (string, error) {
	id, ok := r.Context().Value(ctxKey{}).(string)
	if !ok || id == "" {
		return "", models.ErrUnauthenticated
	}
	return id, nil
}
