package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

/*
Tokens are HS256 JWTs. Besides the registered claims they carry the user's
display name and a role per room; the room "*" applies to every room.

	{"sub": "u1", "name": "Ann", "rooms": {"design-doc": "editor", "*": "reader"}}

Requests without a token are anonymous readers.
*/

const issuer = "docsync"

// Wildcard grants a role in every room
const Wildcard = "*"

type Role string

const (
	RoleReader Role = "reader"
	RoleEditor Role = "editor"
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	jwt.RegisteredClaims
	Name  string          `json:"name,omitempty"`
	Rooms map[string]Role `json:"rooms,omitempty"`
}

// User is the authenticated principal of a request
type User struct {
	ID        string
	Name      string
	Rooms     map[string]Role
	Anonymous bool
}

// Anonymous is the principal of requests without a token
var Anonymous = &User{ID: "anonymous", Name: "Anonymous", Anonymous: true}

// Role returns the user's role in room, the wildcard role otherwise
func (u *User) Role(room string) (Role, bool) {
	if role, ok := u.Rooms[room]; ok {
		return role, true
	}
	role, ok := u.Rooms[Wildcard]
	return role, ok
}

type Authenticator struct {
	secret             []byte
	allowAnonymousEdit bool
	logger             *zap.SugaredLogger
}

func NewAuthenticator(secret string, allowAnonymousEdit bool, logger *zap.SugaredLogger) *Authenticator {
	return &Authenticator{
		secret:             []byte(secret),
		allowAnonymousEdit: allowAnonymousEdit,
		logger:             logger,
	}
}

// IssueToken signs a token for userID valid for ttl
func (a *Authenticator) IssueToken(userID, name string, rooms map[string]Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name:  name,
		Rooms: rooms,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies a token and returns its user
func (a *Authenticator) ParseToken(raw string) (*User, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return &User{
		ID:    claims.Subject,
		Name:  claims.Name,
		Rooms: claims.Rooms,
	}, nil
}

// CanEdit reports whether user may change room
func (a *Authenticator) CanEdit(_ context.Context, user *User, room string) bool {
	if user == nil || user.Anonymous {
		return a.allowAnonymousEdit
	}
	role, ok := user.Role(room)
	return ok && role == RoleEditor
}

// tokenFromRequest reads the bearer token, falling back to the token query
// parameter for clients that cannot set headers (browser WebSocket, EventSource)
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// Middleware attaches the request's user to its context. Invalid tokens are
// rejected; missing tokens yield the anonymous user.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := Anonymous
		if raw := tokenFromRequest(r); raw != "" {
			parsed, err := a.ParseToken(raw)
			if err != nil {
				a.logger.Debugw("Rejected token", "path", r.URL.Path, "error", err)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			user = parsed
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

type contextKey struct{}

func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

// UserFromContext returns the request's user, anonymous when none was attached
func UserFromContext(ctx context.Context) *User {
	if user, ok := ctx.Value(contextKey{}).(*User); ok {
		return user
	}
	return Anonymous
}
