// Package auth provides the viewer session for the marketplace front end.
//
// Session model:
//   - The browser holds a bearer JWT issued by the marketplace.
//   - Every request resolves it into a Viewer that is passed explicitly to the
//     order gate, checkout and dispute code. Nothing reads the viewer from a
//     global.
//   - The raw token is kept on the Viewer so calls to the marketplace API are
//     made on the viewer's behalf.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrNoToken      = errors.New("auth: bearer token required")
	ErrInvalidToken = errors.New("auth: invalid or expired token")
	ErrNoViewer     = errors.New("auth: no viewer in context")
)

// Role is the platform role of a viewer.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// DefaultLanguage is used when a token carries no language claim.
const DefaultLanguage = "en"

// Viewer is the authenticated user looking at a page.
type Viewer struct {
	ID       string   `json:"id"`
	Role     Role     `json:"role"`
	Language string   `json:"language"`
	Linked   []string `json:"linked,omitempty"` // linked external identity providers
	Token    string   `json:"-"`
}

// HasLinkedIdentity reports whether the viewer linked at least one external
// identity account. Disputes require one so the parties can be contacted.
func (v Viewer) HasLinkedIdentity() bool {
	for _, p := range v.Linked {
		if strings.TrimSpace(p) != "" {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the viewer has the admin role.
func (v Viewer) IsAdmin() bool {
	return v.Role == RoleAdmin
}

// Anonymous reports whether no user is attached.
func (v Viewer) Anonymous() bool {
	return v.ID == ""
}

// Manager issues and verifies session tokens.
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewManager creates a token manager signing with an HMAC secret.
func NewManager(secret string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue creates a signed token for the viewer. The marketplace normally
// issues tokens; this is used by the demo backend and tests.
func (m *Manager) Issue(v Viewer) (string, error) {
	now := m.now()
	role := v.Role
	if role == "" {
		role = RoleUser
	}
	claims := jwt.MapClaims{
		"user_id": v.ID,
		"role":    string(role),
		"lang":    v.Language,
		"linked":  v.Linked,
		"iat":     now.Unix(),
		"exp":     now.Add(m.ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify validates a token and returns the viewer it describes.
func (m *Manager) Verify(tokenString string) (Viewer, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return Viewer{}, ErrNoToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil {
		return Viewer{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Viewer{}, ErrInvalidToken
	}

	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return Viewer{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	role := Role(stringClaim(claims, "role"))
	switch role {
	case RoleUser, RoleAdmin:
	case "":
		role = RoleUser
	default:
		return Viewer{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, role)
	}
	lang := stringClaim(claims, "lang")
	if lang == "" {
		lang = DefaultLanguage
	}

	var linked []string
	if raw, ok := claims["linked"].([]interface{}); ok {
		for _, item := range raw {
			if s, ok := item.(string); ok && s != "" {
				linked = append(linked, s)
			}
		}
	}

	return Viewer{
		ID:       userID,
		Role:     role,
		Language: lang,
		Linked:   linked,
		Token:    tokenString,
	}, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return s
}

type contextKey struct{}

// WithViewer attaches the viewer to ctx.
func WithViewer(ctx context.Context, v Viewer) context.Context {
	return context.WithValue(ctx, contextKey{}, v)
}

// FromContext returns the viewer attached to ctx.
func FromContext(ctx context.Context) (Viewer, bool) {
	v, ok := ctx.Value(contextKey{}).(Viewer)
	return v, ok
}
