package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/dkeye/callcore/internal/adapters/signal"
	"github.com/dkeye/callcore/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer           = "callcore"
	sessionMemberKey = "member"
)

var ErrUnauthorized = errors.New("unauthorized")

// Authenticator issues and verifies member bearer tokens.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
}

func NewAuthenticator(secret string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl}
}

func (a *Authenticator) Issue(mid domain.MemberID) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   string(mid),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) Verify(token string) (domain.MemberID, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return "", errors.Join(ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return "", ErrUnauthorized
	}
	return domain.MemberID(claims.Subject), nil
}

func bearer(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// browsers cannot set headers on a WebSocket upgrade
	return c.Query("token")
}

// AuthMiddleware accepts a bearer token or a member stored in the cookie
// session by login, and puts the member id into the gin context.
func AuthMiddleware(a *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tok := bearer(c); tok != "" {
			mid, err := a.Verify(tok)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			c.Set(signal.MemberKey, string(mid))
			c.Next()
			return
		}
		if mid, ok := sessions.Default(c).Get(sessionMemberKey).(string); ok && mid != "" {
			c.Set(signal.MemberKey, mid)
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

func memberOf(c *gin.Context) domain.MemberID {
	return domain.MemberID(c.GetString(signal.MemberKey))
}
