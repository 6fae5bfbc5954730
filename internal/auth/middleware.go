// Package auth verifies bearer tokens on ingress requests. Production uses
// RS256 tokens against the issuer's JWKS endpoint; development and tests
// may use HS256 tokens signed with a shared key. Roles come from the
// Keycloak-style realm_access claim.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/pwei1018/bcros-common-sub000/internal/errors"
)

// Claims is the token payload the service consumes.
type Claims struct {
	jwt.RegisteredClaims
	RealmAccess struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
}

// HasRole reports whether the token carries the given realm role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.RealmAccess.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Options configures token verification.
type Options struct {
	JWKS     *JWKSCache
	Issuer   string
	Audience string
	// DevSigningKey enables HS256 tokens when set. Never set in production.
	DevSigningKey string
}

const claimsContextKey = "auth.claims"

// Middleware returns a gin handler that authenticates the request and
// stores the verified claims on the context.
func Middleware(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			abortUnauthorized(c, "missing bearer token")
			return
		}

		claims, err := verify(c, token, opts)
		if err != nil {
			abortUnauthorized(c, "invalid token")
			return
		}

		c.Set(claimsContextKey, claims)
		c.Next()
	}
}

// RequireRole returns a gin handler that rejects requests whose token lacks
// every one of the given roles. Must run after Middleware.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := FromContext(c)
		if claims == nil {
			abortUnauthorized(c, "missing bearer token")
			return
		}
		for _, role := range roles {
			if claims.HasRole(role) {
				c.Next()
				return
			}
		}

		appErr := apperrors.NewAuthorization("insufficient role")
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
		})
	}
}

// FromContext returns the verified claims, or nil when unauthenticated.
func FromContext(c *gin.Context) *Claims {
	v, ok := c.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*Claims)
	return claims
}

// Subject returns the token subject, or "".
func Subject(c *gin.Context) string {
	if claims := FromContext(c); claims != nil {
		return claims.Subject
	}
	return ""
}

func verify(c *gin.Context, tokenString string, opts Options) (*Claims, error) {
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodRSA:
			if opts.JWKS == nil {
				return nil, fmt.Errorf("RS256 tokens not configured")
			}
			kid, _ := token.Header["kid"].(string)
			if kid == "" {
				return nil, fmt.Errorf("token has no kid header")
			}
			return opts.JWKS.Key(c.Request.Context(), kid)
		case *jwt.SigningMethodHMAC:
			if opts.DevSigningKey == "" {
				return nil, fmt.Errorf("HS256 tokens not configured")
			}
			return []byte(opts.DevSigningKey), nil
		default:
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "HS256"}),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, keyFunc, parserOpts...)
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	return claims, nil
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func abortUnauthorized(c *gin.Context, message string) {
	appErr := apperrors.NewAuthentication(message)
	c.Header("WWW-Authenticate", "Bearer")
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code":    appErr.Code,
		"message": appErr.Message,
	})
}
