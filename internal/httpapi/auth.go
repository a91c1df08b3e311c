package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	contextKeyClaims = "auth_claims"
	bearerPrefix     = "Bearer "
	scopeAdmin       = "admin"

	headerCallbackToken = "X-Callback-Token"
)

// Claims identify the calling service. Scope is a space separated list.
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether the token grants the scope.
func (claims *Claims) HasScope(scope string) bool {
	for _, granted := range strings.Fields(claims.Scope) {
		if granted == scope {
			return true
		}
	}
	return false
}

type tokenVerifier struct {
	signingKey []byte
	parser     *jwt.Parser
}

func newTokenVerifier(signingKey []byte, issuer string) *tokenVerifier {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if strings.TrimSpace(issuer) != "" {
		options = append(options, jwt.WithIssuer(issuer))
	}
	return &tokenVerifier{signingKey: signingKey, parser: jwt.NewParser(options...)}
}

func (verifier *tokenVerifier) middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		claims := &Claims{}
		_, err := verifier.parser.ParseWithClaims(strings.TrimPrefix(header, bearerPrefix), claims, func(token *jwt.Token) (any, error) {
			return verifier.signingKey, nil
		})
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid bearer token"))
			return
		}
		ctx.Set(contextKeyClaims, claims)
		ctx.Next()
	}
}

func requireScope(scope string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil || !claims.HasScope(scope) {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "missing scope "+scope))
			return
		}
		ctx.Next()
	}
}

func getClaims(ctx *gin.Context) *Claims {
	claimsValue, ok := ctx.Get(contextKeyClaims)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*Claims)
	return claims
}

// requireCallbackToken rejects gateway callbacks that do not carry the shared secret.
func requireCallbackToken(secret string) gin.HandlerFunc {
	expected := []byte(secret)
	return func(ctx *gin.Context) {
		presented := []byte(strings.TrimSpace(ctx.GetHeader(headerCallbackToken)))
		if subtle.ConstantTimeCompare(presented, expected) != 1 {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid callback token"))
			return
		}
		ctx.Next()
	}
}
