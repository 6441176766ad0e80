package httpapi

import (
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/storycredits/internal/servicetoken"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
)

const (
	contextKeyServiceSubject = "service_subject"
	contextKeySessionClaims  = "auth_claims"
)

// ServiceAuth accepts requests carrying a bearer token signed with secret
// by issuer.
func ServiceAuth(secret []byte, issuer string) gin.HandlerFunc {
	verifier := servicetoken.NewVerifier(secret, issuer)
	return func(ctx *gin.Context) {
		subject, err := verifier.VerifyHeader(ctx.GetHeader("Authorization"))
		if errors.Is(err, servicetoken.ErrMissingToken) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid bearer token"))
			return
		}
		ctx.Set(contextKeyServiceSubject, subject)
		ctx.Next()
	}
}

// SessionMiddleware validates TAuth session cookies.
func SessionMiddleware(signingKey []byte, issuer string, cookieName string) (gin.HandlerFunc, error) {
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: signingKey,
		Issuer:     issuer,
		CookieName: cookieName,
	})
	if err != nil {
		return nil, err
	}
	return validator.GinMiddleware(contextKeySessionClaims), nil
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(contextKeySessionClaims)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"ok": false,
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
