package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

var csrfSafeMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodHead:    {},
	http.MethodOptions: {},
}

// CSRFMiddleware applies double-submit verification to mutating requests
// authenticated by cookie: the client must echo the csrf cookie's value in
// the csrf header. Bearer requests present their credential explicitly and
// are not forgeable cross-site, so they skip the check.
func (s *Service) CSRFMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, safe := csrfSafeMethods[strings.ToUpper(c.Request.Method)]; safe {
			c.Next()
			return
		}
		if strings.HasPrefix(strings.ToLower(c.GetHeader(s.headerName)), "bearer ") {
			c.Next()
			return
		}
		cookieToken, err := c.Cookie(s.csrfCookieName)
		if err != nil || !csrfTokensMatch(c.GetHeader(s.csrfHeaderName), cookieToken) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid csrf token"})
			return
		}
		c.Next()
	}
}

func csrfTokensMatch(header, cookie string) bool {
	if header == "" || cookie == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(header), []byte(cookie)) == 1
}
