package httpmw

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// LocalhostBypassAuth returns a middleware that requires a bearer token for
// requests from non-loopback clients. Loopback connections always pass.
// When token is empty, all requests pass (development mode).
func LocalhostBypassAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" || isLoopback(c.Request.RemoteAddr) {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if strings.TrimPrefix(auth, "Bearer ") != auth && strings.TrimPrefix(auth, "Bearer ") == token {
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

// BodySizeLimit caps the request body at maxBytes.
func BodySizeLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
