package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// IPAllowlist only lets through requests whose client IP matches one of the
// entries, each a plain IP or a CIDR. An empty list allows every IP.
// Invalid entries are logged and match nothing.
func IPAllowlist(entries []string, log *zap.Logger) gin.HandlerFunc {
	exact := make(map[string]bool, len(entries))
	var nets []*net.IPNet
	configured := 0
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		configured++
		if strings.Contains(e, "/") {
			_, n, err := net.ParseCIDR(e)
			if err != nil {
				log.Warn("ignoring invalid allowlist CIDR", zap.String("entry", e), zap.Error(err))
				continue
			}
			nets = append(nets, n)
			continue
		}
		ip := net.ParseIP(e)
		if ip == nil {
			log.Warn("ignoring invalid allowlist IP", zap.String("entry", e))
			continue
		}
		exact[ip.String()] = true
	}
	open := configured == 0

	return func(c *gin.Context) {
		if open || allowed(c.ClientIP(), exact, nets) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access denied"})
	}
}

func allowed(clientIP string, exact map[string]bool, nets []*net.IPNet) bool {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	if exact[ip.String()] {
		return true
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
