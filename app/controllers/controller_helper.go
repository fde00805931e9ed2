package controllers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// ClientIP returns the address recorded on webhook audit rows. Proxy headers
// are only honoured when trustProxy is set, since any client can send them.
// The result fits the 45 character remote_ip column.
func ClientIP(c *fiber.Ctx, trustProxy bool) string {
	if trustProxy {
		// Cloudflare provides the original client IP in this header
		if cfIP := strings.TrimSpace(c.Get("CF-Connecting-IP")); cfIP != "" {
			return normalizeIP(cfIP)
		}

		// X-Forwarded-For can contain a list of IPs - the first one is the original client IP
		if xff := c.Get("X-Forwarded-For"); xff != "" {
			if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
				return normalizeIP(first)
			}
		}

		if realIP := strings.TrimSpace(c.Get("X-Real-IP")); realIP != "" {
			return normalizeIP(realIP)
		}
	}
	return normalizeIP(c.IP())
}

// normalizeIP unwraps IPv4-mapped IPv6 addresses (::ffff:192.168.1.1).
func normalizeIP(ip string) string {
	if strings.HasPrefix(ip, "::ffff:") && strings.Contains(ip, ".") {
		ip = strings.TrimPrefix(ip, "::ffff:")
	}
	if len(ip) > 45 {
		ip = ip[:45]
	}
	return ip
}
