// Package httpapi is the HTTP transport documented as the sync
// protocol's canonical collaborator in spec §6. It owns routing,
// content-type checking, payload-size limits, and header plumbing —
// all explicitly out of the core's scope (spec §1) — and translates
// every result into the status codes and headers spec §6 specifies.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderClientID is the header carrying the canonical UUID text of the
// requesting client (spec §6 "Request headers").
const HeaderClientID = "X-Client-Id"

// clientIDMiddleware extracts and validates X-Client-Id, rejecting a
// missing or malformed header with 400 and, if an allow-list is
// configured, an identifier outside it with 403 (spec §6).
func clientIDMiddleware(allowlist map[uuid.UUID]struct{}) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(HeaderClientID)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing " + HeaderClientID})
			return
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed " + HeaderClientID})
			return
		}
		if allowlist != nil {
			if _, ok := allowlist[id]; !ok {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "client not allowed"})
				return
			}
		}
		c.Set("client_id", id)
		c.Next()
	}
}

func clientIDFrom(c *gin.Context) uuid.UUID {
	return c.MustGet("client_id").(uuid.UUID)
}

// maxBodyBytes bounds version and snapshot bodies at 100 MiB (spec §6
// "Payload limits"). The engine itself imposes no size limit; this is
// purely a transport concern.
const maxBodyBytes = 100 * 1024 * 1024

func limitBodyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		c.Next()
	}
}

// requireContentType aborts with 400 unless the request's Content-Type
// matches exactly.
func requireContentType(want string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Content-Type") != want {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unexpected content-type, want " + want})
			return
		}
		c.Next()
	}
}
