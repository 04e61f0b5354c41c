package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MuriData/zk-ceremony-coordinator/pkg/ceremony"
)

const identityContextKey = "identity"

// IdentityMiddleware populates the gin.Context with the ceremony.Identity of
// the caller. spec.md §1 scopes authentication itself out: the core only
// ever consumes an already-authenticated UID and a coordinator capability
// flag, so this middleware trusts X-Participant-UID as the UID and grants
// IsCoordinator only when X-Coordinator-Key matches the configured
// CoordinatorAPIKey. A reverse proxy or gateway in front of coordinatord is
// expected to be the thing that actually authenticates the caller and sets
// these headers.
func (s *Server) IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := c.GetHeader("X-Participant-UID")
		if uid == "" {
			c.JSON(http.StatusUnauthorized, ErrorResponse{
				Code:    string(ceremony.CodeUnauthenticated),
				Message: "X-Participant-UID header is required",
			})
			c.Abort()
			return
		}

		isCoordinator := s.cfg.CoordinatorAPIKey != "" && c.GetHeader("X-Coordinator-Key") == s.cfg.CoordinatorAPIKey
		c.Set(identityContextKey, ceremony.Identity{UID: uid, IsCoordinator: isCoordinator})
		c.Next()
	}
}

// RequireCoordinator aborts with FORBIDDEN unless IdentityMiddleware already
// established the caller holds the coordinator capability. It must run
// after IdentityMiddleware in the chain.
func (s *Server) RequireCoordinator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !identityFrom(c).IsCoordinator {
			respondError(c, ceremony.New(ceremony.CodeForbidden, "coordinator capability required"))
			c.Abort()
			return
		}
		c.Next()
	}
}

func identityFrom(c *gin.Context) ceremony.Identity {
	v, _ := c.Get(identityContextKey)
	id, _ := v.(ceremony.Identity)
	return id
}

// RequestLogger logs one structured line per request, mirroring the fields
// the rest of the coordinator logs with (method, path, status, latency).
func (s *Server) RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

// Recovery converts a panic in a handler into an INTERNAL error response
// instead of tearing down the process, the way gin.Recovery does but
// through the same ErrorResponse shape every other error path uses.
func (s *Server) Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().Interface("panic", r).Str("path", c.Request.URL.Path).Msg("recovered panic")
				respondError(c, ceremony.New(ceremony.CodeInternal, "internal error"))
				c.Abort()
			}
		}()
		c.Next()
	}
}
