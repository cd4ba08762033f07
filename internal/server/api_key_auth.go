package server

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	apikeydomain "github.com/smallbiznis/dayledger/internal/apikey/domain"
	obscontext "github.com/smallbiznis/dayledger/internal/observability/context"
)

const HeaderAPIKey = "X-API-Key"

type actorContextKey struct{}

// APIKeyRequired authenticates admin requests with a bearer API key or the
// X-API-Key header.
func (s *Server) APIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			raw = strings.TrimSpace(c.GetHeader(HeaderAPIKey))
		}
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		key, err := s.apiKeySvc.Authenticate(c.Request.Context(), raw)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		ctx := context.WithValue(c.Request.Context(), actorContextKey{}, actorFromKey(key))
		ctx = obscontext.WithActor(ctx, obscontext.ActorAPIKey, key.KeyID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func bearerToken(header string) string {
	parts := strings.Fields(strings.TrimSpace(header))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func actorFromKey(key *apikeydomain.APIKey) Actor {
	roles := make([]string, 0, len(key.Roles))
	roles = append(roles, key.Roles...)
	return Actor{
		Type:  ActorAPIKey,
		ID:    key.KeyID,
		Roles: roles,
	}
}
