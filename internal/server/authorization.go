package server

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/dayledger/internal/authorization"
)

type ActorType string

const (
	ActorAPIKey ActorType = "api_key"
)

type Actor struct {
	Type  ActorType
	ID    string
	Roles []string
}

func (a Actor) subject() string {
	return string(a.Type) + ":" + a.ID
}

func actorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok && actor.ID != ""
}

func (s *Server) authorizeAction(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFromContext(c.Request.Context())
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		err := s.authzSvc.Authorize(c.Request.Context(), authorization.Actor{
			Subject: actor.subject(),
			Roles:   actor.Roles,
		}, object, action)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}
