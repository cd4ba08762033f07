package authorization

import (
	"context"
	"errors"
)

// Actor is an authenticated caller of the admin surface.
type Actor struct {
	// Subject is a stable identifier such as "api_key:key_ABC".
	Subject string
	Roles   []string
}

type Service interface {
	Authorize(ctx context.Context, actor Actor, object string, action string) error
}

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
	ErrForbidden     = errors.New("forbidden")
)
