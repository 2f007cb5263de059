package authorization

import (
	"context"
	"errors"
)

// Service decides whether an actor may perform an action inside a company.
// Actors are "system" or "user:<id>".
type Service interface {
	Authorize(ctx context.Context, actor string, companyID string, object string, action string) error
}

var (
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidActor        = errors.New("invalid_actor")
	ErrInvalidOrganization = errors.New("invalid_company")
	ErrInvalidObject       = errors.New("invalid_object")
	ErrInvalidAction       = errors.New("invalid_action")
)

// UserActor formats the actor string for a member.
func UserActor(userID string) string {
	return "user:" + userID
}
