package server

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/fiscaldoc/internal/authorization"
)

// authorizeCompanyAction checks the member's role in the target company
// before the handler runs.
func (s *Server) authorizeCompanyAction(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.authorizeCompanyActionWithContext(c, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func (s *Server) authorizeCompanyActionWithContext(c *gin.Context, object string, action string) error {
	userID := userIDFromContext(c)
	if userID == 0 {
		return ErrUnauthorized
	}
	companyID := companyIDFromContext(c)
	if companyID == 0 {
		return ErrCompanyRequired
	}
	if s.authzSvc == nil {
		return ErrForbidden
	}

	err := s.authzSvc.Authorize(
		c.Request.Context(),
		authorization.UserActor(userID.String()),
		companyID.String(),
		strings.TrimSpace(object),
		strings.TrimSpace(action),
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, authorization.ErrInvalidActor),
		errors.Is(err, authorization.ErrInvalidOrganization):
		return ErrForbidden
	default:
		return err
	}
}
