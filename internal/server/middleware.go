package server

import (
	"crypto/subtle"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/fiscaldoc/internal/audit/domain"
	obscontext "github.com/smallbiznis/fiscaldoc/internal/observability/context"
)

// Identity is asserted by the gateway in front of the API.
const (
	HeaderCompany        = "X-Company-ID"
	HeaderUser           = "X-User-ID"
	HeaderCallbackSecret = "X-Callback-Secret"

	contextUserIDKey    = "user_id"
	contextCompanyIDKey = "company_id"
)

// UserRequired resolves the acting user only, for routes that precede company membership.
func (s *Server) UserRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := parseHeaderID(c, HeaderUser)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Set(contextUserIDKey, userID)
		ctx := obscontext.WithActor(c.Request.Context(), string(auditdomain.ActorTypeUser), userID.String())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// PrincipalRequired resolves the acting user and the company the request targets.
func (s *Server) PrincipalRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := parseHeaderID(c, HeaderUser)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		companyID, ok := parseHeaderID(c, HeaderCompany)
		if !ok {
			AbortWithError(c, ErrCompanyRequired)
			return
		}

		c.Set(contextUserIDKey, userID)
		c.Set(contextCompanyIDKey, companyID)
		ctx := obscontext.WithActor(c.Request.Context(), string(auditdomain.ActorTypeUser), userID.String())
		ctx = obscontext.WithCompanyID(ctx, companyID.String())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// CallbackSecretRequired guards machine-to-machine routes. Without a
// configured secret the routes stay open outside production only.
func (s *Server) CallbackSecretRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := strings.TrimSpace(s.cfg.Callback.Secret)
		if secret == "" {
			if s.cfg.IsProduction() {
				AbortWithError(c, ErrServiceUnavailable)
				return
			}
			c.Next()
			return
		}

		provided := strings.TrimSpace(c.GetHeader(HeaderCallbackSecret))
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := obscontext.WithActor(c.Request.Context(), string(auditdomain.ActorTypeCallback), "analysis")
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func parseHeaderID(c *gin.Context, header string) (snowflake.ID, bool) {
	raw := strings.TrimSpace(c.GetHeader(header))
	if raw == "" {
		return 0, false
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func userIDFromContext(c *gin.Context) snowflake.ID {
	value, _ := c.Get(contextUserIDKey)
	id, _ := value.(snowflake.ID)
	return id
}

func companyIDFromContext(c *gin.Context) snowflake.ID {
	value, _ := c.Get(contextCompanyIDKey)
	id, _ := value.(snowflake.ID)
	return id
}
