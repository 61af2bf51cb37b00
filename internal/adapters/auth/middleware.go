package auth

import (
	"strings"

	"github.com/dkeye/Chat/internal/adapters/httperr"
	"github.com/dkeye/Chat/internal/core"
	"github.com/dkeye/Chat/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	userKey = "chat_user"
	// SessionTokenKey holds the token inside the cookie session.
	SessionTokenKey = "token"
)

// Credential finds the bearer token of a request: Authorization header
// first, then the token query parameter, then the cookie session.
func Credential(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := c.Query("token"); token != "" {
		return token
	}
	if s := sessionOf(c); s != nil {
		if token, ok := s.Get(SessionTokenKey).(string); ok {
			return token
		}
	}
	return ""
}

// Required aborts with 401 unless the request carries a valid credential.
func Required(resolver core.IdentityResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := resolver.ResolveIdentity(c.Request.Context(), Credential(c))
		if err != nil {
			log.Debug().Err(err).Str("module", "adapters.auth").Str("path", c.FullPath()).Msg("credential rejected")
			httperr.Abort(c, err)
			return
		}
		c.Set(userKey, user)
		c.Next()
	}
}

// CurrentUser returns the user stored by Required.
func CurrentUser(c *gin.Context) (domain.PublicUser, bool) {
	v, ok := c.Get(userKey)
	if !ok {
		return domain.PublicUser{}, false
	}
	u, ok := v.(domain.PublicUser)
	return u, ok
}

// Remember stores token in the cookie session, when one is configured.
func Remember(c *gin.Context, token string) error {
	s := sessionOf(c)
	if s == nil {
		return nil
	}
	s.Set(SessionTokenKey, token)
	return s.Save()
}

func sessionOf(c *gin.Context) sessions.Session {
	if _, ok := c.Get(sessions.DefaultKey); !ok {
		return nil
	}
	return sessions.Default(c)
}
