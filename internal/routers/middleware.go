package routers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/securecookie"
	"github.com/openstudio-io/openstudio/internal/fflags"
	"github.com/openstudio-io/openstudio/internal/handlers"
	"github.com/openstudio-io/openstudio/internal/legacycookie"
	"github.com/openstudio-io/openstudio/internal/models"
	"github.com/openstudio-io/openstudio/internal/resolver"
	"github.com/openstudio-io/openstudio/internal/util"
	"go.uber.org/zap"
)

// session keys used by the legacy web application
const (
	sessionTokenKey  = "blender_id_oauth_token"
	sessionUserIDKey = "user_id"
)

type SessionBridgeOptions struct {
	Logger   *zap.SugaredLogger
	Resolver *resolver.Resolver
	FFlags   *fflags.FFlags

	// the cookie issued by this service
	ModernCookieName string
	CookieHashKey    []byte

	// cookies issued by the legacy web application
	Legacy             legacycookie.EnvelopeConfig
	RememberCookieName string
	RememberSecret     []byte
}

// SessionBridge turns the zoo of credentials a browser may present into a
// current user on the gin context.  Every failure mode is anonymous, never an
// HTTP error: the route decides whether anonymous is acceptable.
type SessionBridge struct {
	logger         *zap.SugaredLogger
	resolver       *resolver.Resolver
	fflags         *fflags.FFlags
	modern         *securecookie.SecureCookie
	modernCookie   string
	legacy         legacycookie.EnvelopeConfig
	rememberCookie string
	rememberSecret []byte
}

func NewSessionBridge(o SessionBridgeOptions) *SessionBridge {
	return &SessionBridge{
		logger:         o.Logger,
		resolver:       o.Resolver,
		fflags:         o.FFlags,
		modern:         securecookie.New(o.CookieHashKey, nil),
		modernCookie:   o.ModernCookieName,
		legacy:         o.Legacy,
		rememberCookie: o.RememberCookieName,
		rememberSecret: o.RememberSecret,
	}
}

// Middleware resolves the request's credentials, sets the current user on
// the context when there is one and always lets the request continue.
func (b *SessionBridge) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := b.identify(c)
		if err != nil {
			util.WithTrace(c.Request.Context(), b.logger).Debugf("treating request as anonymous: %s", err)
		}
		if user != nil {
			c.Set(gin.AuthUserKey, user.ID)
			c.Set(handlers.AuthUserName, user.UserName)
		}
		c.Next()
	}
}

// RequireAuth rejects requests that the session bridge left anonymous.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, found := c.Get(gin.AuthUserKey); !found {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.BaseError{
				Error: "unauthorized",
			})
			return
		}
		c.Next()
	}
}

// identify tries each credential carrier in order: the Authorization header,
// our own session cookie, the legacy signed envelope and finally the legacy
// remember-me token.  An invalid envelope falls through to the remember
// token exactly like an absent one, the two are only told apart in the logs.
func (b *SessionBridge) identify(c *gin.Context) (*models.User, error) {
	ctx := c.Request.Context()

	token := bearerToken(c)
	if token == "" {
		token = b.modernToken(c)
	}
	if token == "" {
		if value, err := c.Cookie(b.legacy.CookieName); err == nil {
			session, err := b.legacy.Open(value)
			if err != nil {
				util.WithTrace(ctx, b.logger).Debugf("invalid session envelope: %s", err)
			}
			if t, ok := session[sessionTokenKey].(string); ok {
				token = t
			}
			if token == "" {
				if id := legacyUserID(session[sessionUserIDKey]); id != "" && b.flagEnabled("legacy-user-id") {
					return b.resolver.ResolveLegacyUserID(ctx, id)
				}
			}
		}
	}
	if token == "" {
		if value, err := c.Cookie(b.rememberCookie); err == nil {
			payload, ok := legacycookie.DecodeRememberToken(b.rememberSecret, value)
			if !ok {
				util.WithTrace(ctx, b.logger).Debug("invalid remember token")
			}
			token = payload
		}
	}
	return b.resolver.Resolve(ctx, token)
}

func (b *SessionBridge) flagEnabled(name string) bool {
	if b.fflags == nil {
		return true
	}
	enabled, err := b.fflags.GetFlag(name)
	if err != nil {
		return false
	}
	return enabled
}

func bearerToken(c *gin.Context) string {
	authz := c.Request.Header.Get("Authorization")
	if authz == "" {
		return ""
	}
	parts := strings.Split(authz, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func (b *SessionBridge) modernToken(c *gin.Context) string {
	value, err := c.Cookie(b.modernCookie)
	if err != nil {
		return ""
	}
	var session map[string]string
	if err := b.modern.Decode(b.modernCookie, value, &session); err != nil {
		util.WithTrace(c.Request.Context(), b.logger).Debugf("invalid session cookie: %s", err)
		return ""
	}
	return session["token"]
}

// IssueCookie mints the modern session cookie for a token.  Login flows call
// this after a successful resolution so the legacy formats age out.
func (b *SessionBridge) IssueCookie(token string) (*http.Cookie, error) {
	value, err := b.modern.Encode(b.modernCookie, map[string]string{"token": token})
	if err != nil {
		return nil, err
	}
	return &http.Cookie{
		Name:     b.modernCookie,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}, nil
}

func legacyUserID(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		return ""
	}
}
