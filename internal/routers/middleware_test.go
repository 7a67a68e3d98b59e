package routers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openstudio-io/openstudio/internal/database"
	"github.com/openstudio-io/openstudio/internal/fflags"
	"github.com/openstudio-io/openstudio/internal/handlers"
	"github.com/openstudio-io/openstudio/internal/idp"
	"github.com/openstudio-io/openstudio/internal/legacycookie"
	"github.com/openstudio-io/openstudio/internal/models"
	"github.com/openstudio-io/openstudio/internal/resolver"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type MiddlewareTestSuite struct {
	suite.Suite
	logger *zap.SugaredLogger
	idp    *httptest.Server
	bridge *SessionBridge
	router *gin.Engine
}

func TestMiddlewareTestSuite(t *testing.T) {
	suite.Run(t, new(MiddlewareTestSuite))
}

func (suite *MiddlewareTestSuite) SetupTest() {
	suite.logger = zaptest.NewLogger(suite.T()).Sugar()

	db, err := database.NewTestDatabase(suite.logger)
	suite.Require().NoError(err)
	suite.Require().NoError(database.Migrations().Migrate(context.Background(), db))

	suite.idp = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/me" || r.Header.Get("Authorization") != "Bearer TOK1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 42, "email": "jane@example.com", "nickname": "janedoe", "roles": ["cloud_subscriber"]}`))
	}))

	res, err := resolver.New(
		suite.logger,
		db,
		nil,
		idp.NewClient(suite.logger, suite.idp.URL),
		fflags.NewFFlags(suite.logger),
		"",
	)
	suite.Require().NoError(err)

	suite.bridge = NewSessionBridge(SessionBridgeOptions{
		Logger:           suite.logger,
		Resolver:         res,
		FFlags:           fflags.NewFFlags(suite.logger),
		ModernCookieName: "studio_session",
		CookieHashKey:    []byte("0123456789abcdef0123456789abcdef"),
		Legacy: legacycookie.EnvelopeConfig{
			CookieName: "session",
			SecretKey:  []byte("legacy-app-secret"),
			MaxAge:     31 * 24 * time.Hour,
		},
		RememberCookieName: "remember_token",
		RememberSecret:     []byte("legacy-app-secret"),
	})

	gin.SetMode(gin.TestMode)
	r := gin.New()
	api := r.Group("/api", suite.bridge.Middleware(), RequireAuth())
	api.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"id":       c.MustGet(gin.AuthUserKey),
			"username": c.MustGet(handlers.AuthUserName),
		})
	})
	suite.router = r
}

func (suite *MiddlewareTestSuite) TearDownTest() {
	suite.idp.Close()
}

func (suite *MiddlewareTestSuite) serve(decorate func(req *http.Request)) *httptest.ResponseRecorder {
	req, err := http.NewRequest(http.MethodGet, "/api/whoami", nil)
	suite.Require().NoError(err)
	if decorate != nil {
		decorate(req)
	}
	res := httptest.NewRecorder()
	suite.router.ServeHTTP(res, req)
	return res
}

func (suite *MiddlewareTestSuite) assertJane(res *httptest.ResponseRecorder) {
	suite.Require().Equal(http.StatusOK, res.Code)
	var body map[string]string
	suite.Require().NoError(json.Unmarshal(res.Body.Bytes(), &body))
	suite.Equal("janedoe", body["username"])
}

func (suite *MiddlewareTestSuite) TestNoCredentials() {
	res := suite.serve(nil)
	suite.Equal(http.StatusUnauthorized, res.Code)

	var body models.BaseError
	suite.Require().NoError(json.Unmarshal(res.Body.Bytes(), &body))
	suite.Equal("unauthorized", body.Error)
}

func (suite *MiddlewareTestSuite) TestBearerHeader() {
	suite.assertJane(suite.serve(func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer TOK1")
	}))
}

func (suite *MiddlewareTestSuite) TestBearerHeaderRejected() {
	res := suite.serve(func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer NOPE")
	})
	suite.Equal(http.StatusUnauthorized, res.Code)
}

func (suite *MiddlewareTestSuite) TestModernCookie() {
	cookie, err := suite.bridge.IssueCookie("TOK1")
	suite.Require().NoError(err)
	suite.assertJane(suite.serve(func(req *http.Request) {
		req.AddCookie(cookie)
	}))
}

func (suite *MiddlewareTestSuite) TestLegacyEnvelope() {
	value, err := suite.bridge.legacy.Seal(map[string]any{
		"blender_id_oauth_token": "TOK1",
	}, time.Now())
	suite.Require().NoError(err)

	suite.assertJane(suite.serve(func(req *http.Request) {
		req.AddCookie(&http.Cookie{Name: "session", Value: value})
	}))
}

func (suite *MiddlewareTestSuite) TestLegacyEnvelopeUserID() {
	// the oldest sessions only carry the upstream user id, which resolves
	// locally once the identity link exists
	user, err := suite.bridge.resolver.Resolve(context.Background(), "TOK1")
	suite.Require().NoError(err)
	suite.Require().NotNil(user)

	value, err := suite.bridge.legacy.Seal(map[string]any{
		"user_id": "42",
	}, time.Now())
	suite.Require().NoError(err)

	suite.assertJane(suite.serve(func(req *http.Request) {
		req.AddCookie(&http.Cookie{Name: "session", Value: value})
	}))
}

func (suite *MiddlewareTestSuite) TestRememberToken() {
	value := legacycookie.EncodeRememberToken([]byte("legacy-app-secret"), "TOK1")
	suite.assertJane(suite.serve(func(req *http.Request) {
		req.AddCookie(&http.Cookie{Name: "remember_token", Value: value})
	}))
}

func (suite *MiddlewareTestSuite) TestInvalidEnvelopeFallsBackToRememberToken() {
	value := legacycookie.EncodeRememberToken([]byte("legacy-app-secret"), "TOK1")
	suite.assertJane(suite.serve(func(req *http.Request) {
		req.AddCookie(&http.Cookie{Name: "session", Value: "garbage-envelope"})
		req.AddCookie(&http.Cookie{Name: "remember_token", Value: value})
	}))
}

func (suite *MiddlewareTestSuite) TestTamperedRememberToken() {
	value := legacycookie.EncodeRememberToken([]byte("some-other-secret"), "TOK1")
	res := suite.serve(func(req *http.Request) {
		req.AddCookie(&http.Cookie{Name: "remember_token", Value: value})
	})
	suite.Equal(http.StatusUnauthorized, res.Code)
}
