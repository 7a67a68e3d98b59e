package routers

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/openstudio-io/openstudio/internal/docs"
	"github.com/openstudio-io/openstudio/internal/handlers"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const name = "github.com/openstudio-io/openstudio/internal/routers"

type APIRouterOptions struct {
	Logger       *zap.SugaredLogger
	Api          *handlers.API
	Bridge       *SessionBridge
	URL          string
	AllowOrigins []string
}

func NewAPIRouter(ctx context.Context, o APIRouterOptions) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	loggerMiddleware := ginzap.GinzapWithConfig(o.Logger.Desugar(), &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		Context: func(c *gin.Context) []zapcore.Field {
			return []zapcore.Field{
				zap.String("traceID", trace.SpanFromContext(c.Request.Context()).SpanContext().TraceID().String()),
			}
		},
	})

	r.Use(otelgin.Middleware(name, otelgin.WithPropagators(
		propagation.TraceContext{},
	)))
	r.Use(ginzap.RecoveryWithZap(o.Logger.Desugar(), true))

	if len(o.AllowOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = o.AllowOrigins
		corsConfig.AllowCredentials = true
		r.Use(cors.New(corsConfig))
	}

	newPrometheus().Use(r)

	u, err := url.Parse(o.URL)
	if err != nil {
		return nil, err
	}
	docs.SwaggerInfo.Schemes = []string{u.Scheme}
	docs.SwaggerInfo.Host = u.Host

	r.GET("/openapi/*any", ginSwagger.WrapHandler(swaggerFiles.Handler), loggerMiddleware)

	private := r.Group("/api", loggerMiddleware)
	{
		api := o.Api
		private.Use(o.Bridge.Middleware())
		private.Use(RequireAuth())

		// Feature Flags
		private.GET("/fflags", api.ListFeatureFlags)
		private.GET("/fflags/:name", api.GetFeatureFlag)

		// Users
		private.GET("/users", api.ListUsers)
		private.GET("/users/:id", api.GetUser)
		private.GET("/users/:id/groups", api.GetUserGroups)
		private.DELETE("/users/:id", api.DeleteUser)

		// Groups
		private.GET("/groups", api.ListGroups)
		private.GET("/groups/:id", api.GetGroup)
	}

	// Don't log the health/readiness checks.
	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "UP",
		})
	})
	r.GET("/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "UP",
		})
	})

	return r, nil
}

func newPrometheus() *ginprometheus.Prometheus {
	p := ginprometheus.NewPrometheus("apiserver")
	p.ReqCntURLLabelMappingFn = func(c *gin.Context) string {
		url := c.Request.URL.Path
		for _, p := range c.Params {
			if p.Key == "id" {
				url = strings.Replace(url, p.Value, ":id", 1)
				break
			}
		}
		return url
	}
	return p
}
