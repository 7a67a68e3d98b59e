package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/openstudio-io/openstudio/internal/database"
	"github.com/openstudio-io/openstudio/internal/fflags"
	"github.com/openstudio-io/openstudio/internal/models"
	"github.com/openstudio-io/openstudio/internal/resolver"
	"github.com/openstudio-io/openstudio/internal/util"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer trace.Tracer

func init() {
	tracer = otel.Tracer("github.com/openstudio-io/openstudio/internal/handlers")
}

type API struct {
	logger      *zap.SugaredLogger
	db          *gorm.DB
	fflags      *fflags.FFlags
	transaction database.TransactionFunc
	dialect     database.Dialect
	Resolver    *resolver.Resolver
	Redis       *redis.Client
}

func NewAPI(
	parent context.Context,
	logger *zap.SugaredLogger,
	db *gorm.DB,
	fflags *fflags.FFlags,
	res *resolver.Resolver,
	redis *redis.Client,
) (*API, error) {
	_, span := tracer.Start(parent, "NewAPI")
	defer span.End()

	transactionFunc, dialect, err := database.GetTransactionFunc(db)
	if err != nil {
		return nil, err
	}

	api := &API{
		logger:      logger,
		db:          db,
		fflags:      fflags,
		transaction: transactionFunc,
		dialect:     dialect,
		Resolver:    res,
		Redis:       redis,
	}
	return api, nil
}

func (api *API) Logger(ctx context.Context) *zap.SugaredLogger {
	return util.WithTrace(ctx, api.logger)
}

func (api *API) SendInternalServerError(c *gin.Context, err error) {
	SendInternalServerError(c, api.logger, err)
}

func SendInternalServerError(c *gin.Context, logger *zap.SugaredLogger, err error) {
	ctx := c.Request.Context()
	util.WithTrace(ctx, logger).Errorw("internal server error", "error", err)

	result := models.InternalServerError{
		BaseError: models.BaseError{
			Error: "internal server error",
		},
	}
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		result.TraceId = sc.TraceID().String()
	}
	c.JSON(http.StatusInternalServerError, result)
}

func (api *API) GetCurrentUserID(c *gin.Context) uuid.UUID {
	userId, found := c.Get(gin.AuthUserKey)
	if !found {
		api.SendInternalServerError(c, fmt.Errorf("no current user found"))
		panic("no current user found")
	}
	return userId.(uuid.UUID)
}

func (api *API) UserIsCurrentUser(c *gin.Context, db *gorm.DB) *gorm.DB {
	userId := api.GetCurrentUserID(c)
	return db.Where("id = ?", userId)
}

func (api *API) FlagCheck(c *gin.Context, name string) bool {
	enabled, err := api.fflags.GetFlag(name)
	if err != nil {
		api.SendInternalServerError(c, err)
		return false
	}
	if !enabled {
		c.JSON(http.StatusMethodNotAllowed, models.NewNotAllowedError(fmt.Sprintf("%s support is disabled", name)))
		return false
	}
	return enabled
}
