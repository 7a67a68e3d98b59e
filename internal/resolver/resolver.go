// Package resolver maps bearer tokens from the legacy platform to local user
// accounts, creating and reconciling those accounts against the upstream
// identity provider as needed.
package resolver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openstudio-io/openstudio/internal/database"
	"github.com/openstudio-io/openstudio/internal/fflags"
	"github.com/openstudio-io/openstudio/internal/idp"
	"github.com/openstudio-io/openstudio/internal/models"
	"github.com/openstudio-io/openstudio/internal/util"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer trace.Tracer

func init() {
	tracer = otel.Tracer("github.com/openstudio-io/openstudio/internal/resolver")
}

// CacheExp Zero expiration means the key has no expiration time.  Stale
// entries are harmless: a cache hit is always re-checked against the users
// table before it is trusted.
const CacheExp time.Duration = 0
const CachePrefix = "token:"

// IdentityProvider is the slice of the idp client the resolver needs.
type IdentityProvider interface {
	UserInfo(ctx context.Context, token string) (*idp.UserInfo, error)
	Avatar(ctx context.Context, externalID string) (filename string, body []byte, err error)
}

type Resolver struct {
	logger      *zap.SugaredLogger
	db          *gorm.DB
	transaction database.TransactionFunc
	dialect     database.Dialect
	provider    IdentityProvider
	redis       *redis.Client
	fflags      *fflags.FFlags
	avatarDir   string
	wg          *sync.WaitGroup
}

// New builds a resolver.  The redis client is optional; when nil every
// resolution goes straight to the database.
func New(
	logger *zap.SugaredLogger,
	db *gorm.DB,
	redisClient *redis.Client,
	provider IdentityProvider,
	featureFlags *fflags.FFlags,
	avatarDir string,
) (*Resolver, error) {
	transactionFunc, dialect, err := database.GetTransactionFunc(db)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		logger:      logger,
		db:          db,
		transaction: transactionFunc,
		dialect:     dialect,
		provider:    provider,
		redis:       redisClient,
		fflags:      featureFlags,
		avatarDir:   avatarDir,
		wg:          &sync.WaitGroup{},
	}, nil
}

// Wait blocks until background side effects (avatar fetches) have finished.
func (r *Resolver) Wait() {
	r.wg.Wait()
}

func (r *Resolver) Logger(ctx context.Context) *zap.SugaredLogger {
	return util.WithTrace(ctx, r.logger)
}

// Resolve maps a bearer token to a local user.  A nil user with a nil error
// means anonymous; a non-nil error also means anonymous but is worth logging.
//
// Once a token has been bound to a user the binding is immutable: the local
// session_tokens shortcut is always taken when a record exists, even if the
// upstream provider would answer differently by now.
func (r *Resolver) Resolve(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, nil
	}
	ctx, span := tracer.Start(ctx, "Resolve")
	defer span.End()

	if user := r.cachedUser(ctx, token); user != nil {
		return user, nil
	}

	var record models.SessionToken
	res := r.db.WithContext(ctx).
		Where("token = ?", token).
		Order("created_at DESC").
		First(&record)
	switch {
	case res.Error == nil:
		user, err := r.userByID(ctx, record.UserID)
		if err != nil {
			return nil, err
		}
		if user != nil {
			r.cacheToken(ctx, token, user.ID)
			return user, nil
		}
		// token record points at a deleted user, fall through to the
		// upstream provider
	case !errors.Is(res.Error, gorm.ErrRecordNotFound):
		return nil, res.Error
	}

	info, err := r.provider.UserInfo(ctx, token)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("external_id", info.ID))

	user, err := r.Reconcile(ctx, info)
	if err != nil {
		return nil, err
	}

	// bind the token for future resolutions; records are append only
	if res := r.db.WithContext(ctx).Create(&models.SessionToken{
		Token:  token,
		UserID: user.ID,
	}); res.Error != nil {
		return nil, res.Error
	}
	r.cacheToken(ctx, token, user.ID)
	return user, nil
}

// ResolveLegacyUserID handles the oldest cookies, which carry only the
// numeric upstream id and no token.  Resolution is local only: without a
// token there is nothing to present to the provider, so an unknown id is
// simply anonymous.
func (r *Resolver) ResolveLegacyUserID(ctx context.Context, externalID string) (*models.User, error) {
	if externalID == "" {
		return nil, nil
	}
	var link models.Identity
	res := r.db.WithContext(ctx).First(&link, "external_id = ?", externalID)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, res.Error
	}
	return r.userByID(ctx, link.UserID)
}

func (r *Resolver) userByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	res := r.db.WithContext(ctx).Preload("Groups").First(&user, "id = ?", id)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, res.Error
	}
	return &user, nil
}

func (r *Resolver) cachedUser(ctx context.Context, token string) *models.User {
	if r.redis == nil {
		return nil
	}
	value, err := r.redis.Get(ctx, CachePrefix+token).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.Logger(ctx).Debugf("token cache read failed: %s", err)
		}
		return nil
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return nil
	}
	user, err := r.userByID(ctx, id)
	if err != nil {
		return nil
	}
	return user
}

func (r *Resolver) cacheToken(ctx context.Context, token string, userID uuid.UUID) {
	if r.redis == nil {
		return
	}
	if err := r.redis.Set(ctx, CachePrefix+token, userID.String(), CacheExp).Err(); err != nil {
		r.Logger(ctx).Debugf("token cache write failed: %s", err)
	}
}
