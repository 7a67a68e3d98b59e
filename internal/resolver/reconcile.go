package resolver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/openstudio-io/openstudio/internal/database"
	"github.com/openstudio-io/openstudio/internal/idp"
	"github.com/openstudio-io/openstudio/internal/models"
	"github.com/openstudio-io/openstudio/internal/util"
	"gorm.io/gorm"
)

// usernameSuffixBytes sizes the random disambiguation suffix appended when
// the upstream nickname is already taken: 5 bytes hex encodes to 10 chars.
const usernameSuffixBytes = 5

// Reconcile finds or creates the local user for an upstream identity and
// brings its profile and group memberships in line with what the provider
// reports.  It is safe to call concurrently for the same identity: losers of
// a duplicate-key race re-run their transaction and adopt the winner's rows.
func (r *Resolver) Reconcile(ctx context.Context, info *idp.UserInfo) (*models.User, error) {
	if info == nil || info.ID == "" {
		return nil, idp.ErrMissingExternalID
	}
	ctx, span := tracer.Start(ctx, "Reconcile")
	defer span.End()

	var user models.User
	var created bool

	// Retry the operation if we get a duplicate key error, which can occur
	// when concurrent requests for the same identity race to create rows.
	err := util.RetryOperationForErrors(ctx, 10*time.Millisecond, 2, []error{gorm.ErrDuplicatedKey}, func() error {
		user = models.User{}
		created = false
		return r.transaction(ctx, func(tx *gorm.DB) error {
			var link models.Identity
			res := tx.First(&link, "external_id = ?", info.ID)
			if res.Error == nil {
				return tx.First(&user, "id = ?", link.UserID).Error
			}
			if !errors.Is(res.Error, gorm.ErrRecordNotFound) {
				return res.Error
			}

			// First time we see this identity.  An existing account with
			// the same email is adopted rather than duplicated; otherwise a
			// fresh account is created under the upstream nickname,
			// disambiguated if another account already holds it.
			adopted, err := r.adoptByEmail(tx, &user, info.Email)
			if err != nil {
				return err
			}
			if !adopted {
				username, err := r.chooseUsername(tx, info.Nickname)
				if err != nil {
					return err
				}
				user = models.User{
					UserName: username,
					Email:    info.Email,
					FullName: info.FullName,
				}
				if res := tx.Create(&user); res.Error != nil {
					if database.IsDuplicateError(res.Error) {
						return gorm.ErrDuplicatedKey
					}
					return res.Error
				}
				created = true
			}

			if res := tx.Create(&models.Identity{
				ExternalID: info.ID,
				UserID:     user.ID,
			}); res.Error != nil {
				if database.IsDuplicateError(res.Error) {
					return gorm.ErrDuplicatedKey
				}
				return res.Error
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if err := r.syncGroups(ctx, &user, info.Roles); err != nil {
		return nil, err
	}
	if err := r.applyProfileChanges(ctx, &user, info); err != nil {
		return nil, err
	}
	if created {
		r.fetchAvatarAsync(user.ID, info.ID)
	}
	return &user, nil
}

// adoptByEmail links a pre-existing account that matches the upstream email.
// Accounts migrated from the legacy platform have no identity row yet, and
// this is how they are claimed on first login instead of being duplicated.
func (r *Resolver) adoptByEmail(tx *gorm.DB, user *models.User, email string) (bool, error) {
	if email == "" {
		return false, nil
	}
	res := tx.Order("created_at").First(user, "email = ?", email)
	if res.Error == nil {
		return true, nil
	}
	if errors.Is(res.Error, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return false, res.Error
}

// chooseUsername returns the upstream nickname, or the nickname with a
// random "#"-separated hex suffix when another account already holds it.
func (r *Resolver) chooseUsername(tx *gorm.DB, nickname string) (string, error) {
	taken, err := usernameTaken(tx, nickname, uuid.Nil)
	if err != nil {
		return "", err
	}
	if !taken {
		return nickname, nil
	}
	suffix := make([]byte, usernameSuffixBytes)
	if _, err := rand.Read(suffix); err != nil {
		return "", err
	}
	return nickname + "#" + hex.EncodeToString(suffix), nil
}

func usernameTaken(tx *gorm.DB, username string, excludeUserID uuid.UUID) (bool, error) {
	var count int64
	q := tx.Model(&models.User{}).Where("user_name = ?", username)
	if excludeUserID != uuid.Nil {
		q = q.Where("id <> ?", excludeUserID)
	}
	if res := q.Count(&count); res.Error != nil {
		return false, res.Error
	}
	return count > 0, nil
}

// applyProfileChanges folds the latest upstream profile into an existing
// account.  Email and full name follow the provider unconditionally.  A
// username change only happens when the upstream nickname is free: if
// another account holds it, the local (possibly disambiguated) username is
// kept and the rename is dropped with a log line, never an error.
func (r *Resolver) applyProfileChanges(ctx context.Context, user *models.User, info *idp.UserInfo) error {
	changes := map[string]interface{}{}
	if info.Email != "" && info.Email != user.Email {
		changes["email"] = info.Email
	}
	if info.FullName != "" && info.FullName != user.FullName {
		changes["full_name"] = info.FullName
	}
	if info.Nickname != "" && info.Nickname != user.UserName {
		taken, err := usernameTaken(r.db.WithContext(ctx), info.Nickname, user.ID)
		if err != nil {
			return err
		}
		if taken {
			r.Logger(ctx).Infof("username %q is taken, user %s keeps %q", info.Nickname, user.ID, user.UserName)
		} else {
			changes["user_name"] = info.Nickname
		}
	}
	if len(changes) == 0 {
		return nil
	}

	res := r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", user.ID).Updates(changes)
	if res.Error != nil {
		// the username re-check above races with other renames; losing that
		// race drops the rename, not the login
		if _, renamed := changes["user_name"]; renamed && database.IsDuplicateError(res.Error) {
			r.Logger(ctx).Infof("username %q was claimed concurrently, user %s keeps %q", info.Nickname, user.ID, user.UserName)
			delete(changes, "user_name")
			if len(changes) == 0 {
				return nil
			}
			res = r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", user.ID).Updates(changes)
		}
		if res.Error != nil {
			return res.Error
		}
	}

	if email, ok := changes["email"]; ok {
		user.Email = email.(string)
	}
	if fullName, ok := changes["full_name"]; ok {
		user.FullName = fullName.(string)
	}
	if username, ok := changes["user_name"]; ok {
		user.UserName = username.(string)
	}
	return nil
}
