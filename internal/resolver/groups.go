package resolver

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/openstudio-io/openstudio/internal/database"
	"github.com/openstudio-io/openstudio/internal/models"
	"github.com/openstudio-io/openstudio/internal/util"
	"gorm.io/gorm"
)

// rolePrefix marks roles the upstream provider manages on our behalf; the
// prefix is stripped so "cloud_subscriber" and a locally granted
// "subscriber" are the same group.
const rolePrefix = "cloud_"

// syncGroups makes the user's group memberships equal to the normalized
// upstream role set.  Groups are created on demand and never deleted, only
// the membership rows change.  When nothing differs this is read only.
func (r *Resolver) syncGroups(ctx context.Context, user *models.User, roles []string) error {
	wanted := map[string]bool{}
	for _, role := range roles {
		name := strings.TrimPrefix(role, rolePrefix)
		if name != "" {
			wanted[name] = true
		}
	}

	var current []*models.Group
	shell := models.User{Base: models.Base{ID: user.ID}}
	if err := r.db.WithContext(ctx).Model(&shell).Association("Groups").Find(&current); err != nil {
		return err
	}

	var obsolete []*models.Group
	held := map[string]bool{}
	for _, group := range current {
		held[group.Name] = true
		if !wanted[group.Name] {
			obsolete = append(obsolete, group)
		}
	}
	var missing []*models.Group
	for name := range wanted {
		if held[name] {
			continue
		}
		group, err := r.findOrCreateGroup(ctx, name)
		if err != nil {
			return err
		}
		missing = append(missing, group)
	}

	if len(missing) > 0 {
		if err := r.db.WithContext(ctx).Model(&shell).Association("Groups").Append(missing); err != nil {
			return err
		}
	}
	if len(obsolete) > 0 {
		if err := r.db.WithContext(ctx).Model(&shell).Association("Groups").Delete(obsolete); err != nil {
			return err
		}
	}

	final := make([]*models.Group, 0, len(wanted))
	for _, group := range current {
		if wanted[group.Name] {
			final = append(final, group)
		}
	}
	final = append(final, missing...)
	user.Groups = final
	return nil
}

func (r *Resolver) findOrCreateGroup(ctx context.Context, name string) (*models.Group, error) {
	var group models.Group
	err := util.RetryOperationForErrors(ctx, 10*time.Millisecond, 1, []error{gorm.ErrDuplicatedKey}, func() error {
		group = models.Group{}
		res := r.db.WithContext(ctx).First(&group, "name = ?", name)
		if res.Error == nil {
			return nil
		}
		if !errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return res.Error
		}
		group = models.Group{Name: name}
		if res := r.db.WithContext(ctx).Create(&group); res.Error != nil {
			if database.IsDuplicateError(res.Error) {
				return gorm.ErrDuplicatedKey
			}
			return res.Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &group, nil
}
