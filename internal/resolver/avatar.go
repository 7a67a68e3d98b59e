package resolver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/openstudio-io/openstudio/internal/models"
	"github.com/openstudio-io/openstudio/internal/util"
)

const avatarFetchTimeout = 30 * time.Second

// fetchAvatarAsync downloads the upstream avatar for a freshly created user
// in the background.  Failures only log: the account is already usable and
// the avatar can be picked up on a later run.
func (r *Resolver) fetchAvatarAsync(userID uuid.UUID, externalID string) {
	if r.avatarDir == "" {
		return
	}
	if r.fflags != nil {
		if enabled, err := r.fflags.GetFlag("avatar-fetch"); err != nil || !enabled {
			return
		}
	}
	util.GoWithWaitGroup(r.wg, func() {
		ctx, cancel := context.WithTimeout(context.Background(), avatarFetchTimeout)
		defer cancel()
		if err := r.fetchAvatar(ctx, userID, externalID); err != nil {
			r.logger.Warnf("avatar fetch for user %s failed: %s", userID, err)
		}
	})
}

func (r *Resolver) fetchAvatar(ctx context.Context, userID uuid.UUID, externalID string) error {
	filename, body, err := r.provider.Avatar(ctx, externalID)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s-%s", userID, filepath.Base(filename))
	if err := os.WriteFile(filepath.Join(r.avatarDir, name), body, 0o600); err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Update("avatar", name)
	return res.Error
}
