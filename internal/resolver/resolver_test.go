package resolver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openstudio-io/openstudio/internal/database"
	"github.com/openstudio-io/openstudio/internal/fflags"
	"github.com/openstudio-io/openstudio/internal/idp"
	"github.com/openstudio-io/openstudio/internal/legacycookie"
	"github.com/openstudio-io/openstudio/internal/models"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

// fakeIdP mimics the upstream identity provider: a userinfo endpoint keyed
// by bearer token plus a redirecting avatar endpoint.
type fakeIdP struct {
	mu        sync.Mutex
	calls     map[string]int
	responses map[string]string
	avatars   map[string][]byte
}

func newFakeIdP() *fakeIdP {
	return &fakeIdP{
		calls:     map[string]int{},
		responses: map[string]string{},
		avatars:   map[string][]byte{},
	}
}

func (f *fakeIdP) grant(token, response string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[token] = response
}

func (f *fakeIdP) callCount(token string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[token]
}

func (f *fakeIdP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/me":
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		f.mu.Lock()
		f.calls[token]++
		response, ok := f.responses[token]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(response))
	case strings.HasPrefix(r.URL.Path, "/api/user/") && strings.HasSuffix(r.URL.Path, "/avatar"):
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/user/"), "/avatar")
		http.Redirect(w, r, "/media/"+id+".png", http.StatusFound)
	case strings.HasPrefix(r.URL.Path, "/media/"):
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/media/"), ".png")
		f.mu.Lock()
		body, ok := f.avatars[id]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	default:
		http.NotFound(w, r)
	}
}

type ResolverTestSuite struct {
	suite.Suite
	logger    *zap.SugaredLogger
	db        *gorm.DB
	idp       *fakeIdP
	server    *httptest.Server
	resolver  *Resolver
	avatarDir string
}

func TestResolverTestSuite(t *testing.T) {
	suite.Run(t, new(ResolverTestSuite))
}

func (s *ResolverTestSuite) SetupTest() {
	s.logger = zaptest.NewLogger(s.T()).Sugar()

	db, err := database.NewTestDatabase(s.logger)
	s.Require().NoError(err)
	s.Require().NoError(database.Migrations().Migrate(context.Background(), db))
	s.db = db

	s.idp = newFakeIdP()
	s.server = httptest.NewServer(s.idp)
	s.avatarDir = s.T().TempDir()

	r, err := New(
		s.logger,
		db,
		nil,
		idp.NewClient(s.logger, s.server.URL),
		fflags.NewFFlags(s.logger),
		s.avatarDir,
	)
	s.Require().NoError(err)
	s.resolver = r
}

func (s *ResolverTestSuite) TearDownTest() {
	s.resolver.Wait()
	s.server.Close()
}

func (s *ResolverTestSuite) reconcile(info *idp.UserInfo) *models.User {
	user, err := s.resolver.Reconcile(context.Background(), info)
	s.Require().NoError(err)
	s.Require().NotNil(user)
	return user
}

func (s *ResolverTestSuite) userCount() int64 {
	var count int64
	s.Require().NoError(s.db.Model(&models.User{}).Count(&count).Error)
	return count
}

func (s *ResolverTestSuite) TestResolveCreatesUser() {
	s.idp.grant("TOK1", `{"id": 42, "email": "jane@example.com", "nickname": "janedoe", "full_name": "Jane Doe", "roles": ["cloud_subscriber", "dev_core"]}`)

	user, err := s.resolver.Resolve(context.Background(), "TOK1")
	s.Require().NoError(err)
	s.Require().NotNil(user)
	s.Equal("janedoe", user.UserName)
	s.Equal("jane@example.com", user.Email)
	s.Equal("Jane Doe", user.FullName)
	s.ElementsMatch([]string{"subscriber", "dev_core"}, user.GroupNames())

	var link models.Identity
	s.Require().NoError(s.db.First(&link, "external_id = ?", "42").Error)
	s.Equal(user.ID, link.UserID)

	var record models.SessionToken
	s.Require().NoError(s.db.First(&record, "token = ?", "TOK1").Error)
	s.Equal(user.ID, record.UserID)
}

func (s *ResolverTestSuite) TestResolveEmptyTokenIsAnonymous() {
	user, err := s.resolver.Resolve(context.Background(), "")
	s.NoError(err)
	s.Nil(user)
}

func (s *ResolverTestSuite) TestResolveRejectedUpstream() {
	user, err := s.resolver.Resolve(context.Background(), "UNKNOWN")
	s.Error(err)
	s.Nil(user)
	s.Zero(s.userCount())
}

func (s *ResolverTestSuite) TestReconcileIdempotent() {
	info := &idp.UserInfo{
		ID:       "42",
		Email:    "jane@example.com",
		Nickname: "janedoe",
		FullName: "Jane Doe",
		Roles:    []string{"subscriber"},
	}

	first := s.reconcile(info)
	second := s.reconcile(info)

	s.Equal(first.ID, second.ID)
	s.Equal(first.UserName, second.UserName)
	s.ElementsMatch(first.GroupNames(), second.GroupNames())
	s.Equal(int64(1), s.userCount())

	var links int64
	s.Require().NoError(s.db.Model(&models.Identity{}).Count(&links).Error)
	s.Equal(int64(1), links)
}

func (s *ResolverTestSuite) TestConcurrentReconcile() {
	info := &idp.UserInfo{
		ID:       "42",
		Email:    "jane@example.com",
		Nickname: "janedoe",
		Roles:    []string{"subscriber"},
	}

	const workers = 8
	users := make([]*models.User, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			users[i], errs[i] = s.resolver.Reconcile(context.Background(), info)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		s.Require().NoError(errs[i], "worker %d", i)
		s.Require().NotNil(users[i], "worker %d", i)
		s.Equal(users[0].ID, users[i].ID, "worker %d", i)
	}
	s.Equal(int64(1), s.userCount())
}

func (s *ResolverTestSuite) TestUsernameDisambiguation() {
	s.reconcile(&idp.UserInfo{ID: "1", Email: "first@example.com", Nickname: "janedoe"})
	other := s.reconcile(&idp.UserInfo{ID: "2", Email: "second@example.com", Nickname: "janedoe"})

	s.Regexp(regexp.MustCompile(`^janedoe#[0-9a-f]{10}$`), other.UserName)
	s.Equal(int64(2), s.userCount())
}

func (s *ResolverTestSuite) TestGroupSync() {
	info := &idp.UserInfo{ID: "42", Email: "jane@example.com", Nickname: "janedoe", Roles: []string{"a", "b"}}
	user := s.reconcile(info)
	s.ElementsMatch([]string{"a", "b"}, user.GroupNames())

	info.Roles = []string{"cloud_b", "c"}
	user = s.reconcile(info)
	s.ElementsMatch([]string{"b", "c"}, user.GroupNames())

	// membership changed, but no group row was deleted
	var groups int64
	s.Require().NoError(s.db.Model(&models.Group{}).Count(&groups).Error)
	s.Equal(int64(3), groups)
}

func (s *ResolverTestSuite) TestGroupSyncEmptyRolesIsNoop() {
	user := s.reconcile(&idp.UserInfo{ID: "42", Email: "jane@example.com", Nickname: "janedoe"})
	s.Empty(user.GroupNames())
}

func (s *ResolverTestSuite) TestTokenShortcutSkipsUpstream() {
	s.idp.grant("TOK1", `{"id": 42, "email": "jane@example.com", "nickname": "janedoe"}`)

	first, err := s.resolver.Resolve(context.Background(), "TOK1")
	s.Require().NoError(err)
	second, err := s.resolver.Resolve(context.Background(), "TOK1")
	s.Require().NoError(err)

	s.Equal(first.ID, second.ID)
	s.Equal(1, s.idp.callCount("TOK1"))
}

func (s *ResolverTestSuite) TestAdoptByEmail() {
	existing := models.User{UserName: "oldtimer", Email: "jane@example.com", FullName: "Jane"}
	s.Require().NoError(s.db.Create(&existing).Error)

	user := s.reconcile(&idp.UserInfo{ID: "42", Email: "jane@example.com", Nickname: "janedoe"})

	s.Equal(existing.ID, user.ID)
	s.Equal(int64(1), s.userCount())
	var link models.Identity
	s.Require().NoError(s.db.First(&link, "external_id = ?", "42").Error)
	s.Equal(existing.ID, link.UserID)
}

func (s *ResolverTestSuite) TestProfileFollowsUpstream() {
	info := &idp.UserInfo{ID: "42", Email: "jane@example.com", Nickname: "janedoe", FullName: "Jane Doe"}
	user := s.reconcile(info)

	info.Email = "jane@new.example.com"
	info.FullName = "Jane Q. Doe"
	info.Nickname = "janeq"
	user = s.reconcile(info)

	s.Equal("jane@new.example.com", user.Email)
	s.Equal("Jane Q. Doe", user.FullName)
	s.Equal("janeq", user.UserName)

	var stored models.User
	s.Require().NoError(s.db.First(&stored, "id = ?", user.ID).Error)
	s.Equal("janeq", stored.UserName)
	s.Equal("jane@new.example.com", stored.Email)
}

func (s *ResolverTestSuite) TestRenameToTakenUsernameIsDropped() {
	s.reconcile(&idp.UserInfo{ID: "1", Email: "first@example.com", Nickname: "alpha"})
	second := s.reconcile(&idp.UserInfo{ID: "2", Email: "second@example.com", Nickname: "beta"})

	// upstream renames the second account to a name the first one holds
	renamed := s.reconcile(&idp.UserInfo{ID: "2", Email: "second@example.com", Nickname: "alpha"})
	s.Equal(second.ID, renamed.ID)
	s.Equal("beta", renamed.UserName)
}

func (s *ResolverTestSuite) TestResolveLegacyUserID() {
	user := s.reconcile(&idp.UserInfo{ID: "42", Email: "jane@example.com", Nickname: "janedoe"})

	found, err := s.resolver.ResolveLegacyUserID(context.Background(), "42")
	s.Require().NoError(err)
	s.Require().NotNil(found)
	s.Equal(user.ID, found.ID)

	missing, err := s.resolver.ResolveLegacyUserID(context.Background(), "9999")
	s.NoError(err)
	s.Nil(missing)
}

func (s *ResolverTestSuite) TestAvatarFetchedOnCreation() {
	s.idp.mu.Lock()
	s.idp.avatars["42"] = []byte("png-bytes")
	s.idp.mu.Unlock()

	user := s.reconcile(&idp.UserInfo{ID: "42", Email: "jane@example.com", Nickname: "janedoe"})
	s.resolver.Wait()

	expected := fmt.Sprintf("%s-42.png", user.ID)
	body, err := os.ReadFile(filepath.Join(s.avatarDir, expected))
	s.Require().NoError(err)
	s.Equal([]byte("png-bytes"), body)

	var stored models.User
	s.Require().NoError(s.db.First(&stored, "id = ?", user.ID).Error)
	s.Equal(expected, stored.Avatar)
}

func (s *ResolverTestSuite) TestAvatarNotFetchedWhenDisabled() {
	s.T().Setenv("STUDIOAPI_FFLAG_AVATAR_FETCH", "false")

	user := s.reconcile(&idp.UserInfo{ID: "42", Email: "jane@example.com", Nickname: "janedoe"})
	s.resolver.Wait()

	entries, err := os.ReadDir(s.avatarDir)
	s.Require().NoError(err)
	s.Empty(entries)
	s.Empty(user.Avatar)
}

// Legacy session cookies carry the bearer token inside a signed envelope;
// opening one and resolving the embedded token is the whole login path.
func (s *ResolverTestSuite) TestEnvelopeTokenResolves() {
	s.idp.grant("TOK1", `{"id": 42, "email": "jane@example.com", "nickname": "janedoe"}`)

	cfg := legacycookie.EnvelopeConfig{
		CookieName: "session",
		SecretKey:  []byte("legacy-app-secret"),
		MaxAge:     31 * 24 * time.Hour,
	}
	value, err := cfg.Seal(map[string]any{"blender_id_oauth_token": "TOK1"}, time.Now())
	s.Require().NoError(err)

	session, err := cfg.Open(value)
	s.Require().NoError(err)
	token, _ := session["blender_id_oauth_token"].(string)

	user, err := s.resolver.Resolve(context.Background(), token)
	s.Require().NoError(err)
	s.Require().NotNil(user)
	s.Equal("janedoe", user.UserName)
}
