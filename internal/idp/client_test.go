package idp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestUserInfo(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.Equal(t, "/api/me", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 42, "email": "jane@example.com", "nickname": "janedoe", "roles": {"dev_core": true, "demo": false}}`))
	}))
	defer srv.Close()

	c := NewClient(zaptest.NewLogger(t).Sugar(), srv.URL)
	info, err := c.UserInfo(context.Background(), "TOK123")
	require.NoError(t, err)
	assert.Equal(t, "Bearer TOK123", gotAuth)
	assert.Equal(t, "42", info.ID)
	assert.Equal(t, "jane@example.com", info.Email)
	assert.Equal(t, "janedoe", info.Nickname)
	assert.Equal(t, []string{"dev_core"}, info.Roles)
}

func TestUserInfoErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error": "token expired"}`},
		{"server error", http.StatusInternalServerError, "boom"},
		{"malformed body", http.StatusOK, "<html>not json</html>"},
		{"missing id", http.StatusOK, `{"email": "jane@example.com"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(zaptest.NewLogger(t).Sugar(), srv.URL)
			_, err := c.UserInfo(context.Background(), "TOK123")
			assert.Error(t, err)
		})
	}
}

func TestUserInfoRolesAsList(t *testing.T) {
	var info UserInfo
	err := json.Unmarshal([]byte(`{"id": "7", "roles": ["cloud_demo", "cloud_subscriber"]}`), &info)
	require.NoError(t, err)
	assert.Equal(t, []string{"cloud_demo", "cloud_subscriber"}, info.Roles)
}

func TestUserInfoExternalIDAlias(t *testing.T) {
	var info UserInfo
	err := json.Unmarshal([]byte(`{"external_id": "abc-123"}`), &info)
	require.NoError(t, err)
	assert.Equal(t, "abc-123", info.ID)
}

func TestAvatar(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/user/42/avatar", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/media/avatars/jane.png", http.StatusFound)
	})
	mux.HandleFunc("/media/avatars/jane.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("png-bytes"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(zaptest.NewLogger(t).Sugar(), srv.URL)
	filename, body, err := c.Avatar(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "jane.png", filename)
	assert.Equal(t, []byte("png-bytes"), body)
}
