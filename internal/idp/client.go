// Package idp is the client for the upstream identity provider: an
// OAuth-style service that issues the bearer tokens found in legacy session
// cookies and knows the canonical identity behind each of them.
package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const defaultTimeout = 10 * time.Second

// ErrMissingExternalID is returned when the provider's userinfo response
// carries no usable id; the caller treats this as a failed resolution.
var ErrMissingExternalID = errors.New("userinfo response has no external id")

type Client struct {
	logger     *zap.SugaredLogger
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

// WithHTTPClient overrides the default client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient builds a client for the identity provider at baseURL.  The
// client is constructed once per process and injected into whoever needs it;
// there is no lazily-built shared global.
func NewClient(logger *zap.SugaredLogger, baseURL string, opts ...Option) *Client {
	c := &Client{
		logger:  logger,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UserInfo asks the provider who the bearer of token is.  There is no retry:
// any network failure, non-2xx status or undecodable body is returned as an
// error and the caller treats the request as anonymous.
func (c *Client) UserInfo(ctx context.Context, token string) (*UserInfo, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	hc := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, c.httpClient), src)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/me", nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request failed: unexpected status %d", resp.StatusCode)
	}

	var info UserInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&info); err != nil {
		return nil, fmt.Errorf("userinfo response undecodable: %w", err)
	}
	if info.ID == "" {
		return nil, ErrMissingExternalID
	}
	return &info, nil
}

// Avatar downloads the avatar for an external id.  The filename is derived
// from the last path segment of the response URL, which follows redirects to
// the stored file.
func (c *Client) Avatar(ctx context.Context, externalID string) (filename string, body []byte, err error) {
	u := fmt.Sprintf("%s/api/user/%s/avatar", c.baseURL, url.PathEscape(externalID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("avatar request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("avatar request failed: unexpected status %d", resp.StatusCode)
	}
	body, err = io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", nil, err
	}
	return path.Base(resp.Request.URL.Path), body, nil
}
