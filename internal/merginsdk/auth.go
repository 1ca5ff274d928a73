package merginsdk

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/imroc/req/v3"
	"github.com/lutraconsulting/mergin-go/internal/version"
)

// Login exchanges credentials for a bearer token. It uses its own bare
// client so it can run before any authenticated Client exists.
func Login(ctx context.Context, apiRoot, login, password string) (*LoginResponse, error) {
	var out *LoginResponse

	client := req.C().
		SetBaseURL(strings.TrimSuffix(apiRoot, "/")).
		SetUserAgent(version.UserAgent()).
		SetCommonHeader("X-Client", version.UserAgent()).
		SetTimeout(controlTimeout).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal)

	resp, err := client.R().
		SetContext(ctx).
		SetBody(&LoginRequest{Login: login, Password: password}).
		SetSuccessResult(&out).
		Post("/v1/auth/login")

	if err := handleAPIError(resp, err, "login"); err != nil {
		if Kind(err) == KindAuthRequired || Kind(err) == KindRequestError {
			ce := err.(*ClientError)
			ce.Kind = KindAuthFailed
		}
		return nil, err
	}

	return out, nil
}

// CredentialsProvider is a TokenProvider that logs in with stored
// credentials and re-logs-in on refresh.
type CredentialsProvider struct {
	ApiRoot  string
	Login    string
	Password string

	mu          sync.Mutex
	token       string
	lastRefresh time.Time
}

func (p *CredentialsProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token == "" {
		if err := p.refreshLocked(ctx); err != nil {
			return "", err
		}
	}
	return p.token, nil
}

func (p *CredentialsProvider) Refresh(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// one deferred refresh per failure window, not one per retried request
	if time.Since(p.lastRefresh) < time.Second {
		return fmt.Errorf("mergin: token refresh throttled")
	}
	return p.refreshLocked(ctx)
}

func (p *CredentialsProvider) refreshLocked(ctx context.Context) error {
	resp, err := Login(ctx, p.ApiRoot, p.Login, p.Password)
	if err != nil {
		return err
	}
	p.token = resp.Token
	p.lastRefresh = time.Now()
	return nil
}

// GetUserInfo fetches usage and quota numbers for a user.
func (c *Client) GetUserInfo(ctx context.Context, username string) (*UserInfo, error) {
	var out *UserInfo

	resp, err := c.http.R().
		SetContext(ctx).
		SetSuccessResult(&out).
		Get("/v1/user/" + url.PathEscape(username))

	if err := handleAPIError(resp, err, "user info"); err != nil {
		return nil, err
	}

	return out, nil
}

// Ping asks the server for its version string.
func (c *Client) Ping(ctx context.Context) (*PingResponse, error) {
	var out *PingResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetSuccessResult(&out).
		Get("/ping")

	if err := handleAPIError(resp, err, "ping"); err != nil {
		return nil, err
	}

	return out, nil
}
