package merginsdk

import (
	"context"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"github.com/lutraconsulting/mergin-go/internal/version"
)

const (
	DefaultApiRoot = "https://public.cloudmergin.com/"

	// controlTimeout bounds manifest/transaction requests; chunkTimeout
	// bounds chunk transfer requests.
	controlTimeout = 30 * time.Second
	chunkTimeout   = 120 * time.Second

	defaultRetryCount = 3
)

// TokenProvider supplies the bearer token attached to every request.
// Refresh is invoked once when the server answers 401.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// StaticToken is a TokenProvider for a fixed token that cannot be refreshed.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", ErrNoAuthToken
	}
	return string(t), nil
}

func (t StaticToken) Refresh(context.Context) error { return ErrNoAuthToken }

// Client talks to a Mergin server. All methods are safe for concurrent use.
type Client struct {
	http    *req.Client
	apiRoot string
	tokens  TokenProvider
}

type Option func(*Client)

// WithTokenProvider sets the authentication source for the client.
func WithTokenProvider(tp TokenProvider) Option {
	return func(c *Client) { c.tokens = tp }
}

// WithToken authenticates every request with a fixed bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.tokens = StaticToken(token) }
}

// New creates a Mergin API client for the given server root URL.
func New(apiRoot string, opts ...Option) *Client {
	if apiRoot == "" {
		apiRoot = DefaultApiRoot
	}

	c := &Client{
		apiRoot: strings.TrimSuffix(apiRoot, "/"),
	}

	c.http = req.C().
		SetBaseURL(c.apiRoot).
		SetUserAgent(version.UserAgent()).
		SetCommonHeader("X-Client", version.UserAgent()).
		SetTimeout(controlTimeout).
		SetCommonRetryCount(defaultRetryCount).
		SetCommonRetryFixedInterval(time.Second).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal)

	// Attach the bearer token before each attempt so a refreshed token is
	// picked up on retry.
	c.http.OnBeforeRequest(func(client *req.Client, r *req.Request) error {
		if c.tokens == nil {
			return nil
		}
		token, err := c.tokens.Token(r.Context())
		if err != nil || token == "" {
			return nil
		}
		r.SetBearerAuthToken(token)
		return nil
	})

	// Retry on transport errors and 5xx. A 401 defers one token refresh
	// attempt; the replayed request picks up the new token above.
	c.http.SetCommonRetryCondition(func(resp *req.Response, err error) bool {
		if err != nil {
			return true
		}
		status := resp.GetStatusCode()
		if status >= 500 {
			return true
		}
		if status == 401 && c.tokens != nil {
			return c.tokens.Refresh(resp.Request.Context()) == nil
		}
		return false
	})

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ApiRoot returns the server base URL without a trailing slash.
func (c *Client) ApiRoot() string {
	return c.apiRoot
}

// Close releases idle connections held by the client.
func (c *Client) Close() {
	c.http.GetClient().CloseIdleConnections()
}
