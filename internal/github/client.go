package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v62/github"
	"github.com/google/go-querystring/query"
	"golang.org/x/oauth2"

	"github-mirror/internal/credentials"
	custom_errors "github-mirror/internal/errors"
	"github-mirror/internal/ratelimit"
)

const (
	defaultPerPage      = 100
	defaultMaxPages     = 10
	defaultRunsPerRepo  = 5
	defaultHTTPTimeout  = 30 * time.Second
	headerIfNoneMatch   = "If-None-Match"
	headerETag          = "ETag"
	headerRateLimitCeil = "X-RateLimit-Limit"
)

// Rate is the quota reported alongside a response.
type Rate struct {
	Remaining int
	Limit     int
	ResetAt   int64
}

// Result is the outcome of a conditional request. When Modified is false the
// server answered 304 and Data is the zero value.
type Result[T any] struct {
	Modified bool
	Data     T
	ETag     string
	Rate     *Rate
}

// SearchPage is one search response mapped to canonical entities.
type SearchPage[T any] struct {
	TotalCount int
	Items      []T
}

// Client issues conditional requests against the GitHub REST API and keeps
// the rate limit tracker current.
type Client struct {
	creds       credentials.Provider
	tracker     *ratelimit.Tracker
	logger      *slog.Logger
	baseURL     *url.URL
	httpClient  *http.Client
	timeout     time.Duration
	maxPages    int
	runsPerRepo int

	mu sync.Mutex
	gh *github.Client
}

type Option func(*Client)

// WithBaseURL points the client at a GitHub Enterprise API root or a test server.
func WithBaseURL(raw string) Option {
	return func(c *Client) {
		if raw == "" {
			return
		}
		if !strings.HasSuffix(raw, "/") {
			raw += "/"
		}
		if u, err := url.Parse(raw); err == nil {
			c.baseURL = u
		}
	}
}

// WithHTTPClient sets the base transport that authentication is layered on.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithMaxPages bounds pagination of list calls.
func WithMaxPages(n int) Option {
	return func(c *Client) { c.maxPages = n }
}

// WithRunsPerRepo sets how many workflow runs are fetched per repository.
func WithRunsPerRepo(n int) Option {
	return func(c *Client) { c.runsPerRepo = n }
}

// NewClient creates a Client. No connection is made until the first request.
func NewClient(creds credentials.Provider, tracker *ratelimit.Tracker, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		creds:       creds,
		tracker:     tracker,
		logger:      logger,
		timeout:     defaultHTTPTimeout,
		maxPages:    defaultMaxPages,
		runsPerRepo: defaultRunsPerRepo,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// client lazily builds the authenticated go-github client.
func (c *Client) client() (*github.Client, error) {
	if c.creds.Token() == "" {
		return nil, custom_errors.ErrNoCredential
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gh != nil {
		return c.gh, nil
	}

	var base http.RoundTripper = http.DefaultTransport
	if c.httpClient != nil && c.httpClient.Transport != nil {
		base = c.httpClient.Transport
	}
	hc := &http.Client{
		Transport: &oauth2.Transport{Source: credentials.TokenSource(c.creds), Base: base},
		Timeout:   c.timeout,
	}
	gh := github.NewClient(hc)
	if c.baseURL != nil {
		gh.BaseURL = c.baseURL
	}
	c.gh = gh
	return gh, nil
}

// Reset drops the credential-bound client. The next request rebuilds it.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gh = nil
}

// get performs one conditional GET. A 304 is reported as modified=false with no error.
func (c *Client) get(ctx context.Context, path string, opts any, etag string, v any) (*github.Response, bool, error) {
	gh, err := c.client()
	if err != nil {
		return nil, false, err
	}
	u, err := addOptions(path, opts)
	if err != nil {
		return nil, false, err
	}
	req, err := gh.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, false, err
	}
	if etag != "" {
		req.Header.Set(headerIfNoneMatch, etag)
	}

	c.logger.Debug("GitHub request", "path", u, "conditional", etag != "")
	resp, err := gh.Do(ctx, req, v)
	c.observeRate(resp)
	if err != nil {
		if isNotModified(resp, err) {
			return resp, false, nil
		}
		return resp, false, fmt.Errorf("GET %s: %w", path, err)
	}
	return resp, true, nil
}

// isNotModified recognizes the 304 that go-github surfaces as an ErrorResponse.
func isNotModified(resp *github.Response, err error) bool {
	if resp != nil && resp.StatusCode == http.StatusNotModified {
		return true
	}
	var errResp *github.ErrorResponse
	return errors.As(err, &errResp) && errResp.Response != nil && errResp.Response.StatusCode == http.StatusNotModified
}

// observeRate feeds quota headers to the tracker when the response carries them.
func (c *Client) observeRate(resp *github.Response) {
	rate := rateOf(resp)
	if rate == nil {
		return
	}
	c.tracker.Update(rate.Remaining, rate.Limit, rate.ResetAt)
}

func rateOf(resp *github.Response) *Rate {
	if resp == nil || resp.Response == nil || resp.Header.Get(headerRateLimitCeil) == "" {
		return nil
	}
	return &Rate{
		Remaining: resp.Rate.Remaining,
		Limit:     resp.Rate.Limit,
		ResetAt:   resp.Rate.Reset.Unix(),
	}
}

func etagOf(resp *github.Response) string {
	if resp == nil || resp.Response == nil {
		return ""
	}
	return resp.Header.Get(headerETag)
}

// getOne fetches a single document conditionally and maps it.
func getOne[In, Out any](ctx context.Context, c *Client, path string, opts any, etag string, mapFn func(In) Out) (Result[Out], error) {
	var payload In
	resp, modified, err := c.get(ctx, path, opts, etag, &payload)
	if err != nil {
		return Result[Out]{}, err
	}
	res := Result[Out]{Modified: modified, ETag: etagOf(resp), Rate: rateOf(resp)}
	if !modified {
		res.ETag = etag
		return res, nil
	}
	res.Data = mapFn(payload)
	return res, nil
}

// getList fetches every page of a list endpoint. Only the first page is
// conditional; a 304 there means the whole listing is unchanged.
func getList[In any, Out any](ctx context.Context, c *Client, path string, opts *listOptions, etag string, mapFn func(In) Out) (Result[[]Out], error) {
	opts.PerPage = defaultPerPage
	opts.Page = 0

	var out []Out
	res := Result[[]Out]{Modified: true}
	for page := 0; page < c.maxPages; page++ {
		var payload []In
		conditional := ""
		if page == 0 {
			conditional = etag
		}
		resp, modified, err := c.get(ctx, path, opts, conditional, &payload)
		if err != nil {
			return Result[[]Out]{}, err
		}
		if page == 0 {
			res.ETag = etagOf(resp)
			if !modified {
				return Result[[]Out]{Modified: false, ETag: etag, Rate: rateOf(resp)}, nil
			}
		}
		res.Rate = rateOf(resp)
		for _, item := range payload {
			out = append(out, mapFn(item))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	res.Data = out
	return res, nil
}

type listOptions struct {
	Affiliation string `url:"affiliation,omitempty"`
	Type        string `url:"type,omitempty"`
	Sort        string `url:"sort,omitempty"`
	Direction   string `url:"direction,omitempty"`
	Query       string `url:"q,omitempty"`
	Order       string `url:"order,omitempty"`
	Page        int    `url:"page,omitempty"`
	PerPage     int    `url:"per_page,omitempty"`
}

// addOptions encodes opts into the query string of s.
func addOptions(s string, opts any) (string, error) {
	if opts == nil {
		return s, nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return s, err
	}
	qs, err := query.Values(opts)
	if err != nil {
		return s, err
	}
	u.RawQuery = qs.Encode()
	return u.String(), nil
}
