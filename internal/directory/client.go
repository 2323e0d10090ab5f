// Package directory talks to the read-only remote user directory.
package directory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/framemark/internal/metrics"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout       = 10 * time.Second
	defaultRatePerSecond = 5.0
	defaultCacheTTL      = time.Minute
	maxResponseBytes     = 4 << 20
	userAgent            = "framemark-directory-client/1.0"

	endpointListUsers = "list_users"
	endpointGetUser   = "get_user"
)

var (
	// ErrRemoteUnavailable covers transport failures, non-2xx responses and unreadable bodies.
	ErrRemoteUnavailable = errors.New("directory: remote unavailable")
	// ErrUserNotFound indicates the directory answered 404 for a single user.
	ErrUserNotFound = errors.New("directory: user not found")

	errMissingBaseURL = errors.New("directory: base url is required")
)

// Config describes how to reach the directory.
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	RatePerSecond float64
	CacheTTL      time.Duration
	HTTPClient    *http.Client
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// Listing is the validated result of GET /users.
type Listing struct {
	Users    []RemoteUser
	Rejected []Rejection
}

// Client fetches remote user records with an outbound rate limit and a short-lived per-user cache.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	limiter    *rate.Limiter
	users      *cache.Cache
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewClient validates the configuration and constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	rawBase := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if rawBase == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(rawBase)
	if err != nil || !baseURL.IsAbs() {
		return nil, fmt.Errorf("directory: invalid base url %q", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	ratePerSecond := cfg.RatePerSecond
	if ratePerSecond <= 0 {
		ratePerSecond = defaultRatePerSecond
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSecond), 1),
		users:      cache.New(cacheTTL, 2*cacheTTL),
		logger:     logger,
		metrics:    cfg.Metrics,
	}, nil
}

// ListUsers fetches every remote user. Malformed elements are dropped and reported in Listing.Rejected.
func (c *Client) ListUsers(ctx context.Context) (Listing, error) {
	body, err := c.get(ctx, endpointListUsers, "users")
	c.metrics.RecordDirectoryRequest(endpointListUsers, err)
	if err != nil {
		return Listing{}, err
	}

	users, rejected, err := ParseRemoteUsers(body)
	if err != nil {
		return Listing{}, fmt.Errorf("%w: %w", ErrRemoteUnavailable, err)
	}
	for _, rejection := range rejected {
		c.logger.Warn("remote user rejected",
			zap.Int("index", rejection.Index),
			zap.String("reason", rejection.Reason))
	}
	for _, user := range users {
		c.users.SetDefault(cacheKey(user.ID), user)
	}
	return Listing{Users: users, Rejected: rejected}, nil
}

// GetUser fetches one remote user, answering from cache when a recent copy exists.
func (c *Client) GetUser(ctx context.Context, remoteID int64) (RemoteUser, error) {
	if cached, ok := c.users.Get(cacheKey(remoteID)); ok {
		if user, ok := cached.(RemoteUser); ok {
			return user, nil
		}
	}

	body, err := c.get(ctx, endpointGetUser, "users", strconv.FormatInt(remoteID, 10))
	c.metrics.RecordDirectoryRequest(endpointGetUser, err)
	if err != nil {
		return RemoteUser{}, err
	}
	user, err := ParseRemoteUser(body)
	if err != nil {
		return RemoteUser{}, fmt.Errorf("%w: %w", ErrRemoteUnavailable, err)
	}
	if user.ID != remoteID {
		return RemoteUser{}, fmt.Errorf("%w: requested user %d, received %d", ErrRemoteUnavailable, remoteID, user.ID)
	}
	c.users.SetDefault(cacheKey(remoteID), user)
	return user, nil
}

func (c *Client) get(ctx context.Context, endpoint string, segments ...string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRemoteUnavailable, err)
	}

	target := c.baseURL.JoinPath(segments...)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRemoteUnavailable, err)
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", userAgent)

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Debug("directory request failed",
			zap.String("endpoint", endpoint),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrRemoteUnavailable, err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound && endpoint == endpointGetUser {
		return nil, ErrUserNotFound
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, maxResponseBytes))
		return nil, fmt.Errorf("%w: %s returned status %d", ErrRemoteUnavailable, target.Path, response.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", ErrRemoteUnavailable, err)
	}
	return body, nil
}

func cacheKey(remoteID int64) string {
	return strconv.FormatInt(remoteID, 10)
}
