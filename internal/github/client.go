// internal/github/client.go
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"

	apperrors "github-topic-harvester/internal/errors"
)

const (
	// perPage is the fixed search page size (the API maximum).
	perPage = 100

	// maxRetries bounds attempts for transient 5xx failures.
	maxRetries  = 4
	baseBackoff = 2 * time.Second

	// rateLimitLowWater triggers a proactive sleep until the reset time even
	// on a successful call, so the next call is not starved.
	rateLimitLowWater = 3
	rateLimitMargin   = 2 * time.Second

	cursorPrefix = "page:"
)

// Page is one fetched page of search results, plus the rate-limit snapshot
// the response carried.
type Page struct {
	Repos         []*github.Repository
	NextCursor    *string
	HasMore       bool
	RateRemaining int
	RateReset     time.Time
}

// Client is a rate-limit-aware wrapper around the go-github search client.
type Client struct {
	gh     *github.Client
	logger *slog.Logger

	backoff backoffPolicy
	waiter  rateLimitWaiter
	sleep   sleepFunc
}

// NewClient creates and configures a new Client instance.
// The provided token is used to create an authenticated http.Client.
func NewClient(token string, logger *slog.Logger) *Client {
	ctx := context.Background()
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(ctx, ts)

	return &Client{
		gh:      github.NewClient(tc),
		logger:  logger,
		backoff: backoffPolicy{base: baseBackoff, maxAttempts: maxRetries},
		waiter:  rateLimitWaiter{margin: rateLimitMargin, now: time.Now, sleep: sleepContext},
		sleep:   sleepContext,
	}
}

// NewEnterpriseClient targets a GitHub Enterprise (or test) endpoint instead
// of github.com.
func NewEnterpriseClient(baseURL, token string, logger *slog.Logger) (*Client, error) {
	c := NewClient(token, logger)
	gh, err := c.gh.WithEnterpriseURLs(baseURL, baseURL)
	if err != nil {
		return nil, fmt.Errorf("github base url: %w", err)
	}
	c.gh = gh
	return c, nil
}

// CheckConnectivity probes the API with a cheap rate-limit query. Used by the
// invocation boundary as a pre-flight check before a run is attempted.
func (c *Client) CheckConnectivity(ctx context.Context) error {
	if _, _, err := c.gh.RateLimit.Get(ctx); err != nil {
		return fmt.Errorf("github connectivity check: %w", err)
	}
	return nil
}

// FetchPage executes one paginated search query. A nil cursor means the start
// of the unit. Rate-limit exhaustion is absorbed by sleeping until the reset
// boundary and retrying the identical request; transient 5xx failures are
// retried with bounded exponential backoff; auth and cursor rejections fail
// immediately with their typed errors.
func (c *Client) FetchPage(ctx context.Context, query string, cursor *string) (Page, error) {
	pageNum, err := decodeCursor(cursor)
	if err != nil {
		return Page{}, err
	}

	opts := &github.SearchOptions{
		ListOptions: github.ListOptions{Page: pageNum, PerPage: perPage},
	}

	attempt := 0
	for {
		c.logger.Debug("fetching search page", "query", query, "page", pageNum, "attempt", attempt)

		res, resp, err := c.gh.Search.Repositories(ctx, query, opts)
		if err != nil {
			var rateErr *github.RateLimitError
			if errors.As(err, &rateErr) {
				c.logger.Warn("rate limit exhausted, sleeping until reset",
					"reset", rateErr.Rate.Reset.Time, "query", query)
				if werr := c.waiter.wait(ctx, rateErr.Rate.Reset.Time); werr != nil {
					return Page{}, werr
				}
				continue
			}

			var abuseErr *github.AbuseRateLimitError
			if errors.As(err, &abuseErr) {
				retryAfter := c.waiter.margin
				if abuseErr.RetryAfter != nil {
					retryAfter += *abuseErr.RetryAfter
				}
				c.logger.Warn("secondary rate limit hit, backing off", "retry_after", retryAfter)
				if serr := c.sleep(ctx, retryAfter); serr != nil {
					return Page{}, serr
				}
				continue
			}

			var ghErr *github.ErrorResponse
			if errors.As(err, &ghErr) {
				status := ghErr.Response.StatusCode
				switch {
				case status == http.StatusUnauthorized || status == http.StatusForbidden:
					return Page{}, &apperrors.AuthError{Status: status, Msg: ghErr.Message}
				case status == http.StatusUnprocessableEntity:
					return Page{}, &apperrors.CursorError{Cursor: cursorString(cursor), Msg: ghErr.Message}
				case status >= 500:
					attempt++
					if attempt >= c.backoff.maxAttempts {
						return Page{}, fmt.Errorf("github search failed after %d attempts: %w", attempt, err)
					}
					delay := c.backoff.delay(attempt - 1)
					c.logger.Warn("transient search error, retrying", "status", status, "delay", delay)
					if serr := c.sleep(ctx, delay); serr != nil {
						return Page{}, serr
					}
					continue
				default:
					return Page{}, fmt.Errorf("github search: %w", err)
				}
			}

			var urlErr *url.Error
			if errors.As(err, &urlErr) {
				return Page{}, &apperrors.UnavailableError{Err: err}
			}

			// Anything else is a protocol-level problem (e.g. an unparsable
			// response body), not transience.
			return Page{}, fmt.Errorf("decode github search response: %w", err)
		}

		if resp.Rate.Remaining < rateLimitLowWater {
			c.logger.Info("rate limit budget low, throttling before next call",
				"remaining", resp.Rate.Remaining, "reset", resp.Rate.Reset.Time)
			if werr := c.waiter.wait(ctx, resp.Rate.Reset.Time); werr != nil {
				return Page{}, werr
			}
		}

		return buildPage(res, resp), nil
	}
}

func buildPage(res *github.RepositoriesSearchResult, resp *github.Response) Page {
	p := Page{
		Repos:         res.Repositories,
		HasMore:       resp.NextPage != 0,
		RateRemaining: resp.Rate.Remaining,
		RateReset:     resp.Rate.Reset.Time,
	}
	if resp.NextPage != 0 {
		tok := encodeCursor(resp.NextPage)
		p.NextCursor = &tok
	}
	return p
}

// The cursor is opaque to callers: an encoded page token owned by this
// package. A token that does not decode signals a corrupt checkpoint cursor.
func encodeCursor(page int) string {
	return cursorPrefix + strconv.Itoa(page)
}

func decodeCursor(cursor *string) (int, error) {
	if cursor == nil {
		return 1, nil
	}
	raw, ok := strings.CutPrefix(*cursor, cursorPrefix)
	if !ok {
		return 0, &apperrors.CursorError{Cursor: *cursor, Msg: "unrecognized cursor format"}
	}
	page, err := strconv.Atoi(raw)
	if err != nil || page < 1 {
		return 0, &apperrors.CursorError{Cursor: *cursor, Msg: "cursor does not decode to a page"}
	}
	return page, nil
}

func cursorString(cursor *string) string {
	if cursor == nil {
		return ""
	}
	return *cursor
}
