package caldav

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/emersion/go-webdav/caldav"
	"github.com/rs/zerolog"

	"calbot/internal/domain"
)

// Client talks to one CalDAV account. Collection discovery runs once and
// is cached for the process lifetime; concurrent fetches share the cache
// under the mutex so a burst of commands cannot stampede the server.
type Client struct {
	name     string
	baseURL  string
	username string
	password string
	loc      *time.Location
	logger   zerolog.Logger

	mu          sync.Mutex
	client      *caldav.Client
	collections []Collection
	unusable    bool // credentials rejected, left dead until restart
}

// NewClient creates a client for one calendar account. Events are
// normalized into loc.
func NewClient(name, baseURL, username, password string, loc *time.Location, logger zerolog.Logger) *Client {
	if loc == nil {
		loc = time.UTC
	}
	return &Client{
		name:     name,
		baseURL:  baseURL,
		username: username,
		password: password,
		loc:      loc,
		logger:   logger.With().Str("component", "caldav").Str("source", name).Logger(),
	}
}

// Name returns the configured account name.
func (c *Client) Name() string { return c.name }

// connect builds the underlying CalDAV client once. Callers must hold mu.
func (c *Client) connect() (*caldav.Client, error) {
	if c.client != nil {
		return c.client, nil
	}

	httpClient := &http.Client{
		Transport: &basicAuthTransport{
			username: c.username,
			password: c.password,
		},
		Timeout: 30 * time.Second,
	}

	client, err := caldav.NewClient(httpClient, c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to CalDAV: %w", err)
	}

	c.client = client
	return client, nil
}

// basicAuthTransport adds Basic Auth to HTTP requests.
type basicAuthTransport struct {
	username string
	password string
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.username, t.password)
	return http.DefaultTransport.RoundTrip(req)
}

// Collections returns the account's calendar collections, discovering
// them on first use and caching the set for the process lifetime. A
// failed discovery is a DiscoveryError, retried on the next call;
// rejected credentials are an AuthError and leave the source unusable
// until restart.
func (c *Client) Collections(ctx context.Context) ([]Collection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collectionsLocked(ctx)
}

func (c *Client) collectionsLocked(ctx context.Context) ([]Collection, error) {
	if c.unusable {
		return nil, &AuthError{Source: c.name, Err: errors.New("source marked unusable by earlier auth failure")}
	}
	if c.collections != nil {
		return c.collections, nil
	}

	client, err := c.connect()
	if err != nil {
		return nil, &DiscoveryError{Source: c.name, Err: err}
	}

	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, c.discoveryFailure(fmt.Errorf("find principal: %w", err))
	}

	homeSet, err := client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, c.discoveryFailure(fmt.Errorf("find home set: %w", err))
	}

	cals, err := client.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, c.discoveryFailure(fmt.Errorf("find calendars: %w", err))
	}

	collections := make([]Collection, 0, len(cals))
	for _, cal := range cals {
		collections = append(collections, Collection{
			Path:        cal.Path,
			DisplayName: cal.Name,
		})
	}
	c.collections = collections
	c.logger.Info().Int("collections", len(collections)).Msg("discovered calendar collections")

	return collections, nil
}

func (c *Client) discoveryFailure(err error) error {
	if isUnauthorized(err) {
		c.unusable = true
		return &AuthError{Source: c.name, Err: err}
	}
	return &DiscoveryError{Source: c.name, Err: err}
}

// FetchUpcoming returns every occurrence starting inside [from, to)
// across all collections, normalized into the display timezone. One
// failing collection degrades to partial results; only when every
// collection fails does the call return FetchError.
func (c *Client) FetchUpcoming(ctx context.Context, from, to time.Time) ([]domain.Event, error) {
	c.mu.Lock()
	collections, err := c.collectionsLocked(ctx)
	client := c.client
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if len(collections) == 0 {
		return nil, nil
	}

	query := &caldav.CalendarQuery{
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{
				{
					Name:  "VEVENT",
					Start: from.UTC(),
					End:   to.UTC(),
				},
			},
		},
	}

	var events []domain.Event
	var lastErr error
	failed := 0

	for _, coll := range collections {
		objects, err := client.QueryCalendar(ctx, coll.Path, query)
		if err != nil {
			if isUnauthorized(err) {
				c.markUnusable()
				return nil, &AuthError{Source: c.name, Err: err}
			}
			failed++
			lastErr = err
			c.logger.Warn().Err(err).Str("collection", coll.Path).Msg("collection query failed, continuing with siblings")
			continue
		}

		var parsed []parsedEvent
		for _, obj := range objects {
			evs, err := parseCalendarObject(&obj)
			if err != nil {
				c.logger.Warn().Err(err).Msg("skipping unparseable calendar object")
				continue
			}
			parsed = append(parsed, evs...)
		}

		events = append(events, expandEvents(parsed, from, to, c.loc, c.name, c.logger)...)
	}

	if failed == len(collections) {
		return nil, &FetchError{Source: c.name, Err: lastErr}
	}

	return events, nil
}

func (c *Client) markUnusable() {
	c.mu.Lock()
	c.unusable = true
	c.mu.Unlock()
}
