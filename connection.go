package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"time"

	"github.com/cailloumajor/sitecheck/internal/jsonbody"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Default connection manager settings.
const (
	DefaultTimeout      = 10 * time.Second
	DefaultMaxRedirects = 5
)

// schemeRe matches a site address starting with a URL scheme.
var schemeRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.-]*://`)

// Errors returned by the connection manager.
var (
	ErrMalformedURL     = errors.New("malformed site address")
	ErrUnreachable      = errors.New("site address cannot be resolved")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrTooManyRedirects = errors.New("too many redirects")
)

// ExhaustedError is returned when every attempt against a target failed with
// a transport error.
type ExhaustedError struct {
	URL      string
	Attempts int
	Err      error // Last transport error.
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed to connect to %s after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrRetriesExhausted, e.Err}
}

// Option configures a ConnectionManager.
type Option func(*ConnectionManager)

// WithTimeout sets the per-attempt transport timeout.
func WithTimeout(d time.Duration) Option {
	return func(cm *ConnectionManager) {
		cm.timeout = d
	}
}

// WithFollowRedirects enables or disables redirect following.
func WithFollowRedirects(follow bool) Option {
	return func(cm *ConnectionManager) {
		cm.followRedirects = follow
	}
}

// WithMaxRedirects sets the maximum number of redirect hops.
func WithMaxRedirects(n int) Option {
	return func(cm *ConnectionManager) {
		cm.maxRedirects = n
	}
}

// WithRedirectAccepter restricts the redirect targets which are followed.
func WithRedirectAccepter(ra RedirectAccepter) Option {
	return func(cm *ConnectionManager) {
		cm.accepter = ra
	}
}

// WithDialContext replaces the function opening network connections.
func WithDialContext(dc DialContextFunc) Option {
	return func(cm *ConnectionManager) {
		cm.dial = dc
	}
}

// ConnectionManager performs one site check.
type ConnectionManager struct {
	target  *url.URL
	headers map[string]string
	body    []byte
	logger  log.Logger

	timeout         time.Duration
	followRedirects bool
	maxRedirects    int
	accepter        RedirectAccepter
	dial            DialContextFunc
}

// NewConnectionManager creates a connection manager for the given site
// address. The body may be nil, a string, a byte slice or any value accepted
// by jsonbody.Marshal.
func NewConnectionManager(site string, headers map[string]string, body any, l log.Logger, opts ...Option) (*ConnectionManager, error) {
	cm := &ConnectionManager{
		headers:         headers,
		logger:          l,
		timeout:         DefaultTimeout,
		followRedirects: true,
		maxRedirects:    DefaultMaxRedirects,
	}
	for _, opt := range opts {
		opt(cm)
	}
	if cm.headers == nil {
		cm.headers = map[string]string{}
	}

	u, err := cm.ensureScheme(site)
	if err != nil {
		return nil, err
	}
	cm.target = u

	if cm.body, err = NormalizeBody(body); err != nil {
		return nil, fmt.Errorf("error preparing request body: %w", err)
	}

	return cm, nil
}

func (cm *ConnectionManager) ensureScheme(site string) (*url.URL, error) {
	if !schemeRe.MatchString(site) {
		level.Warn(cm.logger).Log("msg", "no scheme provided, assuming http", "url", site)
		site = "http://" + site
	}

	u, err := url.Parse(site)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedURL, err)
	}
	if err := checkTarget(u); err != nil {
		return nil, err
	}

	return u, nil
}

func checkTarget(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrMalformedURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: missing host in %q", ErrMalformedURL, u.Redacted())
	}
	return nil
}

// NormalizeBody converts a request body to bytes. Strings and byte slices are
// used as-is, other values are serialized to JSON.
func NormalizeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(b), nil
	case []byte:
		return b, nil
	default:
		return jsonbody.Marshal(b)
	}
}

// Target returns the current target URL.
func (cm *ConnectionManager) Target() string {
	return cm.target.String()
}

// Body returns the normalized request body.
func (cm *ConnectionManager) Body() []byte {
	return cm.body
}

// Send requests the target, retrying on transport errors and following
// redirects. Up to retries attempts are made against each target, pausing
// for sleep between them. An address which cannot be resolved is not retried
// and yields an error wrapping ErrUnreachable.
func (cm *ConnectionManager) Send(ctx context.Context, method string, sleep time.Duration, retries int) (*Response, error) {
	level.Info(cm.logger).Log("msg", "sending request", "method", method, "url", cm.target.Redacted())

	for hops := 0; ; hops++ {
		resp, next, err := cm.check(ctx, method, sleep, retries)
		if err != nil || next == nil {
			return resp, err
		}

		if hops >= cm.maxRedirects {
			return nil, fmt.Errorf("%w: stopped after %d hops, next location: %s", ErrTooManyRedirects, hops, next.Redacted())
		}

		level.Info(cm.logger).Log("msg", "following redirect", "location", next.Redacted())
		cm.target = next
	}
}

// check runs the retry loop against the current target, over a connection
// closed before returning. A non-nil URL is returned when the response
// redirects to it.
func (cm *ConnectionManager) check(ctx context.Context, method string, sleep time.Duration, retries int) (*Response, *url.URL, error) {
	conn := openConnection(cm.target, cm.timeout, cm.dial)
	defer conn.Close()

	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		resp, err := conn.send(ctx, method, cm.headers, cm.body)
		if err == nil {
			level.Info(cm.logger).Log("msg", "response", "status", resp.StatusCode, "reason", resp.Reason)
			return resp, cm.redirectTarget(resp), nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}

		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			level.Error(cm.logger).Log("msg", "invalid site address", "url", cm.target.Redacted(), "err", err)
			return nil, nil, fmt.Errorf("%w: %s: %w", ErrUnreachable, cm.target.Redacted(), dnsErr)
		}

		lastErr = err
		level.Error(cm.logger).Log("msg", "error connecting to site", "url", cm.target.Redacted(), "attempt", attempt, "of", retries, "err", err)

		if attempt < retries {
			level.Info(cm.logger).Log("msg", "retrying", "in", sleep)
			if err := pause(ctx, sleep); err != nil {
				return nil, nil, err
			}
		}
	}

	return nil, nil, &ExhaustedError{URL: cm.target.Redacted(), Attempts: retries, Err: lastErr}
}

// redirectTarget returns the URL to follow for the response, or nil if the
// response is terminal.
func (cm *ConnectionManager) redirectTarget(resp *Response) *url.URL {
	if !isRedirect(resp.StatusCode) {
		return nil
	}
	level.Info(cm.logger).Log("msg", "redirected", "status", resp.StatusCode, "reason", resp.Reason)

	if !cm.followRedirects {
		return nil
	}

	loc := resp.Header("Location")
	if loc == "" {
		level.Warn(cm.logger).Log("msg", "redirect without location")
		return nil
	}

	u, err := cm.target.Parse(loc)
	if err == nil {
		err = checkTarget(u)
	}
	if err != nil {
		level.Warn(cm.logger).Log("msg", "unusable redirect location", "location", loc, "err", err)
		return nil
	}

	if cm.accepter != nil && !cm.accepter.AcceptRedirect(u) {
		level.Warn(cm.logger).Log("msg", "redirect rejected", "location", u.Redacted())
		return nil
	}

	return u
}

func isRedirect(code int) bool {
	switch code {
	case 301, 302, 303, 307, 308:
		return true
	}
	return false
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
