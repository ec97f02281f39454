package main

import (
	"fmt"
	"net/url"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-kit/log"
)

// RedirectAccepter models a redirect target accepter.
type RedirectAccepter interface {
	AcceptRedirect(*url.URL) bool
}

// RedirectFilter represents a redirect-allowing filter.
type RedirectFilter struct {
	Host string `toml:"host"` // Target host name (pattern match).
	Path string `toml:"path"` // Target path (pattern match, any path if empty).
}

// Validate does filter validation.
func (f *RedirectFilter) Validate() error {
	if _, err := doublestar.Match(f.Host, ""); err != nil {
		return fmt.Errorf("error validating host pattern `%s`: %w", f.Host, err)
	}
	if _, err := doublestar.Match(f.Path, ""); err != nil {
		return fmt.Errorf("error validating path pattern `%s`: %w", f.Path, err)
	}
	return nil
}

// AcceptRedirect implements RedirectAccepter.
func (f *RedirectFilter) AcceptRedirect(u *url.URL) bool {
	// Ignore the errors here, a pattern check is required before using this method.
	if ok, _ := doublestar.Match(f.Host, u.Hostname()); !ok {
		return false
	}

	if f.Path == "" {
		return true
	}

	p := u.Path
	if p == "" {
		p = "/"
	}
	ok, _ := doublestar.Match(f.Path, p)

	return ok
}

// RedirectAccepters represents a slice of redirect accepters.
type RedirectAccepters []RedirectAccepter

// AcceptRedirect implements RedirectAccepter.
func (ras RedirectAccepters) AcceptRedirect(u *url.URL) (accepted bool) {
	for _, ra := range ras {
		if ra.AcceptRedirect(u) {
			accepted = true
			break
		}
	}

	return
}

// NewRedirectAccepters validates the filters and returns them as a single
// accepter. It returns nil when there is no filter, meaning any redirect is
// accepted.
func NewRedirectAccepters(filters []*RedirectFilter, l log.Logger) (RedirectAccepter, error) {
	if len(filters) == 0 {
		return nil, nil
	}

	ras := make(RedirectAccepters, len(filters))
	for i, f := range filters {
		if err := f.Validate(); err != nil {
			return nil, err
		}
		l.Log("msg", "redirect filter loaded", "host", f.Host, "path", f.Path)
		ras[i] = f
	}

	return ras, nil
}
