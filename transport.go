package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Maximum number of response body bytes read before closing it.
const maxDrainBytes = 64 << 10

// DialContextFunc is the signature of the function opening transport
// connections.
type DialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// HeaderField is a single response header line.
type HeaderField struct {
	Name  string
	Value string
}

// Response describes a completed attempt.
type Response struct {
	StatusCode int
	Reason     string
	Headers    []HeaderField
}

// Header returns the first value of the named header, case-insensitively.
func (r *Response) Header(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// connection is the transport bound to a single target. It holds at most one
// network connection and must be closed.
type connection struct {
	target    *url.URL
	transport *http.Transport
	client    *http.Client
}

func openConnection(target *url.URL, timeout time.Duration, dc DialContextFunc) *connection {
	if dc == nil {
		d := &net.Dialer{
			Timeout: timeout,
		}
		dc = d.DialContext
	}

	// The scheme of the request URL selects between TLS and plain transport.
	tr := &http.Transport{
		DialContext:           dc,
		MaxConnsPerHost:       1,
		MaxIdleConnsPerHost:   1,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
	}

	return &connection{
		target:    target,
		transport: tr,
		client: &http.Client{
			Transport: tr,
			// Redirects are handled by the connection manager.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Timeout: timeout,
		},
	}
}

func (c *connection) Close() {
	c.transport.CloseIdleConnections()
}

func (c *connection) send(ctx context.Context, method string, headers map[string]string, body []byte) (*Response, error) {
	var br io.Reader
	if body != nil {
		br = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.target.String(), br)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		if strings.EqualFold(k, "Host") {
			req.Host = v
			continue
		}
		// Keep the header name as given.
		req.Header[k] = []string{v}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
		_ = resp.Body.Close()
	}()

	return &Response{
		StatusCode: resp.StatusCode,
		Reason:     reasonPhrase(resp),
		Headers:    headerFields(resp.Header),
	}, nil
}

func reasonPhrase(resp *http.Response) string {
	return strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
}

func headerFields(h http.Header) []HeaderField {
	names := make([]string, 0, len(h))
	for n := range h {
		names = append(names, n)
	}
	sort.Strings(names)

	var fields []HeaderField
	for _, n := range names {
		for _, v := range h[n] {
			fields = append(fields, HeaderField{Name: n, Value: v})
		}
	}
	return fields
}
