// Package origin fetches descriptors from the pull-through HTTP origin.
package origin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/agenthands/descedge/pkg/core"
)

// RequestCacheControl asks intermediaries to serve the object from cache.
const RequestCacheControl = "max-age=31536000"

// Client fetches <base>/v1/desc/<key>. It never retries.
type Client struct {
	base    *url.URL
	http    *http.Client
	maxBody int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client, e.g. to add tracing transports.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New validates cfg.BaseURL. cfg.Timeout of 0 leaves requests bounded only by
// their context.
func New(cfg core.OriginConfig, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: origin url: %v", core.ErrInvalidInput, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("%w: origin url %q must be http or https", core.ErrInvalidInput, cfg.BaseURL)
	}
	c := &Client{
		base:    base,
		http:    &http.Client{Timeout: cfg.Timeout},
		maxBody: cfg.MaxBodyBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// URL returns the address Fetch requests for key.
func (c *Client) URL(key core.Key) string {
	u := *c.base
	u.Path = u.Path + core.DescriptorPathPrefix + string(key)
	u.RawQuery = ""
	return u.String()
}

// Fetch returns the body and upstream content type. Any non-2xx status is
// ErrNotFound; transport and read failures are ErrUpstreamUnavailable.
func (c *Client) Fetch(ctx context.Context, key core.Key) (core.Object, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(key), nil)
	if err != nil {
		return core.Object{}, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	req.Header.Set("Cache-Control", RequestCacheControl)

	resp, err := c.http.Do(req)
	if err != nil {
		return core.Object{}, fmt.Errorf("%w: origin %s: %v", core.ErrUpstreamUnavailable, key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return core.Object{}, fmt.Errorf("%w: origin %s: status %d", core.ErrNotFound, key, resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if c.maxBody > 0 {
		body = io.LimitReader(resp.Body, c.maxBody+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return core.Object{}, fmt.Errorf("%w: origin %s: reading body: %v", core.ErrUpstreamUnavailable, key, err)
	}
	if c.maxBody > 0 && int64(len(data)) > c.maxBody {
		return core.Object{}, fmt.Errorf("%w: origin %s: body exceeds %d bytes", core.ErrTooLarge, key, c.maxBody)
	}
	return core.Object{Data: data, ContentType: resp.Header.Get("Content-Type")}, nil
}
