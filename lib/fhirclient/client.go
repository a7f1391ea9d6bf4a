package fhirclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	upstream "github.com/SanteonNL/go-fhir-client"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

	"github.com/nuts-foundation/mcsd-federation/lib/fhirutil"
)

// maxSearchEntries bounds how many entries a single paginated search will
// accumulate before it is aborted, guarding against a misbehaving or
// unbounded upstream (spec.md §4.1).
const maxSearchEntries = 1000

// Config assembles the pieces needed to build a Client for one
// directory: its base URL, optional OAuth2/mTLS transport, and retry
// policy.
type Config struct {
	BaseURL        *url.URL
	Transport      http.RoundTripper
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Retry          RetryConfig
}

// Client is C1's operation surface over one directory's FHIR endpoint, on
// top of github.com/SanteonNL/go-fhir-client.
type Client struct {
	inner   upstream.Client
	baseURL *url.URL
}

// New builds a Client from Config, wrapping Transport (nil means
// http.DefaultTransport) with the retry/correlation-id transport and
// connect/read timeouts (NewHTTPClient says when the connect timeout
// applies).
func New(config Config) *Client {
	httpClient := NewHTTPClient(config.ConnectTimeout, config.ReadTimeout, config.Transport, config.Retry)
	return &Client{
		inner:   upstream.New(config.BaseURL, httpClient, fhirutil.ClientConfig()),
		baseURL: config.BaseURL,
	}
}

// NewFromHTTPClient wraps an already-built *http.Client (e.g. one
// produced by lib/httpauth's OAuth2 transport), without adding another
// retry layer on top -- the caller is responsible for retry semantics in
// that case.
func NewFromHTTPClient(baseURL *url.URL, httpClient *http.Client) *Client {
	return &Client{inner: upstream.New(baseURL, httpClient, fhirutil.ClientConfig()), baseURL: baseURL}
}

// GetResourceByID reads a single resource, classifying a 410 response as
// KindGone per spec.md §7.
func (c *Client) GetResourceByID(ctx context.Context, resourceType, id string, target any) error {
	err := c.inner.ReadWithContext(ctx, resourceType+"/"+id, target)
	if err != nil {
		return Classify(err, 0)
	}
	return nil
}

// SearchResource performs one page of search and follows every
// subsequent page, returning the accumulated entries and the first
// page's Bundle (for its Meta.LastUpdated, used as the next sync
// cursor's watermark).
func (c *Client) SearchResource(ctx context.Context, resourceType string, params url.Values) ([]fhir.BundleEntry, fhir.Bundle, error) {
	return c.search(ctx, resourceType, params)
}

// GetHistoryBatch performs one page of _history search and follows every
// subsequent page, the upstream fallback path used when a directory
// doesn't support conditional search-by-_lastUpdated but does support
// history.
func (c *Client) GetHistoryBatch(ctx context.Context, resourceType string, params url.Values) ([]fhir.BundleEntry, fhir.Bundle, error) {
	return c.search(ctx, resourceType+"/_history", params)
}

func (c *Client) search(ctx context.Context, path string, params url.Values) ([]fhir.BundleEntry, fhir.Bundle, error) {
	var page fhir.Bundle
	if err := c.inner.SearchWithContext(ctx, "", params, &page, upstream.AtPath(path)); err != nil {
		return nil, fhir.Bundle{}, Classify(err, 0)
	}

	entries := append([]fhir.BundleEntry(nil), page.Entry...)
	err := upstream.Paginate(ctx, c.inner, page, func(next *fhir.Bundle) (bool, error) {
		entries = append(entries, next.Entry...)
		if len(entries) >= maxSearchEntries {
			return false, fmt.Errorf("too many entries (%d) from %s, aborting to bound memory", len(entries), path)
		}
		return true, nil
	})
	if err != nil {
		return nil, fhir.Bundle{}, Classify(err, 0)
	}
	return entries, page, nil
}

// SearchPage performs exactly one page of search, without following
// subsequent pages, returning the raw Bundle (including its
// link[relation=next]) so a caller that wants an opaque pagination
// cursor (the downstream routing API, not the sync engine) can capture
// the upstream next URL itself instead of having it silently consumed.
func (c *Client) SearchPage(ctx context.Context, resourceType string, params url.Values) (fhir.Bundle, error) {
	var page fhir.Bundle
	if err := c.inner.SearchWithContext(ctx, "", params, &page, upstream.AtPath(resourceType)); err != nil {
		return fhir.Bundle{}, Classify(err, 0)
	}
	return page, nil
}

// PostBundle submits a transaction Bundle and returns the resulting
// Bundle (whose per-entry Response.Status tells the caller which entries
// were created/updated/deleted).
func (c *Client) PostBundle(ctx context.Context, tx fhir.Bundle) (fhir.Bundle, error) {
	var result fhir.Bundle
	if err := c.inner.CreateWithContext(ctx, tx, &result, upstream.AtPath("/")); err != nil {
		return fhir.Bundle{}, Classify(err, 0)
	}
	return result, nil
}

// ValidateCapabilityStatement reads the directory's CapabilityStatement
// to establish the capability tuples C9 reasons about.
func (c *Client) ValidateCapabilityStatement(ctx context.Context) (fhir.CapabilityStatement, error) {
	var capabilityStatement fhir.CapabilityStatement
	if err := c.inner.ReadWithContext(ctx, "metadata", &capabilityStatement); err != nil {
		return fhir.CapabilityStatement{}, Classify(err, 0)
	}
	return capabilityStatement, nil
}

// BaseURL returns the directory base URL this client was built for.
func (c *Client) BaseURL() *url.URL {
	return c.baseURL
}

// Raw exposes the underlying go-fhir-client for call sites that still
// need its lower-level Search/Create/Read primitives directly (e.g. the
// Notification Sender's PUT-with-POST-fallback Task upsert).
func (c *Client) Raw() upstream.Client {
	return c.inner
}
