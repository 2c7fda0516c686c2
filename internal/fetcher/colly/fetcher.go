// Package collyfetcher implements the document and payload fetchers using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/trashtv-ingest/internal/ingest"
	"github.com/JakeFAU/trashtv-ingest/internal/metrics"
)

const (
	kindDocument = "document"
	kindPayload  = "payload"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodyBytes caps the response body; 0 means unlimited. A larger body
	// is a failed fetch, never a truncated success.
	MaxBodyBytes int
}

// Fetcher implements ingest.DocumentFetcher and ingest.PayloadFetcher with a
// single blocking GET per call and no retries.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// fetchResult is filled by the collector callbacks of one request.
type fetchResult struct {
	status int
	body   []byte
	// declared is the Content-Length of the response, -1 when absent.
	declared int64
	err      error
}

// New builds a Fetcher. The base collector is configured once and cloned per
// request; clones share its HTTP client.
func New(cfg Config) *Fetcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(
		colly.Async(false),
		// The same page is fetched on every tick.
		colly.AllowURLRevisit(),
	)
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	// One byte over the cap lets get tell an oversize body from an exact fit.
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes + 1
	} else {
		c.MaxBodySize = 0
	}
	// Error statuses are classified by the fetcher, not by colly.
	c.ParseHTTPErrorResponse = true

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// FetchDocument retrieves the source page.
func (f *Fetcher) FetchDocument(ctx context.Context, url string) ([]byte, error) {
	return f.get(ctx, kindDocument, url)
}

// FetchPayload retrieves one item's payload.
func (f *Fetcher) FetchPayload(ctx context.Context, locator string) ([]byte, error) {
	return f.get(ctx, kindPayload, locator)
}

func (f *Fetcher) get(ctx context.Context, kind, url string) ([]byte, error) {
	result := fetchResult{declared: -1}
	collector := f.buildCollector(&result)

	err := f.runCollector(ctx, collector, url, &result)
	if err != nil {
		metrics.ObserveFetch(kind, fetchOutcome(err))
		return nil, err
	}
	if result.status < http.StatusOK || result.status >= http.StatusMultipleChoices {
		err := &ingest.StatusError{URL: url, StatusCode: result.status}
		metrics.ObserveFetch(kind, fetchOutcome(err))
		return nil, fmt.Errorf("colly %s fetch: %w", kind, err)
	}
	if err := f.checkComplete(url, &result); err != nil {
		metrics.ObserveFetch(kind, fetchOutcome(err))
		return nil, fmt.Errorf("colly %s fetch: %w", kind, err)
	}
	metrics.ObserveFetch(kind, metrics.FetchResultOK)
	return result.body, nil
}

// checkComplete rejects bodies cut short by the size cap or by the server.
func (f *Fetcher) checkComplete(url string, result *fetchResult) error {
	size := int64(len(result.body))
	if f.cfg.MaxBodyBytes > 0 && size > int64(f.cfg.MaxBodyBytes) {
		return fmt.Errorf("%w: %s: body exceeds %d bytes", ingest.ErrTransport, url, f.cfg.MaxBodyBytes)
	}
	if result.declared >= 0 && size < result.declared {
		return fmt.Errorf("%w: %s: read %d of %d bytes", ingest.ErrTransport, url, size, result.declared)
	}
	return nil
}

func (f *Fetcher) buildCollector(result *fetchResult) *colly.Collector {
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, result)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, result *fetchResult) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "*/*")
	})

	hooks.OnResponse(func(r *colly.Response) {
		result.status = r.StatusCode
		result.body = append([]byte(nil), r.Body...)
		if r.Headers != nil {
			if n, err := strconv.ParseInt(r.Headers.Get("Content-Length"), 10, 64); err == nil {
				result.declared = n
			}
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			result.status = r.StatusCode
		}
		result.err = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, result *fetchResult) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: colly fetch canceled: %w", ingest.ErrTransport, ctx.Err())
	case err := <-done:
		if err == nil {
			err = result.err
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, colly.ErrRobotsTxtBlocked) {
			return fmt.Errorf("%w: %w", ingest.ErrNotFound, err)
		}
		if result.status != 0 {
			return fmt.Errorf("colly visit failed: %w", &ingest.StatusError{URL: url, StatusCode: result.status})
		}
		return fmt.Errorf("%w: colly visit failed: %w", ingest.ErrTransport, err)
	}
}

func fetchOutcome(err error) string {
	switch {
	case errors.Is(err, ingest.ErrNotFound):
		return metrics.FetchResultNotFound
	default:
		return metrics.FetchResultTransport
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
