package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// Cache states reported alongside an origin response. HIT replays a stored
// body, MISS is the fetch that filled (or tried to fill) the cache, BYPASS
// went straight to the origin.
const (
	cacheHit    = "HIT"
	cacheMiss   = "MISS"
	cacheBypass = "BYPASS"
)

// maxErrorBody bounds how much of a failed origin response gets buffered.
const maxErrorBody = 4 << 10

type originResponse struct {
	Status     int
	Header     http.Header
	Body       io.ReadCloser
	CacheState string
}

// FromCache reports whether the response body was replayed from the shared
// cache. Anything else counts as a cache miss for egress accounting.
func (r *originResponse) FromCache() bool {
	return r.CacheState == cacheHit
}

// fetcher is the gateway's view of the origin layer.
type fetcher interface {
	Fetch(ctx context.Context, method, url, rangeHeader string) (*originResponse, error)
}

// cachingFetcher serves origin content through a process-wide cache keyed by
// method + URL + Range. Concurrent misses for one key are coalesced so a
// single origin fetch feeds every waiter. Bodies run over a detached context
// bounded by the fetch timeout, so measurement survives client disconnects.
type cachingFetcher struct {
	client  *http.Client
	cache   *gocache.Cache
	group   singleflight.Group
	maxBody int64
	timeout time.Duration
}

func newCachingFetcher(timeout, ttl time.Duration, maxBody int64) *cachingFetcher {
	return &cachingFetcher{
		client:  &http.Client{},
		cache:   gocache.New(ttl, 10*time.Minute),
		maxBody: maxBody,
		timeout: timeout,
	}
}

// cachedObject is a fully buffered origin response, replayable any number of
// times.
type cachedObject struct {
	status int
	header http.Header
	body   []byte
}

func (o *cachedObject) replay(state string) *originResponse {
	return &originResponse{
		Status:     o.status,
		Header:     o.header.Clone(),
		Body:       io.NopCloser(bytes.NewReader(o.body)),
		CacheState: state,
	}
}

// liveFetch carries a streaming body too large to buffer. Exactly one waiter
// may claim it; the rest fall back to a direct fetch.
type liveFetch struct {
	response *originResponse
	claimed  atomic.Bool
}

// Fetch returns the content at url, replaying the cache when possible. The
// context only gates how long the caller waits; the underlying fetch keeps
// running for other waiters after the caller gives up.
func (f *cachingFetcher) Fetch(ctx context.Context, method, url, rangeHeader string) (*originResponse, error) {
	key := method + "\x00" + url + "\x00" + rangeHeader
	if v, ok := f.cache.Get(key); ok {
		return v.(*cachedObject).replay(cacheHit), nil
	}

	ch := f.group.DoChan(key, func() (interface{}, error) {
		return f.fetchOrigin(key, method, url, rangeHeader)
	})

	select {
	case <-ctx.Done():
		// Close an unclaimed live body so an abandoned fetch cannot leak.
		go func() {
			res := <-ch
			if live, ok := res.Val.(*liveFetch); ok && live.claimed.CompareAndSwap(false, true) {
				live.response.Body.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		switch v := res.Val.(type) {
		case *cachedObject:
			return v.replay(cacheMiss), nil
		case *liveFetch:
			if v.claimed.CompareAndSwap(false, true) {
				return v.response, nil
			}
			return f.direct(method, url, rangeHeader)
		default:
			return nil, fmt.Errorf("origin fetch: unexpected result type %T", res.Val)
		}
	}
}

// fetchOrigin performs the single coalesced fetch behind a cache miss.
// Successful bodies within the size limit are buffered and stored; larger
// ones are handed over as a live stream.
func (f *cachingFetcher) fetchOrigin(key, method, url, rangeHeader string) (interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	resp, err := f.do(ctx, method, url, rangeHeader)
	if err != nil {
		cancel()
		return nil, err
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cancel()
		return &cachedObject{status: resp.StatusCode, header: resp.Header.Clone(), body: body}, nil
	}

	var buf bytes.Buffer
	_, err = io.CopyN(&buf, resp.Body, f.maxBody+1)
	if err != nil && err != io.EOF {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("reading origin body: %w", err)
	}
	if err == io.EOF {
		resp.Body.Close()
		cancel()
		obj := &cachedObject{status: resp.StatusCode, header: resp.Header.Clone(), body: buf.Bytes()}
		f.cache.SetDefault(key, obj)
		return obj, nil
	}

	// Too large to cache. Stitch the buffered prefix back onto the stream.
	body := &bodyWithCancel{
		Reader: io.MultiReader(bytes.NewReader(buf.Bytes()), resp.Body),
		inner:  resp.Body,
		cancel: cancel,
	}
	return &liveFetch{response: &originResponse{
		Status:     resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		CacheState: cacheMiss,
	}}, nil
}

// direct fetches without touching the cache, for waiters that lost the race
// for a live stream.
func (f *cachingFetcher) direct(method, url, rangeHeader string) (*originResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	resp, err := f.do(ctx, method, url, rangeHeader)
	if err != nil {
		cancel()
		return nil, err
	}
	return &originResponse{
		Status:     resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       &bodyWithCancel{Reader: resp.Body, inner: resp.Body, cancel: cancel},
		CacheState: cacheBypass,
	}, nil
}

func (f *cachingFetcher) do(ctx context.Context, method, url, rangeHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	return f.client.Do(req)
}

// bodyWithCancel releases the fetch context when the body is closed.
type bodyWithCancel struct {
	io.Reader
	inner  io.Closer
	cancel context.CancelFunc
}

func (b *bodyWithCancel) Close() error {
	err := b.inner.Close()
	b.cancel()
	return err
}
