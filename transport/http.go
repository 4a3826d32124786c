package transport

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/imroc/req/v3"
)

// HeaderTransportID identifies the client transport instance on every HTTP
// request so servers can correlate request/response pairs in their logs.
const HeaderTransportID = "X-Transport-Id"

// httpLink is a request/response link. Each Write posts one frame and the
// response body becomes the next unit returned by Read.
type httpLink struct {
	opts *Options
	id   string

	client    *req.Client
	url       string
	ctx       context.Context
	cancel    context.CancelFunc
	responses chan []byte

	closeOnce sync.Once
}

func newHTTPLink(opts *Options) *httpLink {
	ctx, cancel := context.WithCancel(context.Background())
	return &httpLink{
		opts:      opts,
		id:        uuid.NewString(),
		ctx:       ctx,
		cancel:    cancel,
		responses: make(chan []byte, 16),
	}
}

// Dial prepares the client; HTTP has no connection of its own to set up.
func (l *httpLink) Dial(ctx context.Context, addr Address) error {
	scheme := "http"
	if l.opts.UseTLS {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: addr.String(), Path: l.opts.Path}
	l.url = u.String()
	l.client = req.C().
		SetCommonHeader(HeaderTransportID, l.id).
		SetCommonContentType("application/octet-stream")
	return nil
}

func (l *httpLink) Write(data []byte) (int, error) {
	if l.client == nil {
		return 0, ErrClosed
	}
	resp, err := l.client.R().
		SetContext(l.ctx).
		SetBody(data).
		Post(l.url)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("http status %s", resp.Status)
	}
	body, err := resp.ToBytes()
	if err != nil {
		return 0, err
	}
	if len(body) > 0 {
		select {
		case l.responses <- body:
		case <-l.ctx.Done():
			return 0, ErrClosed
		}
	}
	return len(data), nil
}

func (l *httpLink) Read(p []byte) (int, error) {
	select {
	case body := <-l.responses:
		if len(body) > len(p) {
			return 0, io.ErrShortBuffer
		}
		return copy(p, body), nil
	case <-l.ctx.Done():
		return 0, ErrClosed
	}
}

func (l *httpLink) Close() error {
	l.closeOnce.Do(l.cancel)
	return nil
}

func (l *httpLink) Kind() LinkKind { return KindRequest }
