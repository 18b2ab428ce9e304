package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const maxPageBytes = 10 << 20

// HTTPProvider serves pages fetched with a plain GET. Scripts never run, so it
// suits static sites and tests.
type HTTPProvider struct {
	Client    *http.Client
	UserAgent string
}

func NewHTTPProvider(timeout time.Duration, userAgent string) *HTTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{Client: &http.Client{Timeout: timeout}, UserAgent: userAgent}
}

func (p *HTTPProvider) Acquire(context.Context) (Page, error) {
	return &httpPage{client: p.Client, ua: p.UserAgent}, nil
}

func (p *HTTPProvider) Close() error { return nil }

type httpPage struct {
	client *http.Client
	ua     string

	mu   sync.Mutex
	url  string
	html string
}

func (p *httpPage) Navigate(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if p.ua != "" {
		req.Header.Set("User-Agent", p.ua)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.url = resp.Request.URL.String()
	p.html = string(body)
	p.mu.Unlock()
	return nil
}

func (p *httpPage) HTML(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.url == "" {
		return "", errors.New("no page loaded")
	}
	return p.html, nil
}

func (p *httpPage) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *httpPage) Close() error { return nil }
