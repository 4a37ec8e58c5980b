package link

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPResolver resolves short links by following redirects with a HEAD
// request, falling back to GET when HEAD is refused. The final URL is read
// from the response's effective request URL.
type HTTPResolver struct {
	Client *http.Client
}

func (r *HTTPResolver) httpc() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (r *HTTPResolver) Resolve(ctx context.Context, shortURL string) (string, error) {
	final, err := r.follow(ctx, http.MethodHead, shortURL)
	if err == nil {
		return final, nil
	}
	return r.follow(ctx, http.MethodGet, shortURL)
}

func (r *HTTPResolver) follow(ctx context.Context, method, shortURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, method, shortURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.httpc().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("short link resolve failed: %s", resp.Status)
	}
	return resp.Request.URL.String(), nil
}
