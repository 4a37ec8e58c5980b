// Package biliapi contains minimal helpers to interact with the Bilibili web
// APIs for metadata, DASH manifests, QR login, and cookie refresh. Requests
// carry a browser-like identity header and, when a usable credential is held,
// the login cookie.
package biliapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/kumoworks/bilifetch/credential"
	"github.com/kumoworks/bilifetch/link"
)

const browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// Client talks to the three API hosts. Zero-value URL fields use the public
// endpoints; tests point them at local fakes.
type Client struct {
	BaseURL     string // api host, default https://api.bilibili.com
	PassportURL string // login host, default https://passport.bilibili.com
	WWWURL      string // page host, default https://www.bilibili.com
	HTTPClient  *http.Client
	Store       *credential.Store
}

func (c *Client) httpc() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return "https://api.bilibili.com"
}

func (c *Client) passport() string {
	if c.PassportURL != "" {
		return c.PassportURL
	}
	return "https://passport.bilibili.com"
}

func (c *Client) www() string {
	if c.WWWURL != "" {
		return c.WWWURL
	}
	return "https://www.bilibili.com"
}

// currentCookie returns the cookie header for the stored credential, or empty
// when unauthenticated.
func (c *Client) currentCookie() string {
	if c.Store == nil {
		return ""
	}
	cred, ok := c.Store.Current()
	if !ok || !cred.Usable() {
		return ""
	}
	return cred.CookieHeader()
}

// apiError is a logical failure reported inside a 200 envelope.
type apiError struct {
	Code    int
	Message string
}

func (e *apiError) Error() string { return fmt.Sprintf("api code %d: %s", e.Code, e.Message) }

// getJSON issues a GET and decodes the envelope, returning data on code 0.
func (c *Client) getJSON(ctx context.Context, rawURL, cookie string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", browserUA)
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	resp, err := c.httpc().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("request failed: %s: %s", resp.Status, string(b))
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Code != 0 {
		return nil, &apiError{Code: env.Code, Message: env.Message}
	}
	return env.Data, nil
}

// MaxQuality returns the highest unlock-eligible tier for the current login
// state; unauthenticated callers are capped at 720p.
func (c *Client) MaxQuality() int {
	if c.Store != nil && c.Store.Usable() {
		return QNMaxAuthed
	}
	return QNMaxAnonymous
}

// GetView fetches canonical metadata for a video. Upstream failures of any
// kind are a soft miss: (nil, nil) plus a log entry, never an error the
// caller must handle.
func (c *Client) GetView(ctx context.Context, id link.VideoID) (*View, error) {
	if id.IsZero() {
		return nil, nil
	}
	q := url.Values{}
	if id.BV != "" {
		q.Set("bvid", id.BV)
	} else {
		q.Set("aid", strconv.FormatInt(id.AV, 10))
	}
	data, err := c.getJSON(ctx, c.base()+"/x/web-interface/view?"+q.Encode(), c.currentCookie())
	if err != nil {
		slog.Warn("metadata fetch failed", slog.String("video", id.String()), slog.Any("err", err))
		return nil, nil
	}
	var v View
	if err := json.Unmarshal(data, &v); err != nil {
		slog.Warn("metadata decode failed", slog.String("video", id.String()), slog.Any("err", err))
		return nil, nil
	}
	return &v, nil
}

// GetPlayURL fetches the DASH manifest for one sub-part, requesting the
// highest tier the current credential allows. Failures are a soft miss.
func (c *Client) GetPlayURL(ctx context.Context, id link.VideoID, cid int64) (*Manifest, error) {
	if id.IsZero() || cid == 0 {
		return nil, nil
	}
	q := url.Values{}
	if id.BV != "" {
		q.Set("bvid", id.BV)
	} else {
		q.Set("avid", strconv.FormatInt(id.AV, 10))
	}
	q.Set("cid", strconv.FormatInt(cid, 10))
	q.Set("qn", strconv.Itoa(c.MaxQuality()))
	q.Set("fnval", strconv.Itoa(FnvalDash))
	q.Set("fnver", "0")
	q.Set("fourk", "1")
	data, err := c.getJSON(ctx, c.base()+"/x/player/playurl?"+q.Encode(), c.currentCookie())
	if err != nil {
		slog.Warn("manifest fetch failed", slog.String("video", id.String()), slog.Int64("cid", cid), slog.Any("err", err))
		return nil, nil
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		slog.Warn("manifest decode failed", slog.String("video", id.String()), slog.Any("err", err))
		return nil, nil
	}
	return &m, nil
}
