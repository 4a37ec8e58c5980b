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
	"strings"

	"github.com/kumoworks/bilifetch/credential"
)

// CookieInfo asks whether the current cookie needs refreshing. The timestamp
// is the server clock in unix millis, used to build the correspond challenge.
func (c *Client) CookieInfo(ctx context.Context, csrf string) (bool, int64, error) {
	q := url.Values{}
	q.Set("csrf", csrf)
	data, err := c.getJSON(ctx, c.passport()+"/x/passport-login/web/cookie/info?"+q.Encode(), c.currentCookie())
	if err != nil {
		return false, 0, fmt.Errorf("cookie info: %w", err)
	}
	var info struct {
		Refresh   bool  `json:"refresh"`
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return false, 0, fmt.Errorf("cookie info decode: %w", err)
	}
	return info.Refresh, info.Timestamp, nil
}

// CorrespondPage fetches the server-rendered challenge page at the hex
// correspond path, using the current cookie.
func (c *Client) CorrespondPage(ctx context.Context, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.www()+"/correspond/1/"+path, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", browserUA)
	if cookie := c.currentCookie(); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	resp, err := c.httpc().Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("correspond page: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("correspond page read: %w", err)
	}
	return string(body), nil
}

// RefreshResult carries the rotated cookie values parsed from Set-Cookie
// headers plus the next refresh token from the body.
type RefreshResult struct {
	SESSDATA     string
	BiliJCT      string
	DedeUserID   int64
	RefreshToken string
}

// RefreshCookie performs the rotation POST. Missing cookie headers in the
// response are a protocol violation and abort the refresh.
func (c *Client) RefreshCookie(ctx context.Context, csrf, refreshCsrf, oldRefreshToken string) (*RefreshResult, error) {
	form := url.Values{}
	form.Set("csrf", csrf)
	form.Set("refresh_csrf", refreshCsrf)
	form.Set("source", "main_web")
	form.Set("refresh_token", oldRefreshToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.passport()+"/x/passport-login/web/cookie/refresh", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", browserUA)
	if cookie := c.currentCookie(); cookie != "" {
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
		return nil, fmt.Errorf("cookie refresh failed: %s: %s", resp.Status, string(b))
	}

	res := &RefreshResult{}
	for _, ck := range resp.Cookies() {
		switch ck.Name {
		case "SESSDATA":
			res.SESSDATA = ck.Value
		case "bili_jct":
			res.BiliJCT = ck.Value
		case "DedeUserID":
			res.DedeUserID, _ = strconv.ParseInt(ck.Value, 10, 64)
		}
	}
	if res.SESSDATA == "" || res.BiliJCT == "" {
		return nil, fmt.Errorf("cookie refresh: response missing set-cookie values")
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("cookie refresh decode: %w", err)
	}
	if env.Code != 0 {
		return nil, &apiError{Code: env.Code, Message: env.Message}
	}
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(env.Data, &body); err != nil {
		return nil, fmt.Errorf("cookie refresh decode: %w", err)
	}
	if body.RefreshToken == "" {
		return nil, fmt.Errorf("cookie refresh: response missing refresh_token")
	}
	res.RefreshToken = body.RefreshToken
	return res, nil
}

// ConfirmRefresh finalizes the rotation server-side. It authenticates with
// the NEW cookie (not yet necessarily persisted) while carrying the OLD
// refresh token.
func (c *Client) ConfirmRefresh(ctx context.Context, newCred credential.Credential, oldRefreshToken string) error {
	form := url.Values{}
	form.Set("csrf", newCred.BiliJCT)
	form.Set("refresh_token", oldRefreshToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.passport()+"/x/passport-login/web/confirm/refresh", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", browserUA)
	req.Header.Set("Cookie", newCred.CookieHeader())
	resp, err := c.httpc().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("confirm refresh failed: %s: %s", resp.Status, string(b))
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("confirm refresh decode: %w", err)
	}
	if env.Code != 0 {
		return &apiError{Code: env.Code, Message: env.Message}
	}
	return nil
}
