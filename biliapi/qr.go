package biliapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// QR poll codes reported by the passport endpoint.
const (
	QRCodeSucceeded = 0
	QRCodeExpired   = 86038
	QRCodeScanned   = 86090
	QRCodeWaiting   = 86101
)

// QRChallenge is a freshly generated login challenge.
type QRChallenge struct {
	URL string `json:"url"`
	Key string `json:"qrcode_key"`
}

// QRPollResult is one poll of an outstanding challenge. On success URL holds
// the redirect whose query string carries the cookie values.
type QRPollResult struct {
	Code         int    `json:"code"`
	URL          string `json:"url"`
	RefreshToken string `json:"refresh_token"`
}

// QRGenerate requests a new login QR challenge. Unlike metadata lookups this
// is an interactive operation, so failures surface as errors.
func (c *Client) QRGenerate(ctx context.Context) (*QRChallenge, error) {
	data, err := c.getJSON(ctx, c.passport()+"/x/passport-login/web/qrcode/generate", "")
	if err != nil {
		return nil, fmt.Errorf("qr generate: %w", err)
	}
	var ch QRChallenge
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, fmt.Errorf("qr generate decode: %w", err)
	}
	if ch.URL == "" || ch.Key == "" {
		return nil, fmt.Errorf("qr generate: empty challenge")
	}
	return &ch, nil
}

// QRPoll reports the remote state of the challenge identified by key.
func (c *Client) QRPoll(ctx context.Context, key string) (*QRPollResult, error) {
	q := url.Values{}
	q.Set("qrcode_key", key)
	data, err := c.getJSON(ctx, c.passport()+"/x/passport-login/web/qrcode/poll?"+q.Encode(), "")
	if err != nil {
		return nil, fmt.Errorf("qr poll: %w", err)
	}
	var res QRPollResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("qr poll decode: %w", err)
	}
	return &res, nil
}
