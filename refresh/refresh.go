// Package refresh keeps a login cookie alive. A background goroutine
// periodically asks the passport API whether rotation is due and, when it is,
// walks the correspond-path challenge to rotate the cookie and refresh token.
package refresh

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/kumoworks/bilifetch/biliapi"
	"github.com/kumoworks/bilifetch/credential"
	"github.com/kumoworks/bilifetch/crypto"
	"github.com/kumoworks/bilifetch/telemetry"
)

// ErrNotDue means the server reported the cookie does not need rotation.
var ErrNotDue = errors.New("cookie refresh not due")

// ErrNoRefreshToken means the credential can authenticate but cannot rotate.
var ErrNoRefreshToken = errors.New("credential has no refresh token")

// refreshRunTimeout bounds one full rotation: five round trips, one of them
// an RSA-named page fetch.
const refreshRunTimeout = 2 * time.Minute

// Refresher rotates the stored credential against the passport API.
type Refresher struct {
	Client       *biliapi.Client
	Store        *credential.Store
	Key          *rsa.PublicKey
	ProbeTimeout time.Duration
}

func (r *Refresher) probeTimeout() time.Duration {
	if r.ProbeTimeout > 0 {
		return r.ProbeTimeout
	}
	return 15 * time.Second
}

// Start launches the background loop: one immediate check, then jittered
// periodic checks until ctx is cancelled.
func Start(ctx context.Context, r *Refresher, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	go func() {
		r.runOnce(ctx)
		for {
			// Per-iteration jitter (+-20% of interval) spreads instances out.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval + jitter):
			}
			r.runOnce(ctx)
		}
	}()
}

func (r *Refresher) runOnce(ctx context.Context) {
	cred, ok := r.Store.Current()
	if !ok || !cred.Usable() || cred.RefreshToken == "" {
		return
	}
	telemetry.RefreshRuns.Inc()
	rctx, cancel := context.WithTimeout(ctx, refreshRunTimeout)
	defer cancel()
	if err := r.RefreshOnce(rctx); err != nil {
		if errors.Is(err, ErrNotDue) {
			return
		}
		telemetry.RefreshFailures.Inc()
		slog.Warn("cookie refresh failed", slog.Any("err", err))
		return
	}
	slog.Info("cookie refreshed")
}

// RefreshOnce performs one full rotation. Any failure before the rotation POST
// succeeds leaves the stored credential untouched. Once new cookie values
// exist they are persisted even if the server-side confirmation fails, since
// the old cookie may already be invalid.
func (r *Refresher) RefreshOnce(ctx context.Context) error {
	cred, ok := r.Store.Current()
	if !ok || !cred.Usable() {
		return errors.New("no usable credential to refresh")
	}
	if cred.RefreshToken == "" {
		return ErrNoRefreshToken
	}

	// Only the cheap "is rotation due" probe gets the short timeout; the
	// rotation itself runs under the caller's deadline.
	pctx, cancel := context.WithTimeout(ctx, r.probeTimeout())
	due, serverMillis, err := r.Client.CookieInfo(pctx, cred.BiliJCT)
	cancel()
	if err != nil {
		return err
	}
	if !due {
		return ErrNotDue
	}

	path, err := crypto.CorrespondPath(r.Key, serverMillis)
	if err != nil {
		return fmt.Errorf("correspond path: %w", err)
	}
	page, err := r.Client.CorrespondPage(ctx, path)
	if err != nil {
		return err
	}
	refreshCsrf, err := scrapeRefreshCSRF(page)
	if err != nil {
		return err
	}

	res, err := r.Client.RefreshCookie(ctx, cred.BiliJCT, refreshCsrf, cred.RefreshToken)
	if err != nil {
		return err
	}

	next := credential.Credential{
		SESSDATA:     res.SESSDATA,
		BiliJCT:      res.BiliJCT,
		DedeUserID:   res.DedeUserID,
		RefreshToken: res.RefreshToken,
		SavedAt:      time.Now(),
	}
	if next.DedeUserID == 0 {
		next.DedeUserID = cred.DedeUserID
	}
	if err := r.Store.Set(next); err != nil {
		return fmt.Errorf("persist rotated credential: %w", err)
	}

	if err := r.Client.ConfirmRefresh(ctx, next, cred.RefreshToken); err != nil {
		// The rotated cookie is already live and saved; the old token just
		// stays revocable a little longer.
		slog.Warn("refresh confirmation failed", slog.Any("err", err))
	}
	return nil
}

// scrapeRefreshCSRF pulls the csrf value out of the correspond challenge page.
// The page carries it as the text of a div with id "1-name".
func scrapeRefreshCSRF(page string) (string, error) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return "", fmt.Errorf("parse challenge page: %w", err)
	}
	var found string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "div" {
			for _, a := range n.Attr {
				if a.Key == "id" && a.Val == "1-name" {
					found = strings.TrimSpace(textContent(n))
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if found == "" {
		return "", errors.New("challenge page missing refresh_csrf")
	}
	return found, nil
}

func textContent(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		} else {
			b.WriteString(textContent(c))
		}
	}
	return b.String()
}
