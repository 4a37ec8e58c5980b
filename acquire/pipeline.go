// Package acquire downloads selected DASH streams, enforces size limits, and
// muxes them into a playable file with ffmpeg (stream copy, no re-encode).
// Every failure mode degrades to "no file"; callers fall back to
// metadata-only delivery.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kumoworks/bilifetch/biliapi"
	"github.com/kumoworks/bilifetch/telemetry"
)

var (
	// ErrTooLarge means the streams exceed the configured size ceiling.
	ErrTooLarge = errors.New("media exceeds size limit")
	// ErrMuxerMissing means the external muxing tool is not installed.
	ErrMuxerMissing = errors.New("ffmpeg not found; install ffmpeg to enable video acquisition")
	// ErrNoVideoStream means the manifest offered nothing to download.
	ErrNoVideoStream = errors.New("no video stream selected")
)

const (
	downloadUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
	referer    = "https://www.bilibili.com"
)

// Pipeline acquires media into DataDir. MaxBytes <= 0 disables the ceiling.
type Pipeline struct {
	DataDir    string
	MaxBytes   int64
	FFmpegPath string
	MuxTimeout time.Duration
	HTTPClient *http.Client
}

func (p *Pipeline) httpc() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Minute}
}

func (p *Pipeline) ffmpeg() string {
	if p.FFmpegPath != "" {
		return p.FFmpegPath
	}
	return "ffmpeg"
}

func (p *Pipeline) muxTimeout() time.Duration {
	if p.MuxTimeout > 0 {
		return p.MuxTimeout
	}
	return 10 * time.Minute
}

// Fetch downloads the chosen streams for one video and returns the muxed file
// path. Temporary per-stream files are always removed; the returned file is
// the caller's to Cleanup after use.
func (p *Pipeline) Fetch(ctx context.Context, name string, video, audio *biliapi.Stream) (string, error) {
	if video == nil {
		return "", ErrNoVideoStream
	}
	if _, err := exec.LookPath(p.ffmpeg()); err != nil {
		return "", ErrMuxerMissing
	}
	if err := os.MkdirAll(p.DataDir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir data dir: %w", err)
	}

	// Preflight: when upstream advertises byte lengths, reject oversized media
	// before spending bandwidth. Unknown lengths are enforced during download.
	total := int64(0)
	known := true
	for _, s := range []*biliapi.Stream{video, audio} {
		if s == nil {
			continue
		}
		n := p.probeSize(ctx, s.URLs())
		if n < 0 {
			known = false
			break
		}
		total += n
	}
	if known && p.MaxBytes > 0 && total > p.MaxBytes {
		return "", fmt.Errorf("%w: %d bytes advertised", ErrTooLarge, total)
	}

	telemetry.DownloadsStarted.Inc()
	stamp := fmt.Sprintf("%s_%d_%s", name, time.Now().UnixMilli(), uuid.NewString()[:8])
	videoTmp := filepath.Join(p.DataDir, stamp+"_video.m4s")
	audioTmp := filepath.Join(p.DataDir, stamp+"_audio.m4s")
	defer func() {
		_ = os.Remove(videoTmp)
		_ = os.Remove(audioTmp)
	}()

	// The ceiling applies to video and audio combined, so both goroutines
	// draw from one shared budget.
	var used atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.download(gctx, video.URLs(), videoTmp, &used) })
	if audio != nil {
		g.Go(func() error { return p.download(gctx, audio.URLs(), audioTmp, &used) })
	}
	if err := g.Wait(); err != nil {
		telemetry.DownloadsFailed.Inc()
		return "", err
	}

	out := filepath.Join(p.DataDir, stamp+".mp4")
	if err := p.mux(ctx, videoTmp, audioTmp, out, audio != nil); err != nil {
		telemetry.DownloadsFailed.Inc()
		telemetry.MuxFailures.Inc()
		_ = os.Remove(out)
		return "", err
	}
	telemetry.DownloadsSucceeded.Inc()
	return out, nil
}

// FetchProgressive downloads a single already-muxed URL; no ffmpeg involved.
func (p *Pipeline) FetchProgressive(ctx context.Context, name, url string) (string, error) {
	if url == "" {
		return "", ErrNoVideoStream
	}
	if err := os.MkdirAll(p.DataDir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir data dir: %w", err)
	}
	telemetry.DownloadsStarted.Inc()
	out := filepath.Join(p.DataDir, fmt.Sprintf("%s_%d_%s.mp4", name, time.Now().UnixMilli(), uuid.NewString()[:8]))
	var used atomic.Int64
	if err := p.download(ctx, []string{url}, out, &used); err != nil {
		telemetry.DownloadsFailed.Inc()
		_ = os.Remove(out)
		return "", err
	}
	telemetry.DownloadsSucceeded.Inc()
	return out, nil
}

// Cleanup removes a file previously returned by Fetch/FetchProgressive.
func (p *Pipeline) Cleanup(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("cleanup failed", slog.String("path", path), slog.Any("err", err))
	}
}

// probeSize returns the advertised byte length of the first reachable
// candidate URL, or -1 when unknown.
func (p *Pipeline) probeSize(ctx context.Context, urls []string) int64 {
	for _, u := range urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
		if err != nil {
			continue
		}
		req.Header.Set("User-Agent", downloadUA)
		req.Header.Set("Referer", referer)
		resp, err := p.httpc().Do(req)
		if err != nil {
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusOK && resp.ContentLength > 0 {
			return resp.ContentLength
		}
	}
	return -1
}

// download streams the first working candidate URL to dest, enforcing the
// byte ceiling as data arrives.
func (p *Pipeline) download(ctx context.Context, urls []string, dest string, used *atomic.Int64) error {
	if len(urls) == 0 {
		return errors.New("no candidate urls")
	}
	var lastErr error
	for _, u := range urls {
		err := p.downloadOne(ctx, u, dest, used)
		if err == nil {
			return nil
		}
		// The size ceiling applies to the media, not the mirror; don't retry
		// the same bytes from a backup URL.
		if errors.Is(err, ErrTooLarge) || ctx.Err() != nil {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("all candidate urls failed: %w", lastErr)
}

func (p *Pipeline) downloadOne(ctx context.Context, url, dest string, used *atomic.Int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", downloadUA)
	req.Header.Set("Referer", referer)
	resp, err := p.httpc().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed: %s", resp.Status)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("failed to close temp file", slog.Any("err", err))
		}
	}()

	cw := &cappedWriter{w: f, max: p.MaxBytes, used: used}
	if _, err := io.Copy(cw, resp.Body); err != nil {
		if !errors.Is(err, ErrTooLarge) {
			// A failed mirror attempt gives its bytes back to the budget.
			used.Add(-cw.written)
		}
		return fmt.Errorf("download copy: %w", err)
	}
	return nil
}

// cappedWriter counts bytes against a budget shared by the concurrent stream
// downloads of one acquisition.
type cappedWriter struct {
	w       io.Writer
	max     int64
	used    *atomic.Int64
	written int64
}

func (c *cappedWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.written += int64(n)
	if total := c.used.Add(int64(n)); c.max > 0 && total > c.max {
		return n, fmt.Errorf("%w: exceeded %d bytes", ErrTooLarge, c.max)
	}
	return n, err
}

// mux combines the downloaded streams losslessly. A hung subprocess is bounded
// by MuxTimeout.
func (p *Pipeline) mux(ctx context.Context, videoTmp, audioTmp, out string, withAudio bool) error {
	mctx, cancel := context.WithTimeout(ctx, p.muxTimeout())
	defer cancel()
	args := []string{"-y", "-i", videoTmp}
	if withAudio {
		args = append(args, "-i", audioTmp)
	}
	args = append(args, "-c", "copy", out)
	cmd := exec.CommandContext(mctx, p.ffmpeg(), args...)
	if outBytes, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("mux failed: %w: %s", err, truncate(string(outBytes), 512))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
