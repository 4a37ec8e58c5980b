// Package resolve orchestrates one message through the full pipeline:
// extraction, dedup, metadata, manifest, stream selection, optional media
// acquisition. The actual chat delivery lives behind the caller; a Resolver
// only builds reply elements.
package resolve

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kumoworks/bilifetch/acquire"
	"github.com/kumoworks/bilifetch/biliapi"
	"github.com/kumoworks/bilifetch/config"
	"github.com/kumoworks/bilifetch/dedup"
	"github.com/kumoworks/bilifetch/link"
	"github.com/kumoworks/bilifetch/stream"
	"github.com/kumoworks/bilifetch/telemetry"
)

// Element is one piece of an outgoing reply. Exactly one field is set.
type Element struct {
	ImageURL  string // cover image to embed by URL
	Text      string // formatted metadata text
	VideoPath string // local path of an acquired file, caller cleans up
}

// Result is a fully prepared reply for one resolved video.
type Result struct {
	Video    link.VideoID
	View     *biliapi.View
	Elements []Element

	// mediaPath is set when an acquired file rode along in Elements.
	mediaPath string
}

// Resolver wires the pipeline stages together.
type Resolver struct {
	Config    *config.Config
	Client    *biliapi.Client
	Extractor *link.Extractor
	Pipeline  *acquire.Pipeline
	Cache     *dedup.Cache
}

// HandleMessage resolves a chat message. A nil Result with nil error means
// nothing to do: no video identity found, suppressed as a duplicate, or the
// upstream soft-missed.
func (r *Resolver) HandleMessage(ctx context.Context, conversationID int64, text string, segs []link.Segment) (*Result, error) {
	id, ok := r.extract(ctx, text, segs)
	if !ok {
		return nil, nil
	}
	telemetry.ResolutionsTotal.Inc()
	ctx, span := telemetry.StartSpan(ctx, "resolver", "resolve video",
		attribute.String("video.id", id.String()))
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx).With("video", id.String())

	if r.Cache != nil && r.Cache.Suppressed(conversationID, id.String()) {
		telemetry.DedupSuppressed.Inc()
		log.Info("duplicate suppressed", "conversation", conversationID)
		return nil, nil
	}

	var res *Result
	var err error
	telemetry.TimeFunc(telemetry.ResolveDuration, func() {
		res, err = r.resolve(ctx, id)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.SetSpanSuccess(span)
	if res != nil {
		log.Info("resolved", "title", res.View.Title, "elements", len(res.Elements))
	}
	return res, err
}

func (r *Resolver) extract(ctx context.Context, text string, segs []link.Segment) (link.VideoID, bool) {
	if len(segs) > 0 {
		return r.Extractor.ExtractFromSegments(ctx, segs)
	}
	return r.Extractor.Extract(ctx, text)
}

func (r *Resolver) resolve(ctx context.Context, id link.VideoID) (*Result, error) {
	view, err := r.Client.GetView(ctx, id)
	if err != nil {
		return nil, err
	}
	if view == nil {
		telemetry.MetadataMisses.Inc()
		return nil, nil
	}
	telemetry.MetadataHits.Inc()

	res := &Result{Video: id, View: view}
	res.Elements = append(res.Elements, Element{ImageURL: view.Pic}, Element{Text: FormatView(view)})

	if r.Config.SendMode != config.SendVideo {
		return res, nil
	}
	if path := r.acquireMedia(ctx, id, view); path != "" {
		res.Elements = append(res.Elements, Element{VideoPath: path})
		res.mediaPath = path
	}
	return res, nil
}

// acquireMedia attempts a download+mux. Every failure degrades to the
// metadata-only reply, never to an error.
func (r *Resolver) acquireMedia(ctx context.Context, id link.VideoID, view *biliapi.View) string {
	log := telemetry.LoggerWithCorr(ctx).With("video", id.String())
	manifest, err := r.Client.GetPlayURL(ctx, id, view.DefaultCID())
	if err != nil || manifest == nil {
		return ""
	}

	var path string
	telemetry.TimeFunc(telemetry.DownloadDuration, func() {
		switch {
		case manifest.Dash != nil:
			pref := stream.ParsePreference(r.Config.QualityPref)
			video := stream.SelectVideo(manifest.Dash.Video, pref)
			audio := stream.SelectAudio(manifest.Dash)
			path, err = r.Pipeline.Fetch(ctx, id.String(), video, audio)
		case len(manifest.Durl) > 0:
			path, err = r.Pipeline.FetchProgressive(ctx, id.String(), manifest.Durl[0].URL)
		default:
			err = acquire.ErrNoVideoStream
		}
	})
	if err != nil {
		log.Warn("acquisition failed, falling back to metadata", "err", err)
		return ""
	}
	return path
}

// MarkDelivered records a successful delivery so the dedup window starts, and
// releases any acquired media file.
func (r *Resolver) MarkDelivered(conversationID int64, res *Result) {
	if res == nil {
		return
	}
	if r.Cache != nil {
		r.Cache.Mark(conversationID, res.Video.String())
		telemetry.SetDedupSize(r.Cache.Len())
	}
	if res.mediaPath != "" && r.Pipeline != nil {
		r.Pipeline.Cleanup(res.mediaPath)
	}
}

// FormatView renders the metadata text block of a reply.
func FormatView(v *biliapi.View) string {
	return fmt.Sprintf("%s\nUP: %s | 分区: %s\n时长: %s | 播放: %d | 弹幕: %d\n点赞: %d | 投币: %d | 收藏: %d\nhttps://www.bilibili.com/video/%s",
		v.Title, v.Owner.Name, v.TName, formatDuration(v.Duration),
		v.Stat.View, v.Stat.Danmaku, v.Stat.Like, v.Stat.Coin, v.Stat.Favorite, v.BVID)
}

func formatDuration(seconds int) string {
	d := time.Duration(seconds) * time.Second
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
