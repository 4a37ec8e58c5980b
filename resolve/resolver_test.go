package resolve

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kumoworks/bilifetch/acquire"
	"github.com/kumoworks/bilifetch/biliapi"
	"github.com/kumoworks/bilifetch/config"
	"github.com/kumoworks/bilifetch/dedup"
	"github.com/kumoworks/bilifetch/link"
	"github.com/kumoworks/bilifetch/telemetry"
	"github.com/kumoworks/bilifetch/testutil"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	os.Exit(m.Run())
}

func viewData() map[string]any {
	return map[string]any{
		"bvid":     "BV1xx411c7mD",
		"aid":      170001,
		"cid":      279786,
		"title":    "字幕君交流场所",
		"pic":      "https://example.invalid/cover.jpg",
		"duration": 486,
		"tname":    "生活",
		"owner":    map[string]any{"mid": 122541, "name": "アカウント", "face": ""},
		"stat":     map[string]any{"view": 12345, "danmaku": 67, "like": 890, "coin": 12, "favorite": 34},
	}
}

func newResolver(t *testing.T, srv *testutil.MockBiliServer, mode config.SendMode) *Resolver {
	t.Helper()
	cfg := &config.Config{SendMode: mode, QualityPref: "auto"}
	return &Resolver{
		Config:    cfg,
		Client:    &biliapi.Client{BaseURL: srv.URL, PassportURL: srv.URL, WWWURL: srv.URL},
		Extractor: &link.Extractor{},
		Pipeline: &acquire.Pipeline{
			DataDir: t.TempDir(),
			// Point at a missing binary so every acquisition attempt fails fast.
			FFmpegPath: filepath.Join(t.TempDir(), "no-ffmpeg"),
		},
		Cache: dedup.New(time.Minute, 16),
	}
}

func TestHandleMessage_MetadataOnly(t *testing.T) {
	srv := testutil.NewMockBiliServer(t)
	srv.MockView(viewData())
	r := newResolver(t, srv, config.SendMetadata)

	res, err := r.HandleMessage(context.Background(), 100, "https://www.bilibili.com/video/BV1xx411c7mD", nil)
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if res == nil {
		t.Fatal("HandleMessage() = nil, want result")
	}
	if len(res.Elements) != 2 {
		t.Fatalf("Elements = %d, want exactly cover + text", len(res.Elements))
	}
	if res.Elements[0].ImageURL != "https://example.invalid/cover.jpg" {
		t.Errorf("first element = %+v, want cover image", res.Elements[0])
	}
	if res.Elements[1].Text == "" {
		t.Error("second element missing metadata text")
	}
	if res.View.Title != "字幕君交流场所" {
		t.Errorf("View.Title = %q", res.View.Title)
	}
}

func TestHandleMessage_NoIdentity(t *testing.T) {
	srv := testutil.NewMockBiliServer(t)
	r := newResolver(t, srv, config.SendMetadata)

	res, err := r.HandleMessage(context.Background(), 100, "just chatting, no links", nil)
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if res != nil {
		t.Errorf("HandleMessage() = %+v, want nil", res)
	}
}

func TestHandleMessage_SoftMiss(t *testing.T) {
	srv := testutil.NewMockBiliServer(t)
	srv.MockViewError(-404, "啥都木有")
	r := newResolver(t, srv, config.SendMetadata)

	res, err := r.HandleMessage(context.Background(), 100, "BV1xx411c7mD", nil)
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if res != nil {
		t.Errorf("soft miss should yield nil result, got %+v", res)
	}
}

func TestHandleMessage_DedupAfterDelivery(t *testing.T) {
	srv := testutil.NewMockBiliServer(t)
	srv.MockView(viewData())
	r := newResolver(t, srv, config.SendMetadata)
	ctx := context.Background()

	res, err := r.HandleMessage(ctx, 100, "BV1xx411c7mD", nil)
	if err != nil || res == nil {
		t.Fatalf("first HandleMessage() = (%v, %v)", res, err)
	}

	// Delivery not yet acknowledged: the same link resolves again.
	again, err := r.HandleMessage(ctx, 100, "BV1xx411c7mD", nil)
	if err != nil || again == nil {
		t.Fatalf("HandleMessage() before MarkDelivered = (%v, %v), want result", again, err)
	}

	r.MarkDelivered(100, res)
	suppressed, err := r.HandleMessage(ctx, 100, "BV1xx411c7mD", nil)
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if suppressed != nil {
		t.Error("duplicate within the window should be suppressed")
	}

	// A different conversation is not affected.
	other, err := r.HandleMessage(ctx, 200, "BV1xx411c7mD", nil)
	if err != nil || other == nil {
		t.Errorf("HandleMessage() in other conversation = (%v, %v), want result", other, err)
	}
}

// Video mode with a broken acquisition path must still deliver the metadata
// elements.
func TestHandleMessage_VideoModeFallsBack(t *testing.T) {
	srv := testutil.NewMockBiliServer(t)
	srv.MockView(viewData())
	srv.MockPlayURL(map[string]any{
		"quality": 64,
		"dash": map[string]any{
			"video": []map[string]any{{"id": 64, "baseUrl": "https://example.invalid/v.m4s", "bandwidth": 1000}},
			"audio": []map[string]any{{"id": 30280, "baseUrl": "https://example.invalid/a.m4s", "bandwidth": 128}},
		},
	})
	r := newResolver(t, srv, config.SendVideo)

	res, err := r.HandleMessage(context.Background(), 100, "BV1xx411c7mD", nil)
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if res == nil {
		t.Fatal("HandleMessage() = nil, want metadata fallback")
	}
	if len(res.Elements) != 2 {
		t.Errorf("Elements = %d, want metadata-only fallback", len(res.Elements))
	}
	for _, e := range res.Elements {
		if e.VideoPath != "" {
			t.Error("failed acquisition must not produce a video element")
		}
	}
}

func TestHandleMessage_SegmentsPreferred(t *testing.T) {
	srv := testutil.NewMockBiliServer(t)
	srv.MockView(viewData())
	r := newResolver(t, srv, config.SendMetadata)

	segs := []link.Segment{{
		Type:    "json",
		Payload: `{"meta":{"news":{"jumpUrl":"https://www.bilibili.com/video/BV1xx411c7mD"}}}`,
	}}
	res, err := r.HandleMessage(context.Background(), 100, "", segs)
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if res == nil || res.Video.BV != "BV1xx411c7mD" {
		t.Errorf("HandleMessage() with card segment = %+v", res)
	}
}

func TestFormatView(t *testing.T) {
	v := &biliapi.View{
		BVID:     "BV1xx411c7mD",
		Title:    "title",
		Duration: 3725,
		TName:    "生活",
		Owner:    biliapi.Owner{Name: "up"},
		Stat:     biliapi.Stat{View: 1, Danmaku: 2, Like: 3, Coin: 4, Favorite: 5},
	}
	got := FormatView(v)
	for _, want := range []string{"title", "up", "1:02:05", "BV1xx411c7mD"} {
		if !strings.Contains(got, want) {
			t.Errorf("FormatView() missing %q in %q", want, got)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		seconds int
		want    string
	}{
		{0, "0:00"},
		{59, "0:59"},
		{486, "8:06"},
		{3600, "1:00:00"},
		{3725, "1:02:05"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.seconds); got != tt.want {
			t.Errorf("formatDuration(%d) = %q, want %q", tt.seconds, got, tt.want)
		}
	}
}
