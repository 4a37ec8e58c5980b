package link

import (
	"context"
	"encoding/json"
)

// Segment is one structured part of an incoming message. Text carries plain
// text content; Payload carries the raw JSON of a card-type segment.
type Segment struct {
	Type    string
	Text    string
	Payload string
}

// appid of the Bilibili mini-program card.
const biliMiniProgramAppID = "1109937557"

// ExtractFromSegments walks segments in order and returns the first VideoID
// found. Text segments go through Extract; card segments are probed against a
// small ordered list of known payload shapes (mini-program, rich article),
// falling back to a raw key scan. Malformed payloads are skipped, not fatal.
func (e *Extractor) ExtractFromSegments(ctx context.Context, segs []Segment) (VideoID, bool) {
	for _, seg := range segs {
		switch seg.Type {
		case "text":
			if id, ok := e.Extract(ctx, seg.Text); ok {
				return id, true
			}
		case "json":
			if jump, ok := cardJumpURL(seg.Payload); ok {
				if id, ok := e.Extract(ctx, jump); ok {
					return id, true
				}
			}
			// Raw scan catches cards whose shape we don't know but whose
			// payload still embeds a recognizable link.
			if id, ok := e.Extract(ctx, seg.Payload); ok {
				return id, true
			}
		}
	}
	return VideoID{}, false
}

// cardJumpURL attempts the known card shapes and returns the embedded jump URL.
func cardJumpURL(payload string) (string, bool) {
	var card map[string]any
	if err := json.Unmarshal([]byte(payload), &card); err != nil {
		return "", false
	}
	meta, ok := card["meta"].(map[string]any)
	if !ok {
		return "", false
	}
	// Mini-program share card: meta.detail_1 with the Bilibili appid.
	if detail, ok := meta["detail_1"].(map[string]any); ok {
		if appid, _ := detail["appid"].(string); appid == biliMiniProgramAppID {
			if u, _ := detail["qqdocurl"].(string); u != "" {
				return u, true
			}
		}
	}
	// Rich article card: meta.news.jumpUrl.
	if news, ok := meta["news"].(map[string]any); ok {
		if u, _ := news["jumpUrl"].(string); u != "" {
			return u, true
		}
	}
	// Unknown shape: scan any meta block for the usual URL keys.
	for _, v := range meta {
		block, ok := v.(map[string]any)
		if !ok {
			continue
		}
		for _, key := range []string{"qqdocurl", "jumpUrl"} {
			if u, _ := block[key].(string); u != "" {
				return u, true
			}
		}
	}
	return "", false
}
