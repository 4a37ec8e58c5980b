// Package link recognizes Bilibili video identifiers in free message text and
// structured message segments, normalizing them into a VideoID. Short b23.tv
// links are resolved through one HTTP redirect before pattern matching.
package link

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
)

// VideoID is a normalized video identity: a canonical BV code, a legacy
// numeric av id, or neither (zero value) when nothing matched.
type VideoID struct {
	BV string
	AV int64
}

func (v VideoID) IsZero() bool { return v.BV == "" && v.AV == 0 }

func (v VideoID) String() string {
	if v.BV != "" {
		return v.BV
	}
	if v.AV != 0 {
		return fmt.Sprintf("av%d", v.AV)
	}
	return ""
}

var (
	reBVInURL = regexp.MustCompile(`(?i)bilibili\.com/video/(BV[0-9A-Za-z]{10})`)
	reBV      = regexp.MustCompile(`\b(BV[0-9A-Za-z]{10})\b`)
	reAVInURL = regexp.MustCompile(`(?i)bilibili\.com/video/av(\d+)`)
	reAV      = regexp.MustCompile(`(?i)\bav(\d+)\b`)
	reShort   = regexp.MustCompile(`https?://b23\.tv/[0-9A-Za-z]+`)
)

// ShortLinkResolver follows a short link's redirect chain to its final URL.
type ShortLinkResolver interface {
	Resolve(ctx context.Context, shortURL string) (string, error)
}

// Extractor turns raw text or structured segments into at most one VideoID.
// A nil Resolver disables short-link resolution (patterns a-d still apply).
type Extractor struct {
	Resolver ShortLinkResolver
}

// Extract applies patterns in order: BV inside a full URL, bare BV, legacy av
// inside a full URL, bare av, then a b23.tv short link resolved via one
// redirect with patterns re-applied to the final URL. Returns false when
// nothing matches or the short link fails to resolve.
func (e *Extractor) Extract(ctx context.Context, text string) (VideoID, bool) {
	if id, ok := matchDirect(text); ok {
		return id, true
	}
	short := reShort.FindString(text)
	if short == "" || e.Resolver == nil {
		return VideoID{}, false
	}
	final, err := e.Resolver.Resolve(ctx, short)
	if err != nil {
		return VideoID{}, false
	}
	return matchDirect(final)
}

func matchDirect(text string) (VideoID, bool) {
	if m := reBVInURL.FindStringSubmatch(text); m != nil {
		return VideoID{BV: canonBV(m[1])}, true
	}
	if m := reBV.FindStringSubmatch(text); m != nil {
		return VideoID{BV: canonBV(m[1])}, true
	}
	if m := reAVInURL.FindStringSubmatch(text); m != nil {
		return avID(m[1])
	}
	if m := reAV.FindStringSubmatch(text); m != nil {
		return avID(m[1])
	}
	return VideoID{}, false
}

// canonBV normalizes the case-insensitive prefix; the 10-character body is
// case-significant and kept as matched.
func canonBV(s string) string { return "BV" + s[2:] }

func avID(digits string) (VideoID, bool) {
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n <= 0 {
		return VideoID{}, false
	}
	return VideoID{AV: n}, true
}
