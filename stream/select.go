// Package stream picks the best video/audio stream pair out of a DASH
// manifest. Selection is pure decision logic with no I/O.
package stream

import (
	"strconv"

	"github.com/kumoworks/bilifetch/biliapi"
)

// Preference is a quality preference: automatic (highest available) or an
// explicit target tier.
type Preference struct {
	Auto bool
	Tier int
}

// ParsePreference parses "auto" or a numeric tier; anything unparseable is
// treated as automatic.
func ParsePreference(s string) Preference {
	if s == "" || s == "auto" {
		return Preference{Auto: true}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return Preference{Auto: true}
	}
	return Preference{Tier: n}
}

// SelectVideo chooses a video stream. Automatic mode picks the numerically
// highest tier. Explicit mode prefers an exact match, then the highest tier
// not exceeding the target, then the lowest available; it never fails when
// candidates exist. Ties break in first-seen order.
func SelectVideo(videos []biliapi.Stream, pref Preference) *biliapi.Stream {
	if len(videos) == 0 {
		return nil
	}
	if pref.Auto {
		best := &videos[0]
		for i := range videos {
			if videos[i].ID > best.ID {
				best = &videos[i]
			}
		}
		return best
	}

	var under, lowest *biliapi.Stream
	for i := range videos {
		v := &videos[i]
		if v.ID == pref.Tier {
			return v
		}
		if v.ID < pref.Tier && (under == nil || v.ID > under.ID) {
			under = v
		}
		if lowest == nil || v.ID < lowest.ID {
			lowest = v
		}
	}
	if under != nil {
		return under
	}
	return lowest
}

// SelectAudio chooses an audio stream from the regular, spatial, and lossless
// groups treated as one pool: lossless first, then the spatial/premium
// variant, then the greatest bit-rate. Ties break in first-seen order.
func SelectAudio(d *biliapi.Dash) *biliapi.Stream {
	if d == nil {
		return nil
	}
	pool := make([]*biliapi.Stream, 0, len(d.Audio)+len(d.Dolby.Audio)+1)
	for i := range d.Audio {
		pool = append(pool, &d.Audio[i])
	}
	for i := range d.Dolby.Audio {
		pool = append(pool, &d.Dolby.Audio[i])
	}
	if d.Flac != nil && d.Flac.Audio != nil {
		pool = append(pool, d.Flac.Audio)
	}
	if len(pool) == 0 {
		return nil
	}

	for _, a := range pool {
		if a.ID == biliapi.AudioFlacID {
			return a
		}
	}
	for _, a := range pool {
		if a.ID == biliapi.AudioDolbyID {
			return a
		}
	}
	best := pool[0]
	for _, a := range pool[1:] {
		if a.Bandwidth > best.Bandwidth {
			best = a
		}
	}
	return best
}
