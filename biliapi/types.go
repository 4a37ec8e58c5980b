package biliapi

import "encoding/json"

// Quality tier ids form a total order; a higher id never means lower
// perceptual quality within the same stream kind.
const (
	QN360       = 16
	QN480       = 32
	QN720       = 64
	QN1080      = 80
	QN1080Sixty = 116

	// Highest tier the manifest endpoint will unlock per login state.
	QNMaxAnonymous = 64
	QNMaxAuthed    = 127

	// Premium audio variant ids.
	AudioDolbyID = 30250
	AudioFlacID  = 30251

	// fnval bit set requesting DASH with every optional feature flag.
	FnvalDash = 4048
)

// envelope is the common JSON wrapper of API responses; code != 0 is a
// logical failure even under HTTP 200.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// View is the canonical metadata record for one video.
type View struct {
	BVID     string `json:"bvid"`
	AID      int64  `json:"aid"`
	CID      int64  `json:"cid"`
	Title    string `json:"title"`
	Pic      string `json:"pic"`
	Desc     string `json:"desc"`
	Duration int    `json:"duration"`
	Pubdate  int64  `json:"pubdate"`
	TName    string `json:"tname"`
	Owner    Owner  `json:"owner"`
	Stat     Stat   `json:"stat"`
	Pages    []Page `json:"pages"`
}

type Owner struct {
	Mid  int64  `json:"mid"`
	Name string `json:"name"`
	Face string `json:"face"`
}

type Stat struct {
	View     int64 `json:"view"`
	Danmaku  int64 `json:"danmaku"`
	Reply    int64 `json:"reply"`
	Favorite int64 `json:"favorite"`
	Coin     int64 `json:"coin"`
	Share    int64 `json:"share"`
	Like     int64 `json:"like"`
}

type Page struct {
	CID  int64  `json:"cid"`
	Page int    `json:"page"`
	Part string `json:"part"`
}

// DefaultCID returns the content id for manifest requests: the explicit CID
// when set, else the first sub-part.
func (v *View) DefaultCID() int64 {
	if v.CID != 0 {
		return v.CID
	}
	if len(v.Pages) > 0 {
		return v.Pages[0].CID
	}
	return 0
}

// Manifest is the playurl response: DASH stream descriptors plus the legacy
// progressive list for platforms without separate streams.
type Manifest struct {
	Quality int    `json:"quality"`
	Dash    *Dash  `json:"dash"`
	Durl    []Durl `json:"durl"`
}

type Dash struct {
	Video []Stream `json:"video"`
	Audio []Stream `json:"audio"`
	Dolby Dolby    `json:"dolby"`
	Flac  *Flac    `json:"flac"`
}

type Dolby struct {
	Type  int      `json:"type"`
	Audio []Stream `json:"audio"`
}

type Flac struct {
	Display bool    `json:"display"`
	Audio   *Stream `json:"audio"`
}

// Stream describes one independently downloadable video or audio stream.
type Stream struct {
	ID        int      `json:"id"`
	BaseURL   string   `json:"baseUrl"`
	BackupURL []string `json:"backupUrl"`
	Bandwidth int64    `json:"bandwidth"`
	Codecs    string   `json:"codecs"`
	Width     int      `json:"width"`
	Height    int      `json:"height"`
	FrameRate string   `json:"frameRate"`
}

// URLs returns the primary URL followed by backups.
func (s *Stream) URLs() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, 1+len(s.BackupURL))
	if s.BaseURL != "" {
		out = append(out, s.BaseURL)
	}
	return append(out, s.BackupURL...)
}

type Durl struct {
	URL  string `json:"url"`
	Size int64  `json:"size"`
}
