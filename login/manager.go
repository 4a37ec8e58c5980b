// Package login drives the QR login flow. A Manager holds at most one
// outstanding challenge; starting a new one discards the previous challenge,
// and polling an expired one never touches the network.
package login

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/kumoworks/bilifetch/biliapi"
	"github.com/kumoworks/bilifetch/credential"
	"github.com/kumoworks/bilifetch/telemetry"
)

// Status is the caller-facing state of an outstanding challenge.
type Status int

const (
	StatusWaiting Status = iota // generated, not yet scanned
	StatusScanned               // scanned, awaiting confirmation on the phone
	StatusExpired               // challenge dead, Begin again
	StatusSucceeded
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusScanned:
		return "scanned"
	case StatusExpired:
		return "expired"
	case StatusSucceeded:
		return "succeeded"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ErrNoSession means Poll was called with no challenge outstanding.
var ErrNoSession = errors.New("no login session in progress")

// challengeTTL matches the remote QR validity window.
const challengeTTL = 180 * time.Second

type session struct {
	key     string
	url     string
	started time.Time
}

// Manager owns the single login session and persists the credential on
// success.
type Manager struct {
	client *biliapi.Client
	store  *credential.Store

	mu  sync.Mutex
	cur *session

	now func() time.Time // test hook
}

func NewManager(client *biliapi.Client, store *credential.Store) *Manager {
	return &Manager{client: client, store: store, now: time.Now}
}

// Begin generates a fresh challenge, replacing any outstanding one, and
// returns the URL to render as a QR code.
func (m *Manager) Begin(ctx context.Context) (string, error) {
	ch, err := m.client.QRGenerate(ctx)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.cur = &session{key: ch.Key, url: ch.URL, started: m.now()}
	m.mu.Unlock()
	return ch.URL, nil
}

// Poll checks the outstanding challenge. A session older than the QR validity
// window reports StatusExpired without a remote call. On success the credential
// is parsed from the redirect URL, persisted, and the session cleared.
func (m *Manager) Poll(ctx context.Context) (Status, error) {
	m.mu.Lock()
	cur := m.cur
	m.mu.Unlock()
	if cur == nil {
		return StatusExpired, ErrNoSession
	}
	if m.now().Sub(cur.started) > challengeTTL {
		m.clear(cur)
		return StatusExpired, nil
	}

	res, err := m.client.QRPoll(ctx, cur.key)
	if err != nil {
		return StatusWaiting, err
	}
	switch res.Code {
	case biliapi.QRCodeWaiting:
		return StatusWaiting, nil
	case biliapi.QRCodeScanned:
		return StatusScanned, nil
	case biliapi.QRCodeExpired:
		m.clear(cur)
		return StatusExpired, nil
	case biliapi.QRCodeSucceeded:
		cred, err := credentialFromRedirect(res.URL, res.RefreshToken)
		if err != nil {
			m.clear(cur)
			return StatusExpired, fmt.Errorf("login succeeded but credential unreadable: %w", err)
		}
		if err := m.store.Set(cred); err != nil {
			return StatusSucceeded, fmt.Errorf("persist credential: %w", err)
		}
		m.clear(cur)
		telemetry.QRLogins.Inc()
		telemetry.SetLoggedIn(true)
		return StatusSucceeded, nil
	default:
		return StatusWaiting, fmt.Errorf("unexpected qr poll code %d", res.Code)
	}
}

// clear drops the session only if it is still the one we acted on.
func (m *Manager) clear(s *session) {
	m.mu.Lock()
	if m.cur == s {
		m.cur = nil
	}
	m.mu.Unlock()
}

// credentialFromRedirect extracts the cookie values the success redirect
// carries in its query string.
func credentialFromRedirect(raw, refreshToken string) (credential.Credential, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return credential.Credential{}, fmt.Errorf("parse redirect url: %w", err)
	}
	q := u.Query()
	c := credential.Credential{
		SESSDATA:     q.Get("SESSDATA"),
		BiliJCT:      q.Get("bili_jct"),
		RefreshToken: refreshToken,
		SavedAt:      time.Now(),
	}
	if mid := q.Get("DedeUserID"); mid != "" {
		id, err := strconv.ParseInt(mid, 10, 64)
		if err != nil {
			return credential.Credential{}, fmt.Errorf("parse DedeUserID %q: %w", mid, err)
		}
		c.DedeUserID = id
	}
	if !c.Usable() {
		return credential.Credential{}, errors.New("redirect url missing cookie values")
	}
	return c, nil
}
