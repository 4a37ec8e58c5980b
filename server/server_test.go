package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kumoworks/bilifetch/biliapi"
	"github.com/kumoworks/bilifetch/config"
	"github.com/kumoworks/bilifetch/credential"
	"github.com/kumoworks/bilifetch/crypto"
	"github.com/kumoworks/bilifetch/dedup"
	"github.com/kumoworks/bilifetch/login"
	"github.com/kumoworks/bilifetch/refresh"
	"github.com/kumoworks/bilifetch/telemetry"
	"github.com/kumoworks/bilifetch/testutil"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	os.Exit(m.Run())
}

func newHandlers(t *testing.T, upstream *testutil.MockBiliServer) *Handlers {
	t.Helper()
	enc, err := crypto.NewAESEncryptor(bytes.Repeat([]byte{9}, 32))
	if err != nil {
		t.Fatalf("NewAESEncryptor() error = %v", err)
	}
	store := credential.NewStore(filepath.Join(t.TempDir(), "credential.json"), enc)
	client := &biliapi.Client{BaseURL: upstream.URL, PassportURL: upstream.URL, WWWURL: upstream.URL, Store: store}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &Handlers{
		Config: &config.Config{
			DataDir:    t.TempDir(),
			SendMode:   config.SendMetadata,
			FFmpegPath: filepath.Join(t.TempDir(), "no-ffmpeg"),
		},
		Store:     store,
		Cache:     dedup.New(time.Minute, 16),
		Login:     login.NewManager(client, store),
		Refresher: &refresh.Refresher{Client: client, Store: store, Key: &key.PublicKey},
	}
}

func serve(t *testing.T, h *Handlers) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := httptest.NewServer(NewMux(ctx, h))
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestHealthz(t *testing.T) {
	srv := serve(t, newHandlers(t, testutil.NewMockBiliServer(t)))
	var body map[string]string
	resp := getJSON(t, srv.URL+"/healthz", &body)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("healthz = %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Correlation-ID") == "" {
		t.Error("missing correlation id header")
	}
}

func TestReadyz_ReportsMuxerAvailability(t *testing.T) {
	h := newHandlers(t, testutil.NewMockBiliServer(t))
	srv := serve(t, h)

	var body map[string]any
	resp := getJSON(t, srv.URL+"/readyz", &body)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz with writable dir = %d", resp.StatusCode)
	}
	if got, ok := body["ffmpeg"].(bool); !ok || got {
		t.Errorf("ffmpeg availability = %v, want false", body["ffmpeg"])
	}
}

func TestStatus_LoginState(t *testing.T) {
	h := newHandlers(t, testutil.NewMockBiliServer(t))
	srv := serve(t, h)

	var body map[string]any
	getJSON(t, srv.URL+"/status", &body)
	if body["logged_in"] != false {
		t.Errorf("logged_in = %v, want false", body["logged_in"])
	}

	if err := h.Store.Set(credential.Credential{
		SESSDATA: "s", BiliJCT: "j", DedeUserID: 77, RefreshToken: "t", SavedAt: time.Now(),
	}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	body = nil
	getJSON(t, srv.URL+"/status", &body)
	if body["logged_in"] != true {
		t.Errorf("logged_in after Set = %v, want true", body["logged_in"])
	}
	if body["dede_user_id"] != float64(77) {
		t.Errorf("dede_user_id = %v", body["dede_user_id"])
	}
}

func TestAdminLoginFlow(t *testing.T) {
	upstream := testutil.NewMockBiliServer(t)
	upstream.MockQRGenerate("https://example.invalid/scan", "k1")
	upstream.MockQRPoll(biliapi.QRCodeWaiting, "", "")
	srv := serve(t, newHandlers(t, upstream))

	resp, err := http.Post(srv.URL+"/admin/login/start", "application/json", nil)
	if err != nil {
		t.Fatalf("POST login/start: %v", err)
	}
	var start map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&start); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || start["url"] == "" {
		t.Fatalf("login/start = %d %v", resp.StatusCode, start)
	}

	var poll map[string]string
	getJSON(t, srv.URL+"/admin/login/poll", &poll)
	if poll["state"] != "waiting" {
		t.Errorf("poll state = %q, want waiting", poll["state"])
	}
}

func TestAdminLoginPoll_NoSession(t *testing.T) {
	srv := serve(t, newHandlers(t, testutil.NewMockBiliServer(t)))
	resp := getJSON(t, srv.URL+"/admin/login/poll", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("poll without session = %d, want 404", resp.StatusCode)
	}
}

func TestAdminLogout(t *testing.T) {
	h := newHandlers(t, testutil.NewMockBiliServer(t))
	if err := h.Store.Set(credential.Credential{
		SESSDATA: "s", BiliJCT: "j", DedeUserID: 1, SavedAt: time.Now(),
	}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	srv := serve(t, h)

	resp, err := http.Post(srv.URL+"/admin/logout", "application/json", nil)
	if err != nil {
		t.Fatalf("POST logout: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout = %d", resp.StatusCode)
	}
	if h.Store.Usable() {
		t.Error("credential survived logout")
	}
}

func TestAdminAuth_TokenRequired(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "secret-token")
	srv := serve(t, newHandlers(t, testutil.NewMockBiliServer(t)))

	resp, err := http.Post(srv.URL+"/admin/logout", "application/json", nil)
	if err != nil {
		t.Fatalf("POST logout: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated admin request = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/admin/logout", nil)
	req.Header.Set("X-Admin-Token", "secret-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST logout with token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated admin request = %d, want 200", resp.StatusCode)
	}

	// Non-admin routes stay open.
	if resp := getJSON(t, srv.URL+"/healthz", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("healthz behind auth = %d, want 200", resp.StatusCode)
	}
}

func TestRateLimit_AdminEndpoints(t *testing.T) {
	t.Setenv("RATE_LIMIT_REQUESTS_PER_IP", "3")
	srv := serve(t, newHandlers(t, testutil.NewMockBiliServer(t)))

	var last int
	for i := 0; i < 5; i++ {
		resp := getJSON(t, srv.URL+"/admin/login/poll", nil)
		last = resp.StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("5th admin request = %d, want 429", last)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := serve(t, newHandlers(t, testutil.NewMockBiliServer(t)))
	resp := getJSON(t, srv.URL+"/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics = %d", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := serve(t, newHandlers(t, testutil.NewMockBiliServer(t)))
	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/status", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight = %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") == "" {
		t.Error("preflight missing CORS headers")
	}
}
