// Package testutil provides HTTP fakes shared by tests across packages.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockBiliServer mocks the Bilibili API/passport/page hosts behind one
// httptest server; tests point every Client base URL at it.
type MockBiliServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockBiliServer creates a mock upstream. Unregistered paths return 404.
func NewMockBiliServer(t *testing.T) *MockBiliServer {
	t.Helper()
	m := &MockBiliServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Envelope writes the standard {code,message,data} wrapper.
func Envelope(w http.ResponseWriter, code int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":    code,
		"message": message,
		"data":    data,
	})
}

// MockView registers a metadata response for /x/web-interface/view.
func (m *MockBiliServer) MockView(data map[string]any) {
	m.Handlers["/x/web-interface/view"] = func(w http.ResponseWriter, r *http.Request) {
		Envelope(w, 0, "0", data)
	}
}

// MockViewError registers a logical failure (non-zero envelope code).
func (m *MockBiliServer) MockViewError(code int, message string) {
	m.Handlers["/x/web-interface/view"] = func(w http.ResponseWriter, r *http.Request) {
		Envelope(w, code, message, nil)
	}
}

// MockPlayURL registers a manifest response for /x/player/playurl.
func (m *MockBiliServer) MockPlayURL(data map[string]any) {
	m.Handlers["/x/player/playurl"] = func(w http.ResponseWriter, r *http.Request) {
		Envelope(w, 0, "0", data)
	}
}

// MockQRGenerate registers the QR challenge endpoint.
func (m *MockBiliServer) MockQRGenerate(url, key string) {
	m.Handlers["/x/passport-login/web/qrcode/generate"] = func(w http.ResponseWriter, r *http.Request) {
		Envelope(w, 0, "0", map[string]any{"url": url, "qrcode_key": key})
	}
}

// MockQRPoll registers the QR poll endpoint with a fixed inner code.
func (m *MockBiliServer) MockQRPoll(code int, url, refreshToken string) {
	m.Handlers["/x/passport-login/web/qrcode/poll"] = func(w http.ResponseWriter, r *http.Request) {
		Envelope(w, 0, "0", map[string]any{"code": code, "url": url, "refresh_token": refreshToken})
	}
}
