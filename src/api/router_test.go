package api

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	jsoniter "github.com/json-iterator/go"

	"github.com/kerpopule/terminal-tunnel/src/handler/proxy"
	"github.com/kerpopule/terminal-tunnel/src/handler/terminal"
	"github.com/kerpopule/terminal-tunnel/src/handler/ws"
	"github.com/kerpopule/terminal-tunnel/src/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()

	tabs, err := store.NewTabStore(dir)
	if err != nil {
		t.Fatalf("tabs: %v", err)
	}
	settings, err := store.NewSettingsStore(dir)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	favorites, err := store.NewCollectionStore(dir, "favorites.json")
	if err != nil {
		t.Fatalf("favorites: %v", err)
	}
	commands, err := store.NewCollectionStore(dir, "commands.json")
	if err != nil {
		t.Fatalf("commands: %v", err)
	}

	adapter := ws.NewAdapter(tabs, favorites, commands)
	hub := terminal.NewHub(terminal.HubConfig{Shell: "/bin/sh"}, adapter)
	adapter.BindHub(hub)
	t.Cleanup(hub.Shutdown)

	return SetupRouter(Deps{
		Adapter:               adapter,
		Preview:               proxy.NewPreview(0),
		Tabs:                  tabs,
		Settings:              settings,
		Favorites:             favorites,
		Commands:              commands,
		OwnPort:               3456,
		DisableRequestLogging: true,
	})
}

func doRequest(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	r := newTestRouter(t)

	rec := doRequest(r, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status    string `json:"status"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Timestamp == 0 {
		t.Errorf("health body = %+v", body)
	}
}

func TestPinSettingsRoundTrip(t *testing.T) {
	r := newTestRouter(t)

	rec := doRequest(r, http.MethodGet, "/api/pin-settings", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rec.Code)
	}

	hash := strings.Repeat("a1", 32)
	rec = doRequest(r, http.MethodPut, "/api/pin-settings",
		fmt.Sprintf(`{"pinEnabled":true,"pinHash":%q,"themeName":"dark"}`, hash))
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT status = %d body=%s", rec.Code, rec.Body.String())
	}

	var settings store.PinSettings
	rec = doRequest(r, http.MethodGet, "/api/pin-settings", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &settings); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !settings.PinEnabled || settings.PinHash == nil || *settings.PinHash != hash {
		t.Errorf("settings = %+v", settings)
	}
	if settings.ThemeName == nil || *settings.ThemeName != "dark" {
		t.Errorf("theme = %v", settings.ThemeName)
	}
}

func TestPinSettingsRejectsBadHash(t *testing.T) {
	r := newTestRouter(t)

	rec := doRequest(r, http.MethodPut, "/api/pin-settings",
		`{"pinEnabled":true,"pinHash":"nope"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestTabsCRUD(t *testing.T) {
	r := newTestRouter(t)

	rec := doRequest(r, http.MethodPost, "/api/tabs", `{"name":"builds"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("add status = %d", rec.Code)
	}
	var file store.TabsFile
	if err := json.Unmarshal(rec.Body.Bytes(), &file); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(file.Tabs) != 2 {
		t.Fatalf("tab count = %d", len(file.Tabs))
	}
	added := file.Tabs[1]

	rec = doRequest(r, http.MethodPut, "/api/tabs/"+added.ID, `{"name":"ci"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("rename status = %d", rec.Code)
	}

	rec = doRequest(r, http.MethodDelete, "/api/tabs/"+added.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("remove status = %d", rec.Code)
	}

	rec = doRequest(r, http.MethodDelete, "/api/tabs/"+added.ID, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("double remove status = %d, want 404", rec.Code)
	}
}

func TestFavoritesAndCommands(t *testing.T) {
	r := newTestRouter(t)

	for _, path := range []string{"/api/favorites", "/api/commands"} {
		rec := doRequest(r, http.MethodPut, path, `{"items":[{"label":"x"}]}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("PUT %s status = %d", path, rec.Code)
		}
		rec = doRequest(r, http.MethodGet, path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, rec.Code)
		}
		var file store.CollectionFile
		if err := json.Unmarshal(rec.Body.Bytes(), &file); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
		if len(file.Items) != 1 {
			t.Errorf("%s item count = %d", path, len(file.Items))
		}
	}
}

func TestKillPortGuards(t *testing.T) {
	r := newTestRouter(t)

	t.Run("OwnPort", func(t *testing.T) {
		rec := doRequest(r, http.MethodPost, "/api/kill-port/3456", "")
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rec.Code)
		}
	})

	t.Run("PrivilegedPort", func(t *testing.T) {
		rec := doRequest(r, http.MethodPost, "/api/kill-port/80", "")
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rec.Code)
		}
	})

	t.Run("InvalidPort", func(t *testing.T) {
		rec := doRequest(r, http.MethodPost, "/api/kill-port/zzz", "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("NoListener", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		port := l.Addr().(*net.TCPAddr).Port
		l.Close()

		rec := doRequest(r, http.MethodPost, fmt.Sprintf("/api/kill-port/%d", port), "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func TestPreviewInvalidPort(t *testing.T) {
	r := newTestRouter(t)

	rec := doRequest(r, http.MethodGet, "/preview/99999/index.html", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestPreviewUpstreamDownStillServing(t *testing.T) {
	r := newTestRouter(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	rec := doRequest(r, http.MethodGet, fmt.Sprintf("/preview/%d/", port), "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), fmt.Sprintf("localhost:%d", port)) {
		t.Errorf("502 body does not name target: %s", rec.Body.String())
	}

	// The daemon must keep serving after a proxy failure.
	rec = doRequest(r, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("daemon unhealthy after proxy failure: %d", rec.Code)
	}
}

func TestAbsolutePrefixWithoutPreview(t *testing.T) {
	r := newTestRouter(t)

	rec := doRequest(r, http.MethodGet, "/@vite/client", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "No active preview") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestOptionsPreflightShortCircuits(t *testing.T) {
	r := newTestRouter(t)

	rec := doRequest(r, http.MethodOptions, "/preview/5173/", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS origin = %q", got)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	r := newTestRouter(t)

	rec := doRequest(r, http.MethodGet, "/definitely/not/a/route", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRedactSecrets(t *testing.T) {
	cases := map[string]string{
		"/api/tabs":                      "/api/tabs",
		"/ws?token=supersecret":          "/ws?token=%5BREDACTED%5D",
		"/preview/5173/?page=2":          "/preview/5173/?page=2",
		"/api/pin-settings?pin=1234":     "/api/pin-settings?pin=%5BREDACTED%5D",
		"/x?auth=abc&safe=1":             "/x?auth=%5BREDACTED%5D&safe=1",
	}
	for in, want := range cases {
		if got := redactSecrets(in); got != want {
			t.Errorf("redactSecrets(%q) = %q, want %q", in, got, want)
		}
	}
}
