package portal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"palpable"
	"palpable/claim"
	"palpable/connectivity"
	"palpable/internal/clocksync"
	"palpable/settings"
)

type fakeConn struct {
	mu       sync.Mutex
	status   connectivity.Status
	nets     []palpable.Network
	connects []palpable.DeviceSettings
	err      error
	ctxErr   error
}

func (f *fakeConn) Status() connectivity.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeConn) Scan(context.Context) []palpable.Network {
	if f.nets == nil {
		return []palpable.Network{}
	}
	return f.nets
}

func (f *fakeConn) Connect(ctx context.Context, s palpable.DeviceSettings) (connectivity.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, s)
	f.ctxErr = ctx.Err()
	if f.err != nil {
		f.status.State = palpable.APMode
		return f.status, f.err
	}
	f.status = connectivity.Status{State: palpable.ClientConnected, IP: "192.168.1.23", SSID: s.WifiSSID}
	return f.status, nil
}

type fakeRegistry struct {
	mu    sync.Mutex
	calls int
	err   error
	code  string
}

func (r *fakeRegistry) Claim(context.Context, string, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

func (r *fakeRegistry) RequestCode(context.Context, string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.code, r.err
}

type fakeUpdates struct{ info palpable.UpdateInfo }

func (f fakeUpdates) CurrentVersion() string      { return f.info.CurrentVersion }
func (f fakeUpdates) Status() palpable.UpdateInfo { return f.info }

type fakeClock struct{ st clocksync.Status }

func (f fakeClock) Status() clocksync.Status { return f.st }

type harness struct {
	conn     *fakeConn
	store    *settings.Store
	registry *fakeRegistry
	srv      *Server
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		conn: &fakeConn{status: connectivity.Status{
			State:  palpable.APMode,
			IP:     "192.168.4.1",
			MAC:    "b8:27:eb:12:ab:cd",
			APSSID: "Palpable-ABCD",
		}},
		store:    settings.NewStore(filepath.Join(t.TempDir(), "palpable.conf")),
		registry: &fakeRegistry{code: "123456"},
	}
	wf := claim.New(h.registry, nil, "b827eb12abcd")
	base := []Option{
		WithClaim(wf),
		WithUpdates(fakeUpdates{info: palpable.NewUpdateInfo("1.0.0", "1.1.0")}),
	}
	h.srv = New(h.conn, h.store, append(base, opts...)...)
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestDeviceInfo_HotspotMode(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/device-info", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	raw := decodeBody[map[string]string](t, rec)
	want := map[string]string{
		"deviceId":   "b827eb12abcd",
		"deviceName": "palpable",
		"version":    "1.0.0",
		"ip":         "192.168.4.1",
		"mac":        "b8:27:eb:12:ab:cd",
		"wifiMode":   "hotspot",
		"wifiSsid":   "Palpable-ABCD",
	}
	for k, v := range want {
		if raw[k] != v {
			t.Errorf("%s = %q, want %q", k, raw[k], v)
		}
	}
}

func TestScan_EmptyIsArray(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/wifi/scan", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("body = %s, want []", got)
	}
}

func TestScan_ListsNetworks(t *testing.T) {
	h := newHarness(t)
	h.conn.nets = []palpable.Network{{SSID: "Home", Signal: 80}, {SSID: "Cafe", Signal: 30}}

	got := decodeBody[[]map[string]any](t, h.do(t, http.MethodGet, "/api/wifi/scan", ""))
	if len(got) != 2 || got[0]["ssid"] != "Home" || got[0]["signal"] != float64(80) {
		t.Errorf("scan = %v", got)
	}
}

func TestConnect_SavesAndConnects(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/wifi/connect", `{"ssid":" Home ","password":"hunter2hunter2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	resp := decodeBody[connectResponse](t, rec)
	if !resp.Success || resp.IP != "192.168.1.23" {
		t.Errorf("response = %+v", resp)
	}
	if got := h.store.Current(); got.WifiSSID != "Home" || got.WifiPassword != "hunter2hunter2" {
		t.Errorf("saved settings = %+v", got)
	}
	reloaded := settings.NewStore(h.store.Path()).Load()
	if reloaded.WifiSSID != "Home" {
		t.Errorf("persisted ssid = %q, want Home", reloaded.WifiSSID)
	}
	if len(h.conn.connects) != 1 || h.conn.connects[0].WifiSSID != "Home" {
		t.Errorf("connects = %+v", h.conn.connects)
	}
}

func TestConnect_SurvivesClientDisconnect(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/wifi/connect", strings.NewReader(`{"ssid":"Home","password":""}`)).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)

	if h.conn.ctxErr != nil {
		t.Errorf("connect context err = %v, want live context", h.conn.ctxErr)
	}
}

func TestConnect_Validation(t *testing.T) {
	tests := map[string]string{
		"empty ssid":     `{"ssid":"  ","password":"hunter2hunter2"}`,
		"short password": `{"ssid":"Home","password":"short"}`,
		"long password":  `{"ssid":"Home","password":"` + strings.Repeat("p", 64) + `"}`,
		"bad json":       `{"ssid":`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			rec := h.do(t, http.MethodPost, "/api/wifi/connect", body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if resp := decodeBody[connectResponse](t, rec); resp.Success || resp.Error == "" {
				t.Errorf("response = %+v", resp)
			}
			if len(h.conn.connects) != 0 {
				t.Error("connect attempted for invalid input")
			}
		})
	}
}

func TestConnect_Failures(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{palpable.ErrAssociationTimeout, http.StatusOK},
		{palpable.ErrTransitionBusy, http.StatusConflict},
		{palpable.ErrWirelessUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			h := newHarness(t)
			h.conn.err = tt.err
			rec := h.do(t, http.MethodPost, "/api/wifi/connect", `{"ssid":"Home","password":"hunter2hunter2"}`)
			if rec.Code != tt.code {
				t.Errorf("status = %d, want %d", rec.Code, tt.code)
			}
			resp := decodeBody[connectResponse](t, rec)
			if resp.Success || resp.Error == "" || resp.IP != "" {
				t.Errorf("response = %+v", resp)
			}
		})
	}
}

func TestClaim_InvalidCodeMakesNoNetworkCall(t *testing.T) {
	h := newHarness(t)

	for _, code := range []string{"12345", "abcdef", "1234567", ""} {
		rec := h.do(t, http.MethodPost, "/api/claim", `{"code":"`+code+`","deviceId":"b827eb12abcd"}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("code %q: status = %d, want 400", code, rec.Code)
		}
	}
	if h.registry.calls != 0 {
		t.Errorf("registry calls = %d, want 0", h.registry.calls)
	}
}

func TestClaim_SuccessThenRepeat(t *testing.T) {
	h := newHarness(t)

	for i := range 2 {
		rec := h.do(t, http.MethodPost, "/api/claim", `{"code":"123456","deviceId":"b827eb12abcd"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("attempt %d: status = %d, body %s", i, rec.Code, rec.Body)
		}
		if resp := decodeBody[result](t, rec); !resp.Success {
			t.Errorf("attempt %d: response = %+v", i, resp)
		}
	}
	if h.registry.calls != 1 {
		t.Errorf("registry calls = %d, want 1", h.registry.calls)
	}

	session := decodeBody[palpable.ClaimSession](t, h.do(t, http.MethodGet, "/api/claim", ""))
	if !session.Claimed || session.DeviceID != "b827eb12abcd" {
		t.Errorf("session = %+v", session)
	}
}

func TestClaim_ErrorsMapToMessages(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{palpable.ErrClaimRejected, http.StatusUnprocessableEntity},
		{palpable.ErrRegistryUnreachable, http.StatusBadGateway},
		{palpable.ErrRegistryServer, http.StatusBadGateway},
	}
	seen := map[string]bool{}
	for _, tt := range tests {
		h := newHarness(t)
		h.registry.err = tt.err
		rec := h.do(t, http.MethodPost, "/api/claim", `{"code":"123456"}`)
		if rec.Code != tt.code {
			t.Errorf("%v: status = %d, want %d", tt.err, rec.Code, tt.code)
		}
		resp := decodeBody[result](t, rec)
		if resp.Success || resp.Error == "" {
			t.Errorf("%v: response = %+v", tt.err, resp)
		}
		seen[resp.Error] = true
	}
	if len(seen) != len(tests) {
		t.Errorf("messages not distinct: %v", seen)
	}
}

func TestClaimCode(t *testing.T) {
	h := newHarness(t)

	resp := decodeBody[result](t, h.do(t, http.MethodPost, "/api/claim/code", ""))
	if !resp.Success || resp.Code != "123456" {
		t.Errorf("response = %+v", resp)
	}
}

func TestUpdate(t *testing.T) {
	h := newHarness(t)

	info := decodeBody[palpable.UpdateInfo](t, h.do(t, http.MethodGet, "/api/update", ""))
	if !info.UpdateAvailable || info.LatestVersion != "1.1.0" {
		t.Errorf("update = %+v", info)
	}
}

func TestReboot_AcknowledgesOnce(t *testing.T) {
	calls := make(chan struct{}, 2)
	h := newHarness(t, WithReboot(func() { calls <- struct{}{} }))

	for range 2 {
		rec := h.do(t, http.MethodPost, "/api/reboot", "")
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status = %d, want 202", rec.Code)
		}
	}
	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("reboot not scheduled")
	}
	select {
	case <-calls:
		t.Error("reboot scheduled twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHealth_IncludesClock(t *testing.T) {
	h := newHarness(t, WithClock(fakeClock{st: clocksync.Status{Phase: clocksync.Healthy, Offset: 12 * time.Millisecond}}))

	raw := decodeBody[map[string]any](t, h.do(t, http.MethodGet, "/health", ""))
	if raw["status"] != "ok" || raw["state"] != "ap_mode" {
		t.Errorf("health = %v", raw)
	}
	clock, ok := raw["clock"].(map[string]any)
	if !ok || clock["phase"] != "healthy" || clock["offsetMs"] != float64(12) {
		t.Errorf("clock = %v", raw["clock"])
	}
}

func TestCaptiveProbesRedirect(t *testing.T) {
	h := newHarness(t)

	for _, path := range []string{"/generate_204", "/hotspot-detect.html", "/connecttest.txt", "/ncsi.txt", "/canonical.html"} {
		rec := h.do(t, http.MethodGet, path, "")
		if rec.Code != http.StatusFound {
			t.Errorf("%s: status = %d, want 302", path, rec.Code)
		}
		if loc := rec.Header().Get("Location"); loc != "http://192.168.4.1/" {
			t.Errorf("%s: location = %q", path, loc)
		}
	}
}

func TestServesEmbeddedUI(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Palpable setup") {
		t.Errorf("status = %d, body starts %.60q", rec.Code, rec.Body.String())
	}
}

func TestStartAndShutdown(t *testing.T) {
	h := newHarness(t, WithListen("127.0.0.1:0"))

	if err := h.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Get("http://" + h.srv.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if err := h.srv.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if err := h.srv.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}
