package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/sshxd/sshxd/internal/dashboard"
	"github.com/sshxd/sshxd/internal/dispatcher"
	"github.com/sshxd/sshxd/internal/store"
	"github.com/sshxd/sshxd/internal/supervisor"
)

func newTestServer(t *testing.T, dashboardKey string) (*Server, *httptest.Server) {
	t.Helper()
	st := store.NewMemStore()
	t.Cleanup(func() { st.Close() })
	d := dispatcher.New(st, supervisor.DefaultConfig(), nil, "")
	s := New(d, dashboard.New(st), dashboardKey, nil)
	srv := httptest.NewServer(s.Mux())
	t.Cleanup(srv.Close)
	return s, srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestOpenThenClose(t *testing.T) {
	_, srv := newTestServer(t, "")

	resp := postJSON(t, srv.URL+"/api/open", map[string]any{
		"origin":          "https://example.test",
		"encrypted_zeros": make([]int, 16),
		"name":            "open-close-test1",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("open: got status %d", resp.StatusCode)
	}
	var opened openResponse
	if err := json.NewDecoder(resp.Body).Decode(&opened); err != nil {
		t.Fatalf("decoding open response: %v", err)
	}
	if opened.Name != "open-close-test1" || opened.Token == "" {
		t.Fatalf("got %+v", opened)
	}

	closeResp := postJSON(t, srv.URL+"/api/close", closeRequest{Name: opened.Name, Token: opened.Token})
	defer closeResp.Body.Close()
	var result map[string]any
	if err := json.NewDecoder(closeResp.Body).Decode(&result); err != nil {
		t.Fatalf("decoding close response: %v", err)
	}
	if ok, _ := result["ok"].(bool); !ok {
		t.Fatalf("expected ok:true, got %+v", result)
	}
}

func TestOpenDuplicateNameConflict(t *testing.T) {
	_, srv := newTestServer(t, "")

	body := map[string]any{"origin": "x", "encrypted_zeros": make([]int, 16), "name": "dup-http-test1"}
	first := postJSON(t, srv.URL+"/api/open", body)
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first open: got status %d", first.StatusCode)
	}

	second := postJSON(t, srv.URL+"/api/open", body)
	defer second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("second open: got status %d, want 409", second.StatusCode)
	}
}

func TestCloseBadTokenReportsNotOK(t *testing.T) {
	_, srv := newTestServer(t, "")
	body := map[string]any{"origin": "x", "encrypted_zeros": make([]int, 16), "name": "bad-token-http-1"}
	opened := postJSON(t, srv.URL+"/api/open", body)
	opened.Body.Close()

	resp := postJSON(t, srv.URL+"/api/close", closeRequest{Name: "bad-token-http-1", Token: "wrong"})
	defer resp.Body.Close()
	var result map[string]any
	json.NewDecoder(resp.Body).Decode(&result)
	if ok, _ := result["ok"].(bool); ok {
		t.Fatalf("expected ok:false for bad token, got %+v", result)
	}
}

func TestListSessionsRequiresDashboardKey(t *testing.T) {
	_, srv := newTestServer(t, "topsecret")

	resp, err := http.Get(srv.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 401", resp.StatusCode)
	}

	resp2, err := http.Get(srv.URL + "/api/sessions?dashboardKey=topsecret")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp2.StatusCode)
	}
}

func TestListSessionsIncludesOpened(t *testing.T) {
	_, srv := newTestServer(t, "")
	body := map[string]any{"origin": "x", "encrypted_zeros": make([]int, 16), "name": "listed-session-1"}
	opened := postJSON(t, srv.URL+"/api/open", body)
	opened.Body.Close()

	resp, err := http.Get(srv.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var result struct {
		Sessions []sessionSummary `json:"sessions"`
		Total    int              `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Total != 1 || result.Sessions[0].Name != "listed-session-1" {
		t.Fatalf("got %+v", result)
	}
}

func TestDashboardRegisterThenListed(t *testing.T) {
	_, srv := newTestServer(t, "")
	body := map[string]any{"origin": "x", "encrypted_zeros": make([]int, 16), "name": "dash-listed-1"}
	opened := postJSON(t, srv.URL+"/api/open", body)
	opened.Body.Close()

	reg := postJSON(t, srv.URL+"/api/dashboards/register", dashboardRegisterRequest{
		SessionName: "dash-listed-1",
		URL:         "https://dash.example/dash-listed-1",
		DisplayName: "My Dashboard",
	})
	defer reg.Body.Close()
	if reg.StatusCode != http.StatusOK {
		t.Fatalf("register: got status %d", reg.StatusCode)
	}
	var regResult map[string]string
	json.NewDecoder(reg.Body).Decode(&regResult)
	if regResult["dashboardKey"] == "" {
		t.Fatalf("expected non-empty dashboardKey, got %+v", regResult)
	}

	resp, err := http.Get(srv.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var result struct {
		Sessions []sessionSummary `json:"sessions"`
	}
	json.NewDecoder(resp.Body).Decode(&result)
	if len(result.Sessions) != 1 || result.Sessions[0].Dashboard == nil {
		t.Fatalf("expected dashboard info attached, got %+v", result.Sessions)
	}
	if result.Sessions[0].Dashboard.URL != "https://dash.example/dash-listed-1" {
		t.Fatalf("got dashboard %+v", result.Sessions[0].Dashboard)
	}
}

// dialWS opens a WebSocket to path and returns it; callers are
// responsible for CloseNow().
func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	wsURL := "ws" + srv.URL[len("http"):] + path
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame []any) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) []json.RawMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return frame
}

func frameTag(t *testing.T, frame []json.RawMessage) string {
	t.Helper()
	var tag string
	if err := json.Unmarshal(frame[0], &tag); err != nil {
		t.Fatalf("unmarshal tag: %v", err)
	}
	return tag
}

// TestEndToEndHostOutputReachesViewer exercises the open -> host attach
// -> shell create -> host data -> viewer authenticate -> viewer
// receives chunk path (§8 "A host opens a session... types `echo
// hi`... the browser displays it").
func TestEndToEndHostOutputReachesViewer(t *testing.T) {
	_, srv := newTestServer(t, "")

	zeros := make([]int, 16)
	opened := postJSON(t, srv.URL+"/api/open", map[string]any{
		"origin":          "https://example.test",
		"encrypted_zeros": zeros,
		"name":            "e2e-echo-1",
	})
	var openResp openResponse
	json.NewDecoder(opened.Body).Decode(&openResp)
	opened.Body.Close()

	host := dialWS(t, srv, "/api/cli/e2e-echo-1")
	defer host.CloseNow()
	writeFrame(t, host, []any{"Hello", openResp.Name + "," + openResp.Token})
	sync := readFrame(t, host)
	if tag := frameTag(t, sync); tag != "Sync" {
		t.Fatalf("got host hello reply tag %q, want Sync", tag)
	}

	writeFrame(t, host, []any{"CreatedShell", 1, 0.0, 0.0})
	writeFrame(t, host, []any{"Data", 1, 0, []int{104, 105}}) // "hi"

	viewer := dialWS(t, srv, "/api/s/e2e-echo-1")
	defer viewer.CloseNow()
	writeFrame(t, viewer, []any{"Authenticate", zeros, nil})
	hello := readFrame(t, viewer)
	if tag := frameTag(t, hello); tag != "Hello" {
		t.Fatalf("got viewer hello tag %q, want Hello", tag)
	}

	shellID := uint32(1)
	writeFrame(t, viewer, []any{"Subscribe", shellID, 0})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frame := readFrame(t, viewer)
		if frameTag(t, frame) == "Chunks" {
			var bytes []byte
			if err := json.Unmarshal(frame[3], &bytes); err != nil {
				t.Fatalf("unmarshal chunk bytes: %v", err)
			}
			if string(bytes) == "hi" {
				return
			}
		}
	}
	t.Fatalf("did not observe host output echoed to viewer before deadline")
}

// TestEndToEndViewerInputReachesHost exercises write-access viewer
// keystrokes being forwarded to the host stream (§4.4 "Input").
func TestEndToEndViewerInputReachesHost(t *testing.T) {
	_, srv := newTestServer(t, "")

	zeros := make([]int, 16)
	opened := postJSON(t, srv.URL+"/api/open", map[string]any{
		"origin":          "https://example.test",
		"encrypted_zeros": zeros,
		"name":            "e2e-input-1",
	})
	var openResp openResponse
	json.NewDecoder(opened.Body).Decode(&openResp)
	opened.Body.Close()

	host := dialWS(t, srv, "/api/cli/e2e-input-1")
	defer host.CloseNow()
	writeFrame(t, host, []any{"Hello", openResp.Name + "," + openResp.Token})
	readFrame(t, host) // Sync
	writeFrame(t, host, []any{"CreatedShell", 7, 0.0, 0.0})

	viewer := dialWS(t, srv, "/api/s/e2e-input-1")
	defer viewer.CloseNow()
	writeFrame(t, viewer, []any{"Authenticate", zeros, nil})
	readFrame(t, viewer) // Hello

	writeFrame(t, viewer, []any{"Data", 7, []int{108, 115}}) // "ls"

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frame := readFrame(t, host)
		if frameTag(t, frame) == "Input" {
			var bytes []byte
			if err := json.Unmarshal(frame[3], &bytes); err != nil {
				t.Fatalf("unmarshal input bytes: %v", err)
			}
			if string(bytes) == "ls" {
				return
			}
		}
	}
	t.Fatalf("did not observe viewer input forwarded to host before deadline")
}

func TestHostAttachRejectsBadToken(t *testing.T) {
	_, srv := newTestServer(t, "")
	body := map[string]any{"origin": "x", "encrypted_zeros": make([]int, 16), "name": "host-attach-bad-1"}
	opened := postJSON(t, srv.URL+"/api/open", body)
	opened.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	wsURL := "ws" + srv.URL[len("http"):] + "/api/cli/host-attach-bad-1"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	hello, _ := json.Marshal([]any{"Hello", "host-attach-bad-1,wrong-token"})
	if err := conn.Write(ctx, websocket.MessageText, hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	var tag string
	if err := json.Unmarshal(frame[0], &tag); err != nil {
		t.Fatalf("unmarshal tag: %v", err)
	}
	if tag != "Error" {
		t.Fatalf("got tag %q, want Error", tag)
	}
}
