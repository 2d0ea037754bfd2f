package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/bdougie/tablevis/internal/dashboard"
	"github.com/bdougie/tablevis/internal/logging/loggingtest"
	"github.com/bdougie/tablevis/internal/models"
	"github.com/bdougie/tablevis/internal/server"
	"github.com/bdougie/tablevis/internal/storage"
)

const header = "ID,Volume (\xb5m^3),Area\n"

func writeFrames(t *testing.T, dir string) {
	t.Helper()
	assert.NoError(t, os.MkdirAll(dir, 0700))
	for name, content := range map[string]string{
		"t_1.csv": header + "1,10,2\n2,20,3\n",
		"t_2.csv": header + "1,12,2\n2,22,4\n3,5,1\n",
		"t_5.csv": header + "1,100,9\n",
	} {
		assert.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0600))
	}
}

type harness struct {
	srv    *httptest.Server
	client *http.Client
	server *server.Server
}

func newHarness(t *testing.T, store storage.Storage, opts server.Options) *harness {
	t.Helper()
	s, err := server.New(loggingtest.NewForTesting(), store, opts)
	assert.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	jar, err := cookiejar.New(nil)
	assert.NoError(t, err)
	return &harness{srv: srv, client: &http.Client{Jar: jar}, server: s}
}

func (h *harness) do(t *testing.T, method, path string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, h.srv.URL+path, nil)
	assert.NoError(t, err)
	resp, err := h.client.Do(req)
	assert.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
	return resp.StatusCode, body
}

func (h *harness) snapshot(t *testing.T, method, path string) dashboard.Snapshot {
	t.Helper()
	status, body := h.do(t, method, path)
	assert.Equal(t, http.StatusOK, status, "%s", body)
	var snap dashboard.Snapshot
	assert.NoError(t, json.Unmarshal(body, &snap))
	return snap
}

func (h *harness) sessionCookie(t *testing.T) *http.Cookie {
	t.Helper()
	u, err := url.Parse(h.srv.URL)
	assert.NoError(t, err)
	for _, c := range h.client.Jar.Cookies(u) {
		if c.Name == "tablevis_session" {
			return c
		}
	}
	t.Fatal("no session cookie")
	return nil
}

func decodeError(t *testing.T, body []byte) map[string]string {
	t.Helper()
	out := map[string]string{}
	assert.NoError(t, json.Unmarshal(body, &out))
	return out
}

func dataHarness(t *testing.T) (*harness, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "run_a")
	writeFrames(t, dir)
	h := newHarness(t, storage.NewStorage(t.TempDir()), server.Options{
		Dashboard: dashboard.Options{DataDir: dir},
	})
	return h, dir
}

func TestIndex(t *testing.T) {
	h, dir := dataHarness(t)
	status, body := h.do(t, http.MethodGet, "/")
	assert.Equal(t, http.StatusOK, status)
	page := string(body)
	assert.Contains(t, page, "<svg")
	assert.Contains(t, page, "Volume (µm^3)")
	assert.Contains(t, page, dir)
	assert.True(t, strings.HasPrefix(h.sessionCookie(t).Value, "session_"))

	status, _ = h.do(t, http.MethodGet, "/nope")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestPlotSVG(t *testing.T) {
	h, _ := dataHarness(t)
	resp, err := h.client.Get(h.srv.URL + "/plot.svg")
	assert.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "<svg"))
}

func TestFrameEndpoint(t *testing.T) {
	h, _ := dataHarness(t)

	snap := h.snapshot(t, http.MethodPost, "/api/frame?index=2")
	assert.Equal(t, 2, snap.Slider.Value)
	assert.Equal(t, 2, snap.Spinner.Value)
	assert.Equal(t, 2, snap.Figure.Frame)

	snap = h.snapshot(t, http.MethodPost, "/api/frame?index=5&control=spinner")
	assert.Equal(t, 5, snap.Slider.Value)
	assert.Equal(t, "5", snap.Figure.Title)

	status, body := h.do(t, http.MethodPost, "/api/frame?index=3")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "404", decodeError(t, body)["code"])
	// the previous figure is kept
	snap = h.snapshot(t, http.MethodGet, "/api/state")
	assert.Equal(t, 3, snap.Spinner.Value)
	assert.Equal(t, 5, snap.Figure.Frame)

	status, _ = h.do(t, http.MethodPost, "/api/frame")
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = h.do(t, http.MethodPost, "/api/frame?index=1&control=knob")
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = h.do(t, http.MethodGet, "/api/frame?index=1")
	assert.Equal(t, http.StatusMethodNotAllowed, status)
}

func TestColumnsEndpoint(t *testing.T) {
	h, _ := dataHarness(t)

	snap := h.snapshot(t, http.MethodPost, "/api/columns?x=Area&color=Area&size=ID&palette=inferno")
	assert.Equal(t, dashboard.Selection{
		X:       "Area",
		Y:       dashboard.DefaultColumn,
		Color:   "Area",
		Size:    "ID",
		Palette: "inferno",
	}, snap.Selection)
	assert.Equal(t, "Area", snap.Figure.XLabel)

	// color and size drop back to none when omitted
	snap = h.snapshot(t, http.MethodPost, "/api/columns?y=ID")
	assert.Equal(t, dashboard.Selection{X: "Area", Y: "ID", Palette: "inferno"}, snap.Selection)

	status, body := h.do(t, http.MethodPost, "/api/columns?x=Mass")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, decodeError(t, body)["error"], "Mass")

	status, _ = h.do(t, http.MethodPost, "/api/columns?palette=rainbow")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestBrowseAndDirectory(t *testing.T) {
	root := t.TempDir()
	writeFrames(t, filepath.Join(root, "run_b"))
	assert.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0600))
	h := newHarness(t, storage.NewStorage(t.TempDir()), server.Options{BrowseRoot: root})

	snap := h.snapshot(t, http.MethodGet, "/api/state")
	assert.Equal(t, "", snap.DataDir)
	assert.Zero(t, snap.Figure)

	var browse struct {
		Current  string   `json:"current"`
		Options  []string `json:"options"`
		Selected string   `json:"selected"`
	}
	status, body := h.do(t, http.MethodGet, "/api/browse")
	assert.Equal(t, http.StatusOK, status)
	assert.NoError(t, json.Unmarshal(body, &browse))
	assert.Equal(t, root, browse.Current)
	assert.Equal(t, []string{"..", "notes.txt", "run_b"}, browse.Options)

	status, _ = h.do(t, http.MethodPost, "/api/browse/select?name=missing")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = h.do(t, http.MethodPost, "/api/browse/select?name=notes.txt")
	assert.Equal(t, http.StatusOK, status)
	status, _ = h.do(t, http.MethodPost, "/api/browse/open")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = h.do(t, http.MethodPost, "/api/browse/select?name=..")
	assert.Equal(t, http.StatusOK, status)
	status, _ = h.do(t, http.MethodPost, "/api/browse/open")
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = h.do(t, http.MethodPost, "/api/browse/select?name=run_b")
	assert.Equal(t, http.StatusOK, status)
	status, body = h.do(t, http.MethodPost, "/api/browse/open")
	assert.Equal(t, http.StatusOK, status)
	assert.NoError(t, json.Unmarshal(body, &browse))
	assert.Equal(t, filepath.Join(root, "run_b"), browse.Current)

	snap = h.snapshot(t, http.MethodPost, "/api/directory")
	assert.Equal(t, filepath.Join(root, "run_b"), snap.DataDir)
	assert.Equal(t, []int{1, 2, 5}, snap.Frames)
	assert.Equal(t, 1, snap.Figure.Frame)
}

func TestSummaryAndSimilar(t *testing.T) {
	h, dir := dataHarness(t)

	status, body := h.do(t, http.MethodGet, "/api/summary")
	assert.Equal(t, http.StatusOK, status)
	var summaries []models.FrameSummary
	assert.NoError(t, json.Unmarshal(body, &summaries))
	assert.Equal(t, 3, len(summaries))
	assert.Equal(t, dir, summaries[0].Dir)
	mean, ok := summaries[1].Mean(dashboard.DefaultColumn)
	assert.True(t, ok)
	assert.Equal(t, 13.0, mean)

	status, body = h.do(t, http.MethodGet, "/api/similar?index=1&limit=1")
	assert.Equal(t, http.StatusOK, status)
	var similar []models.FrameSearchResult
	assert.NoError(t, json.Unmarshal(body, &similar))
	assert.Equal(t, 1, len(similar))
	assert.Equal(t, 2, similar[0].Index)

	status, _ = h.do(t, http.MethodGet, "/api/similar?index=4")
	assert.Equal(t, http.StatusNotFound, status)
}

type countingStorage struct {
	storage.Storage
	added atomic.Int32
}

func (c *countingStorage) AddSummary(ctx context.Context, summary models.FrameSummary) error {
	c.added.Add(1)
	return c.Storage.AddSummary(ctx, summary)
}

func TestSummariesServedFromStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run_a")
	writeFrames(t, dir)
	store := &countingStorage{Storage: storage.NewStorage(t.TempDir())}
	h := newHarness(t, store, server.Options{
		Dashboard: dashboard.Options{DataDir: dir},
	})

	var first, second []models.FrameSummary
	status, body := h.do(t, http.MethodGet, "/api/summary")
	assert.Equal(t, http.StatusOK, status)
	assert.NoError(t, json.Unmarshal(body, &first))
	assert.Equal(t, int32(3), store.added.Load())

	status, body = h.do(t, http.MethodGet, "/api/summary")
	assert.Equal(t, http.StatusOK, status)
	assert.NoError(t, json.Unmarshal(body, &second))
	assert.Equal(t, first, second)
	status, _ = h.do(t, http.MethodGet, "/api/similar?index=1")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, int32(3), store.added.Load())

	// a changed frame is picked up once the directory is reloaded
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "t_5.csv"), []byte(header+"1,40,9\n"), 0600))
	h.snapshot(t, http.MethodPost, "/api/directory")
	status, body = h.do(t, http.MethodGet, "/api/summary")
	assert.Equal(t, http.StatusOK, status)
	assert.NoError(t, json.Unmarshal(body, &second))
	assert.Equal(t, int32(6), store.added.Load())
	mean, ok := second[2].Mean(dashboard.DefaultColumn)
	assert.True(t, ok)
	assert.Equal(t, 40.0, mean)
}

func TestConcurrentFirstRequestsShareSession(t *testing.T) {
	h, _ := dataHarness(t)
	u, err := url.Parse(h.srv.URL)
	assert.NoError(t, err)
	h.client.Jar.SetCookies(u, []*http.Cookie{{Name: "tablevis_session", Value: "session_01h455vb4pex5vsknk084sn02q"}})

	var eg errgroup.Group
	for range 8 {
		eg.Go(func() error {
			req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, h.srv.URL+"/api/state", nil)
			if err != nil {
				return err
			}
			resp, err := h.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status %d", resp.StatusCode)
			}
			return nil
		})
	}
	assert.NoError(t, eg.Wait())

	h.snapshot(t, http.MethodPost, "/api/frame?index=5")
	snap := h.snapshot(t, http.MethodGet, "/api/state")
	assert.Equal(t, 5, snap.Spinner.Value)
	assert.Equal(t, 5, snap.Figure.Frame)
	assert.Equal(t, "session_01h455vb4pex5vsknk084sn02q", h.sessionCookie(t).Value)
}

func TestViewSurvivesRestart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run_a")
	writeFrames(t, dir)
	storeDir := t.TempDir()
	opts := server.Options{Dashboard: dashboard.Options{DataDir: dir}}

	first := newHarness(t, storage.NewStorage(storeDir), opts)
	first.snapshot(t, http.MethodPost, "/api/frame?index=5")
	first.snapshot(t, http.MethodPost, "/api/columns?size=Area")
	cookie := first.sessionCookie(t)

	second := newHarness(t, storage.NewStorage(storeDir), opts)
	u, err := url.Parse(second.srv.URL)
	assert.NoError(t, err)
	second.client.Jar.SetCookies(u, []*http.Cookie{{Name: cookie.Name, Value: cookie.Value}})
	snap := second.snapshot(t, http.MethodGet, "/api/state")
	assert.Equal(t, 5, snap.Spinner.Value)
	assert.Equal(t, "Area", snap.Selection.Size)
	assert.Equal(t, cookie.Value, second.sessionCookie(t).Value)
}

func dialWebsocket(t *testing.T, h *harness) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	cookie := h.sessionCookie(t)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Cookie": {cookie.String()}})
	assert.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type pushed struct {
	Frame int    `json:"frame"`
	Title string `json:"title"`
	SVG   string `json:"svg"`
}

func readPush(t *testing.T, conn *websocket.Conn) pushed {
	t.Helper()
	assert.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg pushed
	assert.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebsocketPush(t *testing.T) {
	h, _ := dataHarness(t)
	h.snapshot(t, http.MethodGet, "/api/state")
	conn := dialWebsocket(t, h)

	msg := readPush(t, conn)
	assert.Equal(t, 1, msg.Frame)
	assert.True(t, strings.HasPrefix(msg.SVG, "<svg"))

	h.snapshot(t, http.MethodPost, "/api/frame?index=2")
	msg = readPush(t, conn)
	assert.Equal(t, 2, msg.Frame)
	assert.Equal(t, "2", msg.Title)
}

func TestWatchReloadsFrames(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run_a")
	writeFrames(t, dir)
	h := newHarness(t, storage.NewStorage(t.TempDir()), server.Options{
		Dashboard: dashboard.Options{DataDir: dir},
		Watch:     true,
	})
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.server.Run(ctx) }()

	assert.Equal(t, []int{1, 2, 5}, h.snapshot(t, http.MethodGet, "/api/state").Frames)
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "t_9.csv"), []byte(header+"1,3,3\n"), 0600))

	deadline := time.Now().Add(5 * time.Second)
	for {
		frames := h.snapshot(t, http.MethodGet, "/api/state").Frames
		if len(frames) == 4 {
			assert.Equal(t, []int{1, 2, 5, 9}, frames)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("frames not reloaded: %v", frames)
		}
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	assert.NoError(t, <-done)
}
