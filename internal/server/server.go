// Package server is the web shell of the dashboards: it keeps one dashboard
// per browser session, serves the page and its JSON endpoints and pushes
// re-rendered plots over a websocket.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/alecthomas/errors"
	"go.jetify.com/typeid/v2"

	"github.com/bdougie/tablevis/internal/analyzer"
	"github.com/bdougie/tablevis/internal/browser"
	"github.com/bdougie/tablevis/internal/dashboard"
	"github.com/bdougie/tablevis/internal/embeddings"
	"github.com/bdougie/tablevis/internal/frames"
	"github.com/bdougie/tablevis/internal/models"
	"github.com/bdougie/tablevis/internal/storage"
)

const (
	cookieName    = "tablevis_session"
	sessionPrefix = "session"
	defaultLimit  = 5
)

type Options struct {
	Dashboard dashboard.Options
	// BrowseRoot confines the file browser, empty for no confinement.
	BrowseRoot string
	// Watch reloads a session's frames when its data directory changes.
	Watch   bool
	Workers int
}

type session struct {
	id   string
	dash *dashboard.Dashboard

	mu      sync.Mutex // guards browser
	browser *browser.Browser
}

type Server struct {
	logger     *slog.Logger
	opts       Options
	store      storage.Storage
	processor  *analyzer.Processor
	embeddings *embeddings.Service
	watcher    *watcher

	mu       sync.Mutex
	sessions map[string]*session
	// summarised is the last frame set of each directory whose summaries
	// were written to the store. Frame sets are replaced wholesale on
	// reload, so pointer equality means the stored summaries are current.
	summarised map[string]*frames.FrameSet
}

// New creates a server persisting view state and summaries in store.
func New(logger *slog.Logger, store storage.Storage, opts Options) (*Server, error) {
	s := &Server{
		logger:     logger,
		opts:       opts,
		store:      store,
		processor:  analyzer.NewProcessor(logger, store),
		embeddings: embeddings.NewService(opts.Workers),
		sessions:   map[string]*session{},
		summarised: map[string]*frames.FrameSet{},
	}
	if opts.Watch {
		w, err := newWatcher(logger, s.reloadDir)
		if err != nil {
			s.embeddings.Close()
			return nil, err
		}
		s.watcher = w
	}
	return s, nil
}

// Run processes directory change notifications until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if s.watcher == nil {
		<-ctx.Done()
		return nil
	}
	return s.watcher.run(ctx)
}

func (s *Server) Close() error {
	s.embeddings.Close()
	if s.watcher != nil {
		return s.watcher.close()
	}
	return nil
}

// Handler returns the routes of the dashboard.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.withSession(s.handleIndex))
	mux.HandleFunc("GET /plot.svg", s.withSession(s.handlePlot))
	mux.HandleFunc("GET /ws", s.withSession(s.handleWebsocket))
	mux.HandleFunc("GET /api/state", s.api(s.handleState))
	mux.HandleFunc("POST /api/frame", s.api(s.handleFrame))
	mux.HandleFunc("POST /api/columns", s.api(s.handleColumns))
	mux.HandleFunc("GET /api/browse", s.api(s.handleBrowse))
	mux.HandleFunc("POST /api/browse/select", s.api(s.handleBrowseSelect))
	mux.HandleFunc("POST /api/browse/open", s.api(s.handleBrowseOpen))
	mux.HandleFunc("POST /api/directory", s.api(s.handleDirectory))
	mux.HandleFunc("GET /api/summary", s.api(s.handleSummary))
	mux.HandleFunc("GET /api/similar", s.api(s.handleSimilar))
	return loggingMiddleware(s.logger, mux)
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, sess *session)

type apiHandler func(r *http.Request, sess *session) (any, error)

func (s *Server) withSession(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.session(w, r)
		if err != nil {
			encodeError(s.logger, w, r, err)
			return
		}
		next(w, r, sess)
	}
}

func (s *Server) api(next apiHandler) http.HandlerFunc {
	return s.withSession(func(w http.ResponseWriter, r *http.Request, sess *session) {
		data, err := next(r, sess)
		encodeResponse(s.logger, w, r, data, err)
	})
}

// session returns the dashboard of the requesting browser, creating it and
// setting the session cookie on first use. The dashboard is built without
// holding the session lock so a slow directory load only delays its own
// browser.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session, error) {
	id := ""
	if cookie, err := r.Cookie(cookieName); err == nil && strings.HasPrefix(cookie.Value, sessionPrefix+"_") {
		id = cookie.Value
	}
	if id != "" {
		s.mu.Lock()
		sess, ok := s.sessions[id]
		s.mu.Unlock()
		if ok {
			return sess, nil
		}
	} else {
		id = typeid.MustGenerate(sessionPrefix).String()
		http.SetCookie(w, &http.Cookie{
			Name:     cookieName,
			Value:    id,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}

	created, err := s.newSession(r.Context(), id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Concurrent first requests of one browser race to create it; the first
	// one stored wins.
	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}
	s.sessions[id] = created
	s.watch("", created.dash.Frames().Dir())
	s.logger.Info("New session", "session", id, "dir", created.dash.Frames().Dir())
	return created, nil
}

// newSession builds the dashboard and file browser of session id, restoring
// its saved view when the store has one.
func (s *Server) newSession(ctx context.Context, id string) (*session, error) {
	dash, err := dashboard.New(ctx, s.logger, s.opts.Dashboard)
	if err != nil {
		return nil, errors.Errorf("failed to create dashboard: %w", err)
	}
	if state, err := s.store.LoadView(ctx, id); err == nil {
		if err := dash.Restore(ctx, state); err != nil {
			s.logger.Warn("Could not restore saved view", "session", id, "error", err)
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("Could not load saved view", "session", id, "error", err)
	}

	start := dash.Frames().Dir()
	if start == "" {
		start = s.opts.BrowseRoot
	}
	if start == "" {
		start = "."
	}
	b, err := browser.New(s.logger, start, s.opts.BrowseRoot)
	if errors.Is(err, browser.ErrOutsideRoot) {
		s.logger.Warn("Data directory is outside the browse root", "dir", start, "root", s.opts.BrowseRoot)
		b, err = browser.New(s.logger, s.opts.BrowseRoot, s.opts.BrowseRoot)
	}
	if err != nil {
		return nil, errors.Errorf("failed to create file browser: %w", err)
	}
	return &session{id: id, dash: dash, browser: b}, nil
}

// save persists the session's view. Failures are logged, the change itself
// already happened.
func (s *Server) save(ctx context.Context, sess *session) {
	state := sess.dash.State()
	state.SessionID = sess.id
	if err := s.store.SaveView(ctx, state); err != nil {
		s.logger.Warn("Could not save view", "session", sess.id, "error", err)
	}
}

func (s *Server) watch(previous, next string) {
	if s.watcher == nil || previous == next {
		return
	}
	if previous != "" {
		s.watcher.remove(previous)
	}
	if next != "" {
		s.watcher.add(next)
	}
}

// reloadDir reloads every session showing dir.
func (s *Server) reloadDir(ctx context.Context, dir string) {
	s.mu.Lock()
	var affected []*session
	for _, sess := range s.sessions {
		if filepath.Clean(sess.dash.Frames().Dir()) == filepath.Clean(dir) {
			affected = append(affected, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range affected {
		if err := sess.dash.Reload(ctx); err != nil && !errors.Is(err, frames.ErrUnknownFrame) {
			s.logger.Warn("Could not reload frames", "session", sess.id, "dir", dir, "error", err)
			continue
		}
		s.logger.Info("Reloaded frames", "session", sess.id, "dir", dir)
	}
}

func (s *Server) handleState(r *http.Request, sess *session) (any, error) {
	return sess.dash.Snapshot(), nil
}

type frameRequest struct {
	Index int `qstring:"index"`
	// Control is the widget that moved: slider (default) or spinner.
	Control string `qstring:"control"`
}

func (s *Server) handleFrame(r *http.Request, sess *session) (any, error) {
	if !r.URL.Query().Has("index") {
		return nil, APIErrorf(http.StatusBadRequest, "missing frame index")
	}
	req, err := decodeQuery[frameRequest](r)
	if err != nil {
		return nil, err
	}
	switch req.Control {
	case "", "slider":
		err = sess.dash.OnSliderChange(req.Index)
	case "spinner":
		err = sess.dash.OnSpinnerChange(req.Index)
	default:
		return nil, APIErrorf(http.StatusBadRequest, "unknown control %q", req.Control)
	}
	s.save(r.Context(), sess)
	if err != nil {
		return nil, err
	}
	return sess.dash.Snapshot(), nil
}

type columnsRequest struct {
	X       string `qstring:"x"`
	Y       string `qstring:"y"`
	Color   string `qstring:"color"`
	Size    string `qstring:"size"`
	Palette string `qstring:"palette"`
}

// handleColumns replaces the column mapping. Missing x, y or palette keep
// their current value; missing color or size select none.
func (s *Server) handleColumns(r *http.Request, sess *session) (any, error) {
	req, err := decodeQuery[columnsRequest](r)
	if err != nil {
		return nil, err
	}
	current := sess.dash.Snapshot().Selection
	sel := dashboard.Selection{
		X:       orDefault(req.X, current.X),
		Y:       orDefault(req.Y, current.Y),
		Color:   req.Color,
		Size:    req.Size,
		Palette: orDefault(req.Palette, current.Palette),
	}
	if err := sess.dash.OnSelectionChange(sel); err != nil && !errors.Is(err, frames.ErrUnknownFrame) {
		return nil, err
	}
	s.save(r.Context(), sess)
	return sess.dash.Snapshot(), nil
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

type browseResponse struct {
	Current  string          `json:"current"`
	Root     string          `json:"root,omitempty"`
	Options  []string        `json:"options"`
	Selected string          `json:"selected"`
	Entries  []browser.Entry `json:"entries"`
}

func browseState(b *browser.Browser) browseResponse {
	return browseResponse{
		Current:  b.Current(),
		Root:     b.Root(),
		Options:  b.Options(),
		Selected: b.Selected(),
		Entries:  b.Entries(),
	}
}

func (s *Server) handleBrowse(r *http.Request, sess *session) (any, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return browseState(sess.browser), nil
}

type selectRequest struct {
	Name string `qstring:"name"`
}

func (s *Server) handleBrowseSelect(r *http.Request, sess *session) (any, error) {
	req, err := decodeQuery[selectRequest](r)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := sess.browser.Select(req.Name); err != nil {
		return nil, err
	}
	return browseState(sess.browser), nil
}

func (s *Server) handleBrowseOpen(r *http.Request, sess *session) (any, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := sess.browser.Open(); err != nil {
		return nil, err
	}
	return browseState(sess.browser), nil
}

// handleDirectory makes the browser's current directory the data directory.
func (s *Server) handleDirectory(r *http.Request, sess *session) (any, error) {
	sess.mu.Lock()
	dir := sess.browser.Current()
	sess.mu.Unlock()

	previous := sess.dash.Frames().Dir()
	if err := sess.dash.OnDirectoryChange(r.Context(), dir); err != nil && !errors.Is(err, frames.ErrUnknownFrame) {
		return nil, err
	}
	s.mu.Lock()
	s.watch(previous, dir)
	s.mu.Unlock()
	s.save(r.Context(), sess)
	return sess.dash.Snapshot(), nil
}

// summaries returns the frame summaries of set, read back from the store when
// they were computed for this very set and recomputed otherwise.
func (s *Server) summaries(ctx context.Context, set *frames.FrameSet) ([]models.FrameSummary, error) {
	s.mu.Lock()
	current := s.summarised[set.Dir()] == set
	s.mu.Unlock()
	if current {
		stored, err := s.store.Summaries(ctx, set.Dir())
		if err != nil {
			s.logger.Warn("Could not read stored summaries", "dir", set.Dir(), "error", err)
		} else {
			stored = slices.DeleteFunc(stored, func(summary models.FrameSummary) bool {
				_, err := set.Get(summary.Index)
				return err != nil
			})
			if len(stored) == set.Len() {
				return stored, nil
			}
		}
	}

	summaries, err := s.processor.Summarise(ctx, set)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.summarised[set.Dir()] = set
	s.mu.Unlock()
	return summaries, nil
}

func (s *Server) handleSummary(r *http.Request, sess *session) (any, error) {
	summaries, err := s.summaries(r.Context(), sess.dash.Frames())
	if err != nil {
		return nil, err
	}
	if summaries == nil {
		summaries = []models.FrameSummary{}
	}
	return summaries, nil
}

type similarRequest struct {
	Index int `qstring:"index"`
	Limit int `qstring:"limit"`
}

// handleSimilar ranks the frames of the session by the distance between
// their standardised column means and those of the requested frame.
func (s *Server) handleSimilar(r *http.Request, sess *session) (any, error) {
	req, err := decodeQuery[similarRequest](r)
	if err != nil {
		return nil, err
	}
	if !r.URL.Query().Has("index") {
		req.Index = sess.dash.Snapshot().Spinner.Value
	}
	if req.Limit <= 0 {
		req.Limit = defaultLimit
	}

	ctx := r.Context()
	set := sess.dash.Frames()
	if _, err := set.Get(req.Index); err != nil {
		return nil, err
	}
	summaries, err := s.summaries(ctx, set)
	if err != nil {
		return nil, err
	}
	columns := summaryColumns(set.Columns(), summaries)
	if len(columns) == 0 {
		return []models.FrameSearchResult{}, nil
	}
	vectors, err := s.embeddings.Vectors(ctx, summaries, columns)
	if err != nil {
		return nil, err
	}

	vectorIndex, ok := s.store.(storage.VectorIndex)
	if !ok {
		return embeddings.Nearest(vectors, req.Index, req.Limit)
	}
	for idx, vector := range vectors {
		if err := vectorIndex.AddVector(ctx, set.Dir(), idx, vector); err != nil {
			return nil, err
		}
	}
	return vectorIndex.SearchSimilarFrames(ctx, set.Dir(), req.Index, vectors[req.Index], req.Limit)
}

// summaryColumns returns the columns, in table order, that were summarised
// in at least one frame.
func summaryColumns(columns []string, summaries []models.FrameSummary) []string {
	var out []string
	for _, column := range columns {
		if slices.ContainsFunc(summaries, func(s models.FrameSummary) bool {
			_, ok := s.Mean(column)
			return ok
		}) {
			out = append(out, column)
		}
	}
	return out
}
