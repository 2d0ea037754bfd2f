package server

import (
	_ "embed"
	"html/template"
	"net/http"
	"strings"

	"github.com/alecthomas/errors"

	"github.com/bdougie/tablevis/internal/dashboard"
	"github.com/bdougie/tablevis/internal/frames"
)

//go:embed index.gohtml
var index string
var indexTmpl = template.Must(template.New("index.gohtml").Parse(index))

type indexContext struct {
	Dashboard dashboard.Snapshot
	Browse    browseResponse
	Plot      template.HTML
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request, sess *session) {
	snap := sess.dash.Snapshot()
	sess.mu.Lock()
	browse := browseState(sess.browser)
	sess.mu.Unlock()

	tctx := indexContext{Dashboard: snap, Browse: browse}
	if snap.Figure != nil {
		tctx.Plot = template.HTML(snap.Figure.SVG) //nolint
	}
	out := &strings.Builder{}
	if err := indexTmpl.Execute(out, tctx); err != nil {
		encodeError(s.logger, w, r, errors.Wrap(err, "failed to execute index template"))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(out.String()))
}

func (s *Server) handlePlot(w http.ResponseWriter, r *http.Request, sess *session) {
	figure := sess.dash.Figure()
	if figure == nil {
		encodeError(s.logger, w, r, errors.Errorf("nothing rendered yet: %w", frames.ErrUnknownFrame))
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(figure.SVG)
}
