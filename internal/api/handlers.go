package api

import (
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/h5lab/h5serve/internal/engine"
)

type healthBody struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Timestamp string `json:"timestamp"`
}

type refreshBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Envelopes embed the engine payload so its fields flatten into the
// response body alongside success and cached.
type listingEnvelope struct {
	Success bool `json:"success"`
	*engine.ListingResult
	Cached bool `json:"cached"`
}

type childrenEnvelope struct {
	Success bool `json:"success"`
	*engine.ChildrenResult
	Cached bool `json:"cached"`
}

type metaEnvelope struct {
	Success  bool   `json:"success"`
	Key      string `json:"key"`
	Metadata any    `json:"metadata"`
	Cached   bool   `json:"cached"`
}

type previewEnvelope struct {
	Success bool `json:"success"`
	*engine.PreviewResult
	Cached bool `json:"cached"`
}

type matrixEnvelope struct {
	Success bool `json:"success"`
	*engine.MatrixResult
	Cached bool `json:"cached"`
}

type lineEnvelope struct {
	Success bool `json:"success"`
	*engine.LineResult
	Cached bool `json:"cached"`
}

type heatmapEnvelope struct {
	Success bool `json:"success"`
	*engine.HeatmapResult
	Cached bool `json:"cached"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthBody{
		Status:    "ok",
		Service:   "h5serve",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListing(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	maxItems := engine.DefaultListMaxItems
	if raw := q.Get("max_items"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, r, &engine.Error{
				Kind:    engine.KindBadSelection,
				Message: fmt.Sprintf("max_items %q is not an integer", raw),
			})
			return
		}
		maxItems = v
	}
	delimiter := "/"
	if q.Has("delimiter") {
		delimiter = q.Get("delimiter")
	}

	res, cached, err := s.engine.Listing(r.Context(), q.Get("prefix"), delimiter, maxItems)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listingEnvelope{Success: true, ListingResult: res, Cached: cached})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	n := s.engine.RefreshListings()
	writeJSON(w, http.StatusOK, refreshBody{
		Success: true,
		Message: fmt.Sprintf("listing cache cleared (%d entries dropped)", n),
	})
}

func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, cached, err := s.engine.Children(r.Context(), mux.Vars(r)["key"], q.Get("path"), q.Get("etag"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, childrenEnvelope{Success: true, ChildrenResult: res, Cached: cached})
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := mux.Vars(r)["key"]
	res, cached, err := s.engine.Meta(r.Context(), key, q.Get("path"), q.Get("etag"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, metaEnvelope{Success: true, Key: key, Metadata: res, Cached: cached})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, cached, err := s.engine.Preview(r.Context(), engine.PreviewRequest{
		Key:          mux.Vars(r)["key"],
		Path:         q.Get("path"),
		Hint:         q.Get("etag"),
		CancelKey:    q.Get("cancel_key"),
		DisplayDims:  q.Get("display_dims"),
		FixedIndices: q.Get("fixed_indices"),
		MaxSize:      q.Get("max_size"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, previewEnvelope{Success: true, PreviewResult: res, Cached: cached})
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	v, cached, err := s.engine.Data(r.Context(), dataRequest(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	switch res := v.(type) {
	case *engine.MatrixResult:
		writeJSON(w, http.StatusOK, matrixEnvelope{Success: true, MatrixResult: res, Cached: cached})
	case *engine.LineResult:
		writeJSON(w, http.StatusOK, lineEnvelope{Success: true, LineResult: res, Cached: cached})
	case *engine.HeatmapResult:
		writeJSON(w, http.StatusOK, heatmapEnvelope{Success: true, HeatmapResult: res, Cached: cached})
	default:
		s.writeError(w, r, fmt.Errorf("unexpected data payload %T", v))
	}
}

func (s *Server) handleCSV(w http.ResponseWriter, r *http.Request) {
	req := dataRequest(r)
	cw := &csvResponseWriter{w: w, name: csvFilename(req.Key)}
	err := s.engine.ExportCSV(r.Context(), req, cw)
	if s.metrics != nil {
		s.metrics.AddCSVBytes(cw.n)
	}
	if err != nil {
		if cw.n > 0 {
			// Headers are long gone; all we can do is stop.
			s.log().Warn("csv stream aborted", "key", req.Key, "path", req.Path, "error", err)
			return
		}
		s.writeError(w, r, err)
		return
	}
	cw.commit()
}

// dataRequest copies the selection parameters shared by /data and
// /export/csv out of the query string.
func dataRequest(r *http.Request) engine.DataRequest {
	q := r.URL.Query()
	return engine.DataRequest{
		Key:          mux.Vars(r)["key"],
		Path:         q.Get("path"),
		Hint:         q.Get("etag"),
		CancelKey:    q.Get("cancel_key"),
		Mode:         q.Get("mode"),
		DisplayDims:  q.Get("display_dims"),
		FixedIndices: q.Get("fixed_indices"),
		RowOffset:    q.Get("row_offset"),
		RowLimit:     q.Get("row_limit"),
		ColOffset:    q.Get("col_offset"),
		ColLimit:     q.Get("col_limit"),
		LineDim:      q.Get("line_dim"),
		LineIndex:    q.Get("line_index"),
		LineOffset:   q.Get("line_offset"),
		LineLimit:    q.Get("line_limit"),
		Quality:      q.Get("quality"),
		MaxPoints:    q.Get("max_points"),
		MaxSize:      q.Get("max_size"),
		IncludeStats: boolValue(r, "include_stats"),
	}
}

// boolValue reads a query flag leniently: absent, "0", "no", "false",
// and "none" are false, anything else is true.
func boolValue(r *http.Request, key string) bool {
	s := strings.ToLower(strings.TrimSpace(r.URL.Query().Get(key)))
	return !(s == "" || s == "0" || s == "no" || s == "false" || s == "none")
}

func csvFilename(key string) string {
	base := path.Base(key)
	return strings.TrimSuffix(base, path.Ext(base)) + ".csv"
}

// csvResponseWriter commits the streaming headers on the first byte so
// pre-stream failures can still produce a JSON error response.
type csvResponseWriter struct {
	w         http.ResponseWriter
	name      string
	n         int64
	committed bool
}

func (c *csvResponseWriter) Write(p []byte) (int, error) {
	c.commit()
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (c *csvResponseWriter) commit() {
	if c.committed {
		return
	}
	c.committed = true
	h := c.w.Header()
	h.Set("Content-Type", "text/csv; charset=utf-8")
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", c.name))
	c.w.WriteHeader(http.StatusOK)
}
