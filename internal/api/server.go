// Package api provides the HTTP server and handlers.
package api

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/fruitsalade/restfs/internal/engine"
	"github.com/fruitsalade/restfs/internal/events"
	"github.com/fruitsalade/restfs/internal/logging"
	"github.com/fruitsalade/restfs/internal/metrics"
	"github.com/fruitsalade/restfs/pkg/protocol"
)

// maxImportBody caps the size of an import request body.
const maxImportBody = 32 << 20

var gzipPool = sync.Pool{
	New: func() any {
		return gzip.NewWriter(io.Discard)
	},
}

// Server is the HTTP front of the engine.
type Server struct {
	engine      *engine.Engine
	broadcaster *events.Broadcaster

	// nodes caches rendered GET /nodes/{id} responses. It is flushed after
	// every committed mutation; gen guards against a read that started
	// before the commit repopulating it with stale data.
	nodes   *cache.Cache
	cacheMu sync.Mutex
	gen     uint64
}

// NewServer creates a server. Node responses are cached for cacheTTL; a
// non-positive TTL disables the cache.
func NewServer(eng *engine.Engine, broadcaster *events.Broadcaster, cacheTTL time.Duration) *Server {
	s := &Server{
		engine:      eng,
		broadcaster: broadcaster,
	}
	if cacheTTL > 0 {
		s.nodes = cache.New(cacheTTL, 2*cacheTTL)
	}
	return s
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /events", s.handleEvents)

	mux.HandleFunc("POST /imports", s.handleImport)
	mux.HandleFunc("DELETE /delete/{id}", s.handleDelete)
	mux.HandleFunc("GET /nodes/{id}", s.handleNode)
	mux.HandleFunc("GET /updates", s.handleUpdates)
	mux.HandleFunc("GET /node/{id}/history", s.handleHistory)

	return metrics.Middleware(logging.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendStatus(w, http.StatusInternalServerError, protocol.MessageInternalFailure)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// committed invalidates cached nodes and announces res to subscribers.
func (s *Server) committed(res *engine.Result, deleted string) {
	if s.nodes != nil {
		s.cacheMu.Lock()
		s.gen++
		s.nodes.Flush()
		s.cacheMu.Unlock()
	}

	if s.broadcaster == nil {
		return
	}

	seen := make(map[string]bool, len(res.Imported))
	for _, n := range res.Imported {
		seen[n.ID] = true
		s.broadcaster.Publish(events.Event{Type: events.EventImport, ID: n.ID, Size: n.Size, Date: res.Date})
	}
	if deleted != "" {
		s.broadcaster.Publish(events.Event{Type: events.EventDelete, ID: deleted, Date: res.Date})
	}
	for _, n := range res.Touched {
		if seen[n.ID] {
			continue
		}
		s.broadcaster.Publish(events.Event{Type: events.EventUpdate, ID: n.ID, Size: n.Size, Date: res.Date})
	}
}

// ─── Mutations ──────────────────────────────────────────────────────────────

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImportBody)

	var req protocol.ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logging.WithContext(r.Context()).Debug("bad import body", zap.Error(err))
		s.sendStatus(w, http.StatusBadRequest, protocol.MessageValidation)
		return
	}
	if req.Items == nil || req.UpdateDate == nil {
		s.sendStatus(w, http.StatusBadRequest, protocol.MessageValidation)
		return
	}

	res, err := s.engine.Import(r.Context(), req.Items, req.UpdateDate.Time)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}

	s.committed(res, "")
	s.sendStatus(w, http.StatusOK, protocol.MessageImported)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	date, ok := s.requiredDate(w, r, "date")
	if !ok {
		return
	}

	res, err := s.engine.Delete(r.Context(), id, date)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}

	s.committed(res, id)
	s.sendStatus(w, http.StatusOK, protocol.MessageRemoved)
}

// ─── Reads ──────────────────────────────────────────────────────────────────

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	resp, err := s.node(r, id)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}

	w.Header().Add("Vary", "Accept-Encoding")
	if acceptsGzip(r) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		gw := gzipPool.Get().(*gzip.Writer)
		gw.Reset(w)
		defer gzipPool.Put(gw)
		err := json.NewEncoder(gw).Encode(resp)
		if cerr := gw.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			logging.WithContext(r.Context()).Warn("write node response", zap.String("id", id), zap.Error(err))
		}
		return
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// node returns the rendered subtree of id, from the cache when possible.
func (s *Server) node(r *http.Request, id string) (*protocol.NodeResponse, error) {
	if s.nodes == nil {
		tree, err := s.engine.Node(r.Context(), id)
		if err != nil {
			return nil, err
		}
		return protocol.NodeResponseFromTree(tree), nil
	}

	if cached, ok := s.nodes.Get(id); ok {
		metrics.RecordNodeCache(true)
		return cached.(*protocol.NodeResponse), nil
	}
	metrics.RecordNodeCache(false)

	s.cacheMu.Lock()
	gen := s.gen
	s.cacheMu.Unlock()

	tree, err := s.engine.Node(r.Context(), id)
	if err != nil {
		return nil, err
	}
	resp := protocol.NodeResponseFromTree(tree)

	s.cacheMu.Lock()
	if s.gen == gen {
		s.nodes.Set(id, resp, cache.DefaultExpiration)
	}
	s.cacheMu.Unlock()
	return resp, nil
}

func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	date, ok := s.requiredDate(w, r, "date")
	if !ok {
		return
	}

	nodes, err := s.engine.Updates(r.Context(), date)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}

	units := make([]protocol.HistoryUnit, 0, len(nodes))
	for _, n := range nodes {
		units = append(units, protocol.HistoryUnitFromNode(n))
	}
	s.sendJSON(w, http.StatusOK, units)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var bounds [2]*time.Time
	for i, name := range []string{"dateStart", "dateEnd"} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		t, err := protocol.ParseTimestamp(raw)
		if err != nil {
			s.sendStatus(w, http.StatusBadRequest, protocol.MessageValidation)
			return
		}
		bounds[i] = &t
	}

	recs, err := s.engine.History(r.Context(), id, bounds[0], bounds[1])
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}

	resp := protocol.HistoryResponse{Items: make([]protocol.HistoryUnit, 0, len(recs))}
	for _, rec := range recs {
		resp.Items = append(resp.Items, protocol.HistoryUnitFromRecord(rec))
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// requiredDate parses the named query parameter, answering 400 when it is
// missing or malformed.
func (s *Server) requiredDate(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		s.sendStatus(w, http.StatusBadRequest, protocol.MessageValidation)
		return time.Time{}, false
	}
	t, err := protocol.ParseTimestamp(raw)
	if err != nil {
		s.sendStatus(w, http.StatusBadRequest, protocol.MessageValidation)
		return time.Time{}, false
	}
	return t, true
}

// acceptsGzip reports whether Accept-Encoding allows gzip with a nonzero
// quality, either by name or through "*".
func acceptsGzip(r *http.Request) bool {
	gzipQ, starQ := -1.0, -1.0
	for _, header := range r.Header.Values("Accept-Encoding") {
		for _, part := range strings.Split(header, ",") {
			coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
			q := 1.0
			for _, p := range strings.Split(params, ";") {
				k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
				if ok && strings.EqualFold(k, "q") {
					parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
					if err != nil {
						parsed = 0
					}
					q = parsed
				}
			}
			switch strings.ToLower(strings.TrimSpace(coding)) {
			case "gzip", "x-gzip":
				gzipQ = q
			case "*":
				starQ = q
			}
		}
	}
	if gzipQ >= 0 {
		return gzipQ > 0
	}
	return starQ > 0
}

func (s *Server) sendEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrValidation):
		logging.WithContext(r.Context()).Debug("request rejected", zap.Error(err))
		s.sendStatus(w, http.StatusBadRequest, protocol.MessageValidation)
	case errors.Is(err, engine.ErrNotFound):
		s.sendStatus(w, http.StatusNotFound, protocol.MessageNotFound)
	default:
		logging.WithContext(r.Context()).Error("request failed", zap.Error(err))
		s.sendStatus(w, http.StatusInternalServerError, protocol.MessageInternalFailure)
	}
}

func (s *Server) sendStatus(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, protocol.StatusResponse{Code: code, Message: message})
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
