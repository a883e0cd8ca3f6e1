package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"routeclient/pkg/coderr"
	"routeclient/pkg/metacache"
	"routeclient/pkg/tabletrpc"
	"routeclient/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8090"
	defaultShutdownTimeout = time.Second * 5
	defaultLookupTimeout   = time.Second * 5
)

// iLocationCache - то, что debug-сервер использует из кэша расположений.
type iLocationCache interface {
	LookupTabletByKey(ctx context.Context, table metacache.Table, partitionKey string) (*metacache.TabletRecord, error)
	LookupTabletById(ctx context.Context, id types.TabletID, useCache bool) (*metacache.TabletRecord, error)
	LookupById(id types.TabletID, deadline time.Time, useCache bool, cb metacache.LookupCallback)
	InvalidateTableCache(table types.TableID)
	MarkTSFailed(server types.ServerID, cause error) int
	Servers() *metacache.ServerDirectory
	Tables() []types.TableID
}

var _ iLocationCache = (*metacache.LocationCache)(nil)

// Server is the status/debug HTTP server over a location cache.
type Server struct {
	cache         iLocationCache
	metrics       http.Handler
	lookupTimeout time.Duration
	rpc           *tabletrpc.Options
	logger        *zap.Logger
	httpServer    *http.Server
	URL           string
	addr          string
}

// NewServer creates a new server instance. metrics serves /metrics and may be nil.
func NewServer(cache iLocationCache, metrics http.Handler, port string, logger *zap.Logger) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cache:         cache,
		metrics:       metrics,
		lookupTimeout: defaultLookupTimeout,
		logger:        logger,
		URL:           "http://localhost:" + port,
		addr:          ":" + port,
	}
}

// EnableChanges exposes GET /api/tablets/{id}/changes, served with GetChanges RPCs built
// from opts. opts.Locator defaults to the cache.
func (s *Server) EnableChanges(opts tabletrpc.Options) {
	if opts.Locator == nil {
		opts.Locator = s.cache
	}
	s.rpc = &opts
}

// Start starts the server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	s.logger.Info("HTTP server started", zap.String("addr", s.URL))
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "failed to shutdown HTTP server")
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/api", func(r chi.Router) {
		r.Get("/tables", s.handleTables)
		r.Get("/tables/{table}/tablet", s.handleTabletByKey)
		r.Post("/tables/{table}/invalidate", s.handleInvalidate)
		r.Get("/tablets/{id}", s.handleTabletByID)
		if s.rpc != nil {
			r.Get("/tablets/{id}/changes", s.handleChanges)
		}
		r.Get("/servers", s.handleServers)
		r.Post("/servers/{id}/failed", s.handleServerFailed)
	})

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Error encoding response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := coderr.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case coderr.NotFound:
		status = http.StatusNotFound
	case coderr.InvalidArgument:
		status = http.StatusBadRequest
	case coderr.TimedOut:
		status = http.StatusGatewayTimeout
	case coderr.ServiceUnavailable, coderr.NetworkError:
		status = http.StatusServiceUnavailable
	}
	resp := NewErrorResponse(err.Error())
	resp.Code = code.String()
	s.writeJSON(w, status, resp)
}

func (s *Server) lookupContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.lookupTimeout)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.metrics.ServeHTTP(w, r)
}

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, Response{Status: StatusSuccess, Tables: s.cache.Tables()})
}

func (s *Server) handleTabletByKey(w http.ResponseWriter, r *http.Request) {
	table := types.TableID(chi.URLParam(r, "table"))
	if !r.URL.Query().Has("key") {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	ctx, cancel := s.lookupContext(r)
	defer cancel()
	tablet, err := s.cache.LookupTabletByKey(ctx, metacache.Table{ID: table}, r.URL.Query().Get("key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewTabletResponse(tablet))
}

func (s *Server) handleTabletByID(w http.ResponseWriter, r *http.Request) {
	useCache := true
	if v := r.URL.Query().Get("use_cache"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Bad use_cache"))
			return
		}
		useCache = b
	}

	ctx, cancel := s.lookupContext(r)
	defer cancel()
	tablet, err := s.cache.LookupTabletById(ctx, types.TabletID(chi.URLParam(r, "id")), useCache)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewTabletResponse(tablet))
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	table := types.TableID(chi.URLParam(r, "table"))
	s.cache.InvalidateTableCache(table)
	s.logger.Info("table cache invalidated", zap.String("table", string(table)))
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	resp := Response{Status: StatusSuccess, Servers: []ServerView{}}
	s.cache.Servers().Range(func(d *metacache.ServerDescriptor) bool {
		resp.Servers = append(resp.Servers, newServerView(d))
		return true
	})
	resp.Count = len(resp.Servers)
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleServerFailed(w http.ResponseWriter, r *http.Request) {
	id := types.ServerID(chi.URLParam(r, "id"))
	if _, ok := s.cache.Servers().Get(id); !ok {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Unknown server"))
		return
	}
	n := s.cache.MarkTSFailed(id, errors.New("marked failed through debug api"))
	s.logger.Warn("server marked failed", zap.String("server", string(id)), zap.Int("replicas", n))
	s.writeJSON(w, http.StatusOK, Response{Status: StatusSuccess, Count: n})
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := tabletrpc.GetChangesRequest{
		StreamID: q.Get("stream"),
		TabletID: types.TabletID(chi.URLParam(r, "id")),
	}
	if req.StreamID == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing stream"))
		return
	}
	var err error
	for name, dst := range map[string]*uint64{"term": &req.FromCheckpoint.Term, "index": &req.FromCheckpoint.Index} {
		if v := q.Get(name); v != "" {
			if *dst, err = strconv.ParseUint(v, 10, 64); err != nil {
				s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Bad "+name))
				return
			}
		}
	}
	if v := q.Get("max"); v != "" {
		if req.MaxRecords, err = strconv.Atoi(v); err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Bad max"))
			return
		}
	}

	ctx, cancel := s.lookupContext(r)
	defer cancel()
	resp, err := tabletrpc.GetChanges(ctx, req, *s.rpc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}
