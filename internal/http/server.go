package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"clusterdb/pkg/callback"
	"clusterdb/pkg/config"
	"clusterdb/pkg/dberrors"
	"clusterdb/pkg/protocol"
	"clusterdb/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = time.Second * 5
	defaultRequestTimeout  = time.Second * 5
	defaultMaxBodySize     = 64 << 20
)

// iDataService is the group-scoped surface the front forwards to.
type iDataService interface {
	SendHeartBeat(req *protocol.HeartBeatRequest, h callback.Handler[protocol.HeartBeatResponse])
	StartElection(req *protocol.ElectionRequest, h callback.Handler[protocol.ElectionResponse])
	AppendEntry(req *protocol.AppendEntryRequest, h callback.Handler[protocol.AppendResponse])
	AppendEntries(req *protocol.AppendEntriesRequest, h callback.Handler[protocol.AppendResponse])
	SendSnapshot(req *protocol.SendSnapshotRequest, h callback.Handler[protocol.Status])
	PullSnapshot(req *protocol.PullSnapshotRequest, h callback.Handler[protocol.PullSnapshotResponse])
	ExecuteNonQueryPlan(req *protocol.ExecuteNonQueryRequest, h callback.Handler[protocol.Status])
	RequestCommitIndex(header types.Node, h callback.Handler[types.LogIndex])
	ReadFile(filePath string, offset int64, length int, header types.Node, h callback.Handler[[]byte])
	PullTimeSeriesSchema(req *protocol.PullSchemaRequest, h callback.Handler[protocol.PullSchemaResponse])
	Headers() []types.Node
}

// Server is the data RPC front of a node.
type Server struct {
	svc            iDataService
	metrics        http.Handler
	httpServer     *http.Server
	requestTimeout time.Duration
	readTimeout    time.Duration
	maxBodySize    int64
	URL            string
	addr           string
}

// NewServer creates the front. metrics may be nil.
func NewServer(svc iDataService, metrics http.Handler, cfg config.ServerConfig) *Server {
	port := strconv.Itoa(cfg.Port)
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	maxBodySize := cfg.MaxBodySize
	if maxBodySize <= 0 {
		maxBodySize = defaultMaxBodySize
	}
	return &Server{
		svc:            svc,
		metrics:        metrics,
		requestTimeout: requestTimeout,
		readTimeout:    cfg.ReadHeaderTimeout,
		maxBodySize:    maxBodySize,
		URL:            "http://localhost:" + port,
		addr:           ":" + port,
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.readTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", ln.Addr().String())
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
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Get(protocol.PathHeaders, s.handleHeaders)
	r.Post(protocol.PathHeartBeat, func(w http.ResponseWriter, r *http.Request) {
		serve(s, w, r, s.svc.SendHeartBeat)
	})
	r.Post(protocol.PathElection, func(w http.ResponseWriter, r *http.Request) {
		serve(s, w, r, s.svc.StartElection)
	})
	r.Post(protocol.PathAppendEntry, func(w http.ResponseWriter, r *http.Request) {
		serve(s, w, r, s.svc.AppendEntry)
	})
	r.Post(protocol.PathAppendEntries, func(w http.ResponseWriter, r *http.Request) {
		serve(s, w, r, s.svc.AppendEntries)
	})
	r.Post(protocol.PathSendSnapshot, func(w http.ResponseWriter, r *http.Request) {
		serve(s, w, r, s.svc.SendSnapshot)
	})
	r.Post(protocol.PathPullSnapshot, func(w http.ResponseWriter, r *http.Request) {
		serve(s, w, r, s.svc.PullSnapshot)
	})
	r.Post(protocol.PathExecute, func(w http.ResponseWriter, r *http.Request) {
		serve(s, w, r, s.svc.ExecuteNonQueryPlan)
	})
	r.Post(protocol.PathCommitIndex, func(w http.ResponseWriter, r *http.Request) {
		serve(s, w, r, func(req *protocol.CommitIndexRequest, h callback.Handler[types.LogIndex]) {
			s.svc.RequestCommitIndex(req.Header, h)
		})
	})
	r.Post(protocol.PathReadFile, func(w http.ResponseWriter, r *http.Request) {
		serve(s, w, r, func(req *protocol.ReadFileRequest, h callback.Handler[[]byte]) {
			s.svc.ReadFile(req.FilePath, req.Offset, req.Length, req.Header, h)
		})
	})
	r.Post(protocol.PathPullSchema, func(w http.ResponseWriter, r *http.Request) {
		serve(s, w, r, s.svc.PullTimeSeriesSchema)
	})

	return r
}

// serve decodes the request, hands it to call and writes whatever the
// handler completes with, or a timeout when it does not complete in time.
func serve[Req, Resp any](s *Server, w http.ResponseWriter, r *http.Request, call func(*Req, callback.Handler[Resp])) {
	var req Req
	body := http.MaxBytesReader(w, r.Body, s.maxBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeJSON(w, http.StatusRequestEntityTooLarge, NewErrorResponse(err.Error()))
			return
		}
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("invalid request body: "+err.Error()))
		return
	}

	future := callback.NewFuture[Resp]()
	call(&req, future)

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	resp, err := future.Wait(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		slog.Warn("data request failed", "path", r.URL.Path, "status", code, "error", err)
	}
	s.writeJSON(w, code, NewErrorResponse(err.Error()))
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, dberrors.ErrNoHeader), errors.Is(err, dberrors.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, dberrors.ErrUnknownHeader):
		return http.StatusNotFound
	case errors.Is(err, dberrors.ErrNotInSameGroup):
		return http.StatusConflict
	case errors.Is(err, dberrors.ErrPartitionTableUnavailable), errors.Is(err, dberrors.ErrMemberStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleHeaders(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.Headers())
}
