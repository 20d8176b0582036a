package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"module_vali/internal/config"
	"module_vali/internal/dataType"
	"module_vali/internal/metrics"
	"module_vali/internal/rpc"
)

const (
	VoteMaxSkew = 2 * time.Minute
	VoteMaxAge  = 10 * time.Minute

	maxBodySize = 1 << 20
)

// Node is the part of the supervisor the status server exposes.
type Node interface {
	RunInfo(ctx context.Context) dataType.RunInfo
	Leaderboard(ctx context.Context) ([]dataType.PeerRecord, error)
	EvalPeer(ctx context.Context, nameOrAddress string) (dataType.PeerRecord, error)
	Vote(ctx context.Context) dataType.VoteOutcome
	WorkerStates() map[string]string
}

type runInfoResponse struct {
	dataType.RunInfo
	States map[string]string `json:"states"`
}

// voteRequest is the optional body of a forced vote. With a secret
// configured it must be signed and recent.
type voteRequest struct {
	Timestamp float64 `json:"timestamp"`
}

type Server struct {
	cfg     *config.MainConfig
	node    Node
	metrics *metrics.Metrics
	allow   *dataType.AllowList
	clock   clockwork.Clock
	logger  *zap.Logger

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewServer(cfg *config.MainConfig, node Node, m *metrics.Metrics, clock clockwork.Clock, logger *zap.Logger) (*Server, error) {
	allow, err := dataType.NewAllowList(cfg.StatusAllow)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		node:    node,
		metrics: m,
		allow:   allow,
		clock:   clock,
		logger:  logger,
		seen:    make(map[string]time.Time),
	}, nil
}

// Handler routes the status endpoints under the configured web path.
func (s *Server) Handler() http.Handler {
	base := strings.TrimSuffix(s.cfg.WebPath, "/")
	mux := http.NewServeMux()
	mux.HandleFunc(base+"/health_check", s.handleHealthCheck)
	mux.HandleFunc(base+"/run_info", s.handleRunInfo)
	mux.HandleFunc(base+"/leaderboard", s.handleLeaderboard)
	mux.HandleFunc(base+"/eval", s.allowed(s.handleEval))
	mux.HandleFunc(base+"/vote", s.allowed(s.handleVote))
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.StatusPort,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", zap.String("addr", srv.Addr), zap.String("web_path", s.cfg.WebPath))
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-serverErr; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// allowed rejects requests from addresses outside status_allow.
func (s *Server) allowed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.allow.Allows(r.RemoteAddr) {
			s.logger.Warn("request from address not allowed", zap.String("remote", r.RemoteAddr), zap.String("path", r.URL.Path))
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	now := s.clock.Now()
	info := s.node.RunInfo(r.Context())

	var builder strings.Builder
	builder.WriteString("ok\n")
	builder.WriteString("version=")
	builder.WriteString(dataType.ValiVersion)
	builder.WriteString("\n")
	builder.WriteString("time=")
	builder.WriteString(now.Format(time.RFC3339))
	builder.WriteString("\n")
	builder.WriteString("ts=")
	builder.WriteString(strconv.FormatFloat(dataType.UnixSeconds(now), 'f', 3, 64))
	builder.WriteString("\n")
	builder.WriteString("node=")
	builder.WriteString(s.cfg.NodeName)
	builder.WriteString("\n")
	builder.WriteString("workers=")
	builder.WriteString(strconv.Itoa(info.Workers))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(builder.String())); err != nil {
		s.logger.Warn("error writing response", zap.String("handler", "health_check"), zap.Error(err))
	}
}

func (s *Server) handleRunInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, runInfoResponse{
		RunInfo: s.node.RunInfo(r.Context()),
		States:  s.node.WorkerStates(),
	})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	board, err := s.node.Leaderboard(r.Context())
	if err != nil {
		s.logger.Error("failed to build leaderboard", zap.Error(err))
		http.Error(w, "500 - Internal Server Error", http.StatusInternalServerError)
		return
	}
	if board == nil {
		board = []dataType.PeerRecord{}
	}
	s.writeJSON(w, http.StatusOK, board)
}

func (s *Server) handleEval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	peer := r.URL.Query().Get("peer")
	if peer == "" {
		http.Error(w, "Missing peer parameter", http.StatusBadRequest)
		return
	}
	rec, err := s.node.EvalPeer(r.Context(), peer)
	if err != nil {
		s.logger.Info("eval rejected", zap.String("peer", peer), zap.Error(err))
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := r.Body.Close(); err != nil {
			s.logger.Warn("failed to close request body", zap.Error(err))
		}
	}()

	if s.cfg.Secret != "" {
		if status, msg := s.authorize(r, body); status != http.StatusOK {
			http.Error(w, msg, status)
			return
		}
	}

	outcome := s.node.Vote(r.Context())
	s.writeJSON(w, http.StatusOK, outcome)
}

// authorize checks the signature and age of a forced vote request.
func (s *Server) authorize(r *http.Request, body []byte) (int, string) {
	signature := r.Header.Get(rpc.SignatureHeader)
	if signature == "" {
		s.logger.Warn("missing vote signature", zap.String("remote", r.RemoteAddr))
		return http.StatusForbidden, "Forbidden"
	}
	if !rpc.Verify(s.cfg.Secret, body, signature) {
		s.logger.Warn("invalid vote signature", zap.String("remote", r.RemoteAddr), zap.String("key", r.Header.Get(rpc.KeyHeader)))
		return http.StatusForbidden, "Forbidden"
	}

	var req voteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return http.StatusBadRequest, "Invalid JSON"
	}
	now := s.clock.Now()
	sent := dataType.FromUnixSeconds(req.Timestamp)
	if now.Sub(sent) > VoteMaxAge || sent.Sub(now) > VoteMaxSkew {
		s.logger.Warn("dropped vote request outside the accepted window", zap.Float64("ts", req.Timestamp))
		return http.StatusForbidden, "Request expired"
	}
	if !s.markSeen(signature, sent, now) {
		s.logger.Warn("dropped replayed vote request", zap.String("remote", r.RemoteAddr))
		return http.StatusForbidden, "Request already seen"
	}
	return http.StatusOK, ""
}

// markSeen records a signature and reports false if it was already used.
// Entries leave once their request would fail the age check anyway.
func (s *Server) markSeen(signature string, sent, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sig, ts := range s.seen {
		if now.Sub(ts) > VoteMaxAge {
			delete(s.seen, sig)
		}
	}
	signature = strings.ToLower(signature)
	if _, ok := s.seen[signature]; ok {
		return false
	}
	s.seen[signature] = sent
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
		http.Error(w, "500 - Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("error writing response", zap.Error(err))
	}
}
