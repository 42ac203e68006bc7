package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"OpenMCP-Sweep/internal/auth"
	xerrors "OpenMCP-Sweep/internal/errors"
	"OpenMCP-Sweep/internal/intent"
	"OpenMCP-Sweep/internal/observability/metrics"
	"OpenMCP-Sweep/internal/sweep"
	"OpenMCP-Sweep/internal/task"
	"OpenMCP-Sweep/pkg/logger"
)

// JobService 由 task.Service 实现。
type JobService interface {
	Submit(ctx context.Context, req task.Request) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.TaskStats, error)
}

// Server 负责暴露 REST 接口，供外部提交和查询归集任务。
type Server struct {
	addr        string
	jobs        JobService
	extractor   intent.Extractor
	auth        *auth.Service
	metrics     *metrics.Metrics
	metricsPath string
}

// Option 配置 Server。
type Option func(*Server)

// WithIntentExtractor 启用 /api/v1/intents。
func WithIntentExtractor(e intent.Extractor) Option {
	return func(s *Server) { s.extractor = e }
}

// WithAuth 为 /api/v1 下的路由启用 API Key 校验。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithMetrics 记录请求指标，并在 path 上暴露 Prometheus 指标。
func WithMetrics(m *metrics.Metrics, path string) Option {
	return func(s *Server) {
		s.metrics = m
		s.metricsPath = path
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, jobs JobService, opts ...Option) *Server {
	s := &Server{addr: addr, jobs: jobs}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回带路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.instrument)

	v1 := router.PathPrefix("/api/v1").Subrouter()
	if s.auth != nil {
		v1.Use(s.auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{
				http.MethodPost: {auth.PermSubmit},
				http.MethodGet:  {auth.PermRead},
			},
		}))
	}
	v1.HandleFunc("/sweeps", s.handleCreateSweep).Methods(http.MethodPost)
	v1.HandleFunc("/swaps", s.handleCreateSwap).Methods(http.MethodPost)
	v1.HandleFunc("/intents", s.handleIntent).Methods(http.MethodPost)
	v1.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}", s.handleJobDetail).Methods(http.MethodGet)

	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	if s.metrics != nil && s.metricsPath != "" {
		router.Handle(s.metricsPath, s.metrics.Handler()).Methods(http.MethodGet)
	}
	return router
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.L().Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type sweepRequest struct {
	ID          string `json:"id"`
	Chain       string `json:"chain"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

func (s *Server) handleCreateSweep(w http.ResponseWriter, r *http.Request) {
	var body sweepRequest
	if !decodeBody(w, r, &body) {
		return
	}
	s.submit(w, r, task.Request{
		ID:          body.ID,
		Mode:        sweep.ModeSweep,
		Chain:       body.Chain,
		Source:      body.Source,
		Destination: body.Destination,
		Origin:      task.OriginAPI,
	})
}

func (s *Server) handleCreateSwap(w http.ResponseWriter, r *http.Request) {
	var body sweepRequest
	if !decodeBody(w, r, &body) {
		return
	}
	s.submit(w, r, task.Request{
		ID:     body.ID,
		Mode:   sweep.ModeSwapAll,
		Chain:  body.Chain,
		Source: body.Source,
		Origin: task.OriginAPI,
	})
}

type intentRequest struct {
	Text  string `json:"text"`
	Chain string `json:"chain"`
	// DryRun 只返回解析结果，不提交任务。
	DryRun bool `json:"dry_run"`
}

type intentResponse struct {
	Params *intent.Params `json:"params"`
	Job    *task.Task     `json:"job,omitempty"`
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	if s.extractor == nil {
		writeError(w, xerrors.New(intent.CodeIntentUnavailable, "未配置意图解析服务"))
		return
	}
	var body intentRequest
	if !decodeBody(w, r, &body) {
		return
	}
	params, err := s.extractor.Extract(r.Context(), body.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	if body.DryRun {
		writeJSON(w, http.StatusOK, intentResponse{Params: params})
		return
	}
	job, err := s.jobs.Submit(r.Context(), task.Request{
		Mode:        params.Mode,
		Chain:       body.Chain,
		Source:      params.Source,
		Destination: params.Destination,
		Origin:      task.OriginIntent,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, intentResponse{Params: params, Job: job})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, req task.Request) {
	job, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(mux.Vars(r)["id"])
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少任务 ID"))
		return
	}
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type listResponse struct {
	Jobs  []*task.Task   `json:"jobs"`
	Stats task.TaskStats `json:"stats"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	jobs, err := s.jobs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.jobs.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Jobs: jobs, Stats: stats})
}

func parseListOptions(r *http.Request) ([]task.ListOption, error) {
	query := r.URL.Query()
	var opts []task.ListOption

	for _, key := range []string{"limit", "offset"} {
		raw := query.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, key+" 必须为非负整数")
		}
		if key == "limit" {
			opts = append(opts, task.WithLimit(n))
		} else {
			opts = append(opts, task.WithOffset(n))
		}
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态 "+string(status))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := query.Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "since 必须是 RFC3339 时间")
		}
		opts = append(opts, task.WithUpdatedSince(ts))
	}
	if raw := query.Get("source"); raw != "" {
		opts = append(opts, task.WithSource(raw))
	}
	if raw := query.Get("q"); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}
	if query.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	return opts, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return false
	}
	return true
}

type errorBody struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败", slog.Any("error", err))
	}
	writeJSON(w, status, map[string]errorBody{"error": {Code: xerrors.CodeOf(err), Message: err.Error()}})
}

func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation, sweep.CodeInvalidRequest:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict:
		return http.StatusConflict
	case intent.CodeIntentUnparseable:
		return http.StatusUnprocessableEntity
	case intent.CodeIntentUnavailable, xerrors.CodeUpstreamFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument 以路由模板作为 handler 标签，避免任务 ID 造成标签爆炸。
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		handler := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				handler = tpl
			}
		}
		s.metrics.ObserveHTTPRequest(handler, r.Method, rec.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
