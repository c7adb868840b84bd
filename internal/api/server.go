package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"Spectre-Protocol/internal/auth"
	"Spectre-Protocol/internal/capability"
	"Spectre-Protocol/internal/market"
	"Spectre-Protocol/internal/observability/metrics"
	"Spectre-Protocol/internal/proofs"
)

// AgentRegistry 是 API 需要的能力注册表操作，capability.Registry 满足该接口。
type AgentRegistry interface {
	Register(agentID, modelType string, stake uint64) error
	Get(agentID string) (capability.AgentCapability, error)
	List() []capability.AgentCapability
	Reward(agentID string, bonus float64) (float64, bool)
	Slash(agentID string, penalty float64) (float64, bool)
}

// JobMarket 是 API 需要的任务市场操作，market.Marketplace 满足该接口。
type JobMarket interface {
	Post(ctx context.Context, id, requester, requiredAlgo string, reward uint64) (*market.Job, error)
	Claim(ctx context.Context, jobID, agentID string, proof proofs.ExecutionProof, taskComplexity uint32) (*market.ClaimReceipt, error)
	Get(ctx context.Context, id string) (*market.Job, error)
	List(ctx context.Context, limit int) ([]*market.Job, error)
	Stats(ctx context.Context) (market.Stats, error)
}

const (
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 15 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultListLimit       = 50
)

// Server 负责暴露 REST 接口，供外部注册 agent、发布与领取任务。
type Server struct {
	addr            string
	registry        AgentRegistry
	market          JobMarket
	metrics         *metrics.Recorder
	auth            *auth.Service
	validate        *validator.Validate
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
}

// Option 定义可选配置。
type Option func(*Server)

// WithMetrics 为每个路由记录请求耗时与状态码。
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(s *Server) {
		s.metrics = recorder
	}
}

// WithAuth 为写操作启用操作员令牌校验。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// WithTimeouts 覆盖读写与优雅关闭超时，零值保持默认。
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, registry AgentRegistry, jobs JobMarket, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		registry:        registry,
		market:          jobs,
		validate:        newValidator(),
		readTimeout:     defaultReadTimeout,
		writeTimeout:    defaultWriteTimeout,
		shutdownTimeout: defaultShutdownTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "GET /healthz", "healthz", s.handleHealth)

	s.route(mux, "POST /api/v1/agents", "register_agent", s.handleRegisterAgent, auth.PermAgentsWrite)
	s.route(mux, "GET /api/v1/agents", "list_agents", s.handleListAgents)
	s.route(mux, "GET /api/v1/agents/{id}", "get_agent", s.handleGetAgent)
	s.route(mux, "POST /api/v1/agents/{id}/reward", "reward_agent", s.handleReward, auth.PermReputationWrite)
	s.route(mux, "POST /api/v1/agents/{id}/slash", "slash_agent", s.handleSlash, auth.PermReputationWrite)

	s.route(mux, "POST /api/v1/jobs", "post_job", s.handlePostJob, auth.PermJobsWrite)
	s.route(mux, "GET /api/v1/jobs", "list_jobs", s.handleListJobs)
	s.route(mux, "GET /api/v1/jobs/{id}", "get_job", s.handleGetJob)
	s.route(mux, "POST /api/v1/jobs/{id}/claim", "claim_job", s.handleClaimJob, auth.PermJobsClaim)

	s.route(mux, "GET /api/v1/stats", "stats", s.handleStats)
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// route 注册路由；带权限的路由在 auth 启用时需要操作员令牌。
func (s *Server) route(mux *http.ServeMux, pattern, name string, handler http.HandlerFunc, perms ...string) {
	var h http.Handler = handler
	if len(perms) > 0 && s.auth != nil {
		h = s.auth.Require(perms...)(h)
	}
	mux.Handle(pattern, s.instrument(name, h))
}

// instrument 记录每个请求的状态码与耗时。
func (s *Server) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.ObserveHTTPRequest(r.Context(), name, r.Method, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
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
