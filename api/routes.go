package api

import (
	"net/http"

	"github.com/BaSui01/minionflow/api/handlers"
)

// Handlers 是路由需要的全部处理器；为 nil 的处理器不注册路由
type Handlers struct {
	Health   *handlers.HealthHandler
	Auth     *handlers.AuthHandler
	Lowstate *handlers.LowstateHandler
	Jobs     *handlers.JobsHandler
	Events   *handlers.EventsHandler

	BuildTime string
	GitCommit string
}

// PublicPaths 不需要凭据的路径，供限流、日志等中间件参考
var PublicPaths = []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/login", "/run"}

// NewRouter 注册所有端点
func NewRouter(h Handlers) *http.ServeMux {
	mux := http.NewServeMux()

	if h.Health != nil {
		mux.HandleFunc("GET /health", h.Health.HandleHealthz)
		mux.HandleFunc("GET /healthz", h.Health.HandleHealthz)
		mux.HandleFunc("GET /ready", h.Health.HandleReady)
		mux.HandleFunc("GET /readyz", h.Health.HandleReady)
		mux.HandleFunc("GET /version", h.Health.HandleVersion(h.BuildTime, h.GitCommit))
	}
	if h.Auth != nil {
		mux.HandleFunc("POST /login", h.Auth.HandleLogin)
		mux.HandleFunc("POST /logout", h.Auth.HandleLogout)
	}
	if h.Lowstate != nil {
		mux.HandleFunc("POST /{$}", h.Lowstate.HandleLowstate)
		mux.HandleFunc("POST /run", h.Lowstate.HandleRun)
	}
	if h.Jobs != nil {
		mux.HandleFunc("GET /jobs", h.Jobs.HandleListJobs)
		mux.HandleFunc("GET /jobs/{jid}", h.Jobs.HandleGetJob)
		mux.HandleFunc("GET /minions", h.Jobs.HandleListMinions)
		mux.HandleFunc("GET /minions/{id}", h.Jobs.HandlePingMinion)
	}
	if h.Events != nil {
		mux.HandleFunc("GET /events", h.Events.HandleEvents)
	}
	return mux
}
