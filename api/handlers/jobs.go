package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/minionflow/dispatch"
	"github.com/BaSui01/minionflow/transport"
	"github.com/BaSui01/minionflow/types"
)

// =============================================================================
// 📒 Jobs / Minions Handler
// =============================================================================

// JobsHandler 通过 runner 函数查询作业与 minion，ACL 与普通请求一致
type JobsHandler struct {
	engine Submitter
	logger *zap.Logger
}

// JobResponse 单个作业的各 minion 返回
type JobResponse struct {
	JID    string `json:"jid"`
	Return any    `json:"return"`
}

// NewJobsHandler 创建作业查询处理器
func NewJobsHandler(engine Submitter, logger *zap.Logger) *JobsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobsHandler{engine: engine, logger: logger.With(zap.String("handler", "jobs"))}
}

// HandleListJobs 处理 GET /jobs
// @Summary 作业列表
// @Description 支持 function / target / user / start_time / end_time / limit 过滤
// @Tags 作业
// @Produce json
// @Param X-Auth-Token header string true "会话 token"
// @Success 200 {object} Response
// @Failure 401 {object} Response "认证失败"
// @Failure 403 {object} Response "权限不足"
// @Router /jobs [get]
func (h *JobsHandler) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kwargs := map[string]any{}
	for param, kw := range map[string]string{
		"function":   "search_function",
		"target":     "search_target",
		"user":       "search_user",
		"start_time": "start_time",
		"end_time":   "end_time",
	} {
		if v := q.Get(param); v != "" {
			kwargs[kw] = v
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteError(w, types.NewInvalidRequestError("limit must be a non-negative integer"), h.logger)
			return
		}
		kwargs["limit"] = n
	}

	reply, ok := h.run(w, r, "jobs.list_jobs", kwargs)
	if !ok {
		return
	}
	WriteSuccess(w, reply.Return)
}

// HandleGetJob 处理 GET /jobs/{jid}
// @Summary 作业结果
// @Tags 作业
// @Produce json
// @Param jid path string true "作业 ID"
// @Success 200 {object} Response{data=JobResponse}
// @Router /jobs/{jid} [get]
func (h *JobsHandler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	jid := r.PathValue("jid")
	if jid == "" {
		WriteError(w, types.NewInvalidRequestError("missing jid"), h.logger)
		return
	}
	reply, ok := h.run(w, r, "jobs.lookup_jid", map[string]any{"jid": jid})
	if !ok {
		return
	}
	WriteSuccess(w, JobResponse{JID: jid, Return: reply.Return})
}

// HandleListMinions 处理 GET /minions，返回应答 ping 的 minion
// @Summary 在线 minion
// @Tags Minion
// @Produce json
// @Param X-Auth-Token header string true "会话 token"
// @Success 200 {object} Response
// @Router /minions [get]
func (h *JobsHandler) HandleListMinions(w http.ResponseWriter, r *http.Request) {
	kwargs := map[string]any{}
	if tgt := r.URL.Query().Get("tgt"); tgt != "" {
		kwargs["tgt"] = tgt
		if typ := r.URL.Query().Get("tgt_type"); typ != "" {
			kwargs["tgt_type"] = typ
		}
	}
	reply, ok := h.run(w, r, "manage.up", kwargs)
	if !ok {
		return
	}
	WriteSuccess(w, reply.Return)
}

// HandlePingMinion 处理 GET /minions/{id}，向单个 minion 发送 test.ping
// @Summary Ping minion
// @Tags Minion
// @Produce json
// @Param id path string true "minion ID"
// @Success 200 {object} Response
// @Failure 404 {object} Response "minion 不存在"
// @Router /minions/{id} [get]
func (h *JobsHandler) HandlePingMinion(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteError(w, types.NewInvalidRequestError("missing minion id"), h.logger)
		return
	}
	creds, ok := CredentialsFrom(r)
	if !ok {
		WriteError(w, types.NewAuthenticationError(), h.logger)
		return
	}
	tgt, err := transport.NewTarget([]string{id}, transport.TargetList)
	if err != nil {
		WriteError(w, types.NewInvalidRequestError(err.Error()), h.logger)
		return
	}
	reply, err := h.engine.Submit(r.Context(), &dispatch.LocalSync{
		Call:   dispatch.Call{Fun: "test.ping", Credentials: creds},
		Target: tgt,
	})
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, reply)
}

// run 以请求头凭据同步执行 runner 函数
func (h *JobsHandler) run(w http.ResponseWriter, r *http.Request, fun string, kwargs map[string]any) (*dispatch.Reply, bool) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
		return nil, false
	}
	creds, ok := CredentialsFrom(r)
	if !ok {
		WriteError(w, types.NewAuthenticationError(), h.logger)
		return nil, false
	}
	reply, err := h.engine.Submit(r.Context(), &dispatch.RunnerSync{
		Call: dispatch.Call{Fun: fun, Kwargs: kwargs, Credentials: creds},
	})
	if err != nil {
		WriteErr(w, err, h.logger)
		return nil, false
	}
	switch reply.Status {
	case dispatch.StatusFailed:
		msg, _ := reply.Return.(string)
		WriteError(w, types.NewInvalidRequestError(msg), h.logger)
		return nil, false
	case dispatch.StatusTimedOut:
		WriteError(w, types.NewError(types.ErrTimedOut, fun+" timed out").WithRetryable(true), h.logger)
		return nil, false
	}
	return reply, true
}
