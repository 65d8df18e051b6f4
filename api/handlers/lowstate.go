package handlers

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/minionflow/dispatch"
	"github.com/BaSui01/minionflow/types"
)

// maxLowstate 单次请求可提交的 low 数量上限
const maxLowstate = 64

// Submitter 执行一个已构建的请求（dispatch.Engine 实现）
type Submitter interface {
	Submit(ctx context.Context, low dispatch.Low) (*dispatch.Reply, error)
}

// =============================================================================
// 🚀 Lowstate Handler
// =============================================================================

// LowstateHandler 接收 low 数据并交给调度引擎
type LowstateHandler struct {
	engine  Submitter
	builder *dispatch.Builder
	logger  *zap.Logger
}

// LowstateResponse 每个 low 一个结果，顺序与请求一致
type LowstateResponse struct {
	Return []*dispatch.Reply `json:"return"`
}

// NewLowstateHandler 创建 lowstate 处理器
func NewLowstateHandler(engine Submitter, logger *zap.Logger) *LowstateHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LowstateHandler{
		engine:  engine,
		builder: dispatch.NewBuilder(),
		logger:  logger.With(zap.String("handler", "lowstate")),
	}
}

// HandleLowstate 处理 POST /
// @Summary 提交 low 数据
// @Description 请求体为单个 low 对象或 low 列表；未带凭据的 low 使用 X-Auth-Token 或 Bearer 凭据
// @Tags 调度
// @Accept json
// @Produce json
// @Param X-Auth-Token header string false "会话 token"
// @Success 200 {object} Response{data=LowstateResponse}
// @Failure 400 {object} Response "请求无效"
// @Failure 401 {object} Response "认证失败"
// @Failure 403 {object} Response{data=LowstateResponse} "权限不足，data 含已派发的结果"
// @Router / [post]
func (h *LowstateHandler) HandleLowstate(w http.ResponseWriter, r *http.Request) {
	creds, _ := CredentialsFrom(r)
	h.serve(w, r, &creds)
}

// HandleRun 处理 POST /run，凭据必须放在每个 low 中
// @Summary 无会话执行
// @Description 与 / 相同，但忽略请求头凭据
// @Tags 调度
// @Accept json
// @Produce json
// @Success 200 {object} Response{data=LowstateResponse}
// @Failure 401 {object} Response "认证失败"
// @Router /run [post]
func (h *LowstateHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, nil)
}

func (h *LowstateHandler) serve(w http.ResponseWriter, r *http.Request, creds *dispatch.Credentials) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var body any
	if err := DecodeJSONBody(w, r, &body, h.logger); err != nil {
		return
	}
	lows, err := lowList(body)
	if err != nil {
		WriteError(w, types.NewInvalidRequestError(err.Error()), h.logger)
		return
	}

	built := make([]dispatch.Low, 0, len(lows))
	for _, raw := range lows {
		if creds != nil {
			applyCredentials(raw, *creds)
		}
		low, err := h.builder.Build(raw)
		if err != nil {
			WriteErr(w, err, h.logger)
			return
		}
		built = append(built, low)
	}

	// 出错时停止，已派发的作业照常返回，调用方仍能拿到它们的 jid
	replies := make([]*dispatch.Reply, 0, len(built))
	for i, low := range built {
		reply, err := h.engine.Submit(r.Context(), low)
		if err != nil {
			h.logger.Debug("lowstate aborted", zap.Int("index", i), zap.Int("submitted", len(replies)), zap.Error(err))
			if len(replies) == 0 {
				WriteErr(w, err, h.logger)
				return
			}
			WriteErrData(w, err, LowstateResponse{Return: replies}, h.logger)
			return
		}
		replies = append(replies, reply)
	}
	WriteSuccess(w, LowstateResponse{Return: replies})
}

func lowList(body any) ([]map[string]any, error) {
	switch v := body.(type) {
	case map[string]any:
		return []map[string]any{v}, nil
	case []any:
		if len(v) == 0 {
			return nil, fmt.Errorf("lowstate is empty")
		}
		if len(v) > maxLowstate {
			return nil, fmt.Errorf("lowstate holds %d entries, limit is %d", len(v), maxLowstate)
		}
		out := make([]map[string]any, 0, len(v))
		for i, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("lowstate entry %d is not an object", i)
			}
			out = append(out, m)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("lowstate must be an object or a list of objects")
	}
}
