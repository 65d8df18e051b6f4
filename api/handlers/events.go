package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/minionflow/auth"
	"github.com/BaSui01/minionflow/dispatch"
	"github.com/BaSui01/minionflow/event"
	"github.com/BaSui01/minionflow/types"
)

// keepAliveInterval SSE 注释行 / websocket ping 间隔
const keepAliveInterval = 15 * time.Second

// CallerAuthenticator 把请求凭据解析为 token（dispatch.Engine 实现）
type CallerAuthenticator interface {
	Authenticate(ctx context.Context, c dispatch.Credentials) (*auth.Token, error)
}

// =============================================================================
// 📡 Events Handler
// =============================================================================

// EventsHandler 把事件总线上的事件推送给持有 token 的客户端
type EventsHandler struct {
	bus            *event.Bus
	auth           CallerAuthenticator
	originPatterns []string
	logger         *zap.Logger
}

// NewEventsHandler 创建事件流处理器；originPatterns 为允许的跨域来源
func NewEventsHandler(bus *event.Bus, a CallerAuthenticator, originPatterns []string, logger *zap.Logger) *EventsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventsHandler{
		bus:            bus,
		auth:           a,
		originPatterns: originPatterns,
		logger:         logger.With(zap.String("handler", "events")),
	}
}

// HandleEvents 处理 GET /events
// @Summary 事件流
// @Description 按 tag 前缀过滤的事件流；Upgrade: websocket 时走 websocket，否则走 SSE。
// @Description 浏览器无法设置请求头时可用 ?token= 传递 token
// @Tags 事件
// @Produce text/event-stream
// @Param tag query string false "tag 前缀，如 job/ 或 run/"
// @Param token query string false "会话 token"
// @Success 200 {string} string "事件流"
// @Failure 401 {object} Response "认证失败"
// @Router /events [get]
func (h *EventsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
		return
	}
	creds, ok := CredentialsFrom(r)
	if !ok {
		if tok := r.URL.Query().Get("token"); tok != "" {
			creds, ok = dispatch.Credentials{Token: tok}, true
		}
	}
	if !ok {
		WriteError(w, types.NewAuthenticationError(), h.logger)
		return
	}
	tok, err := h.auth.Authenticate(r.Context(), creds)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}

	// 长连接不受 server WriteTimeout 约束
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	prefix := r.URL.Query().Get("tag")
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		h.serveWebsocket(w, r, tok, prefix)
		return
	}
	h.serveSSE(w, r, tok, prefix)
}

func (h *EventsHandler) serveSSE(w http.ResponseWriter, r *http.Request, tok *auth.Token, prefix string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, types.NewError(types.ErrInternalError, "streaming not supported"), h.logger)
		return
	}

	// 先订阅再写响应头，客户端收到首行时订阅已生效
	waiter := h.bus.Subscribe(prefix, event.Stream)
	defer waiter.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("retry: 400\n\n"))
	flusher.Flush()
	h.logger.Debug("event stream opened", zap.String("user", tok.Name), zap.String("prefix", prefix), zap.String("mode", "sse"))

	ctx := r.Context()
	next := make(chan event.Event)
	go func() {
		defer close(next)
		for {
			ev, err := waiter.Next(ctx)
			if err != nil {
				return
			}
			select {
			case next <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-next:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				h.logger.Warn("unencodable event", zap.String("tag", ev.Tag), zap.Error(err))
				continue
			}
			if _, err := w.Write([]byte("tag: " + ev.Tag + "\ndata: ")); err != nil {
				return
			}
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ticker.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func (h *EventsHandler) serveWebsocket(w http.ResponseWriter, r *http.Request, tok *auth.Token, prefix string) {
	waiter := h.bus.Subscribe(prefix, event.Stream)
	defer waiter.Cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Info("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// 客户端不发送数据；CloseRead 在对端关闭时取消 ctx
	ctx := conn.CloseRead(r.Context())
	h.logger.Debug("event stream opened", zap.String("user", tok.Name), zap.String("prefix", prefix), zap.String("mode", "websocket"))

	for {
		ev, err := waiter.Next(ctx)
		if errors.Is(err, event.ErrSubscriptionClosed) {
			_ = conn.Close(websocket.StatusGoingAway, "event bus closed")
			return
		}
		if err != nil {
			return
		}
		writeCtx, cancel := context.WithTimeout(ctx, keepAliveInterval)
		err = wsjson.Write(writeCtx, conn, ev)
		cancel()
		if err != nil {
			h.logger.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
}
