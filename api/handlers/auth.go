package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/BaSui01/minionflow/acl"
	"github.com/BaSui01/minionflow/auth"
	"github.com/BaSui01/minionflow/types"
)

// TokenIssuer 签发与吊销 token（auth.LoadAuth 实现）
type TokenIssuer interface {
	Authenticate(ctx context.Context, req auth.AuthRequest) (*auth.Token, error)
	GetToken(ctx context.Context, value string) (*auth.Token, bool)
	Revoke(ctx context.Context, value string) (bool, error)
}

// PermissionLister 计算调用者的 auth list（acl.Resolver 实现）
type PermissionLister interface {
	GetAuthList(ctx context.Context, load acl.Load, tok *auth.Token) ([]any, error)
}

// =============================================================================
// 🔐 Auth Handler
// =============================================================================

// AuthHandler 登录 / 登出
type AuthHandler struct {
	issuer   TokenIssuer
	perms    PermissionLister
	validate *validator.Validate
	logger   *zap.Logger
}

// LoginRequest 登录请求
type LoginRequest struct {
	Eauth    string `json:"eauth" validate:"required"`
	Username string `json:"username"`
	Password string `json:"password"`
	// 可选，秒；覆盖后端与全局有效期
	TokenExpire *float64 `json:"token_expire,omitempty" validate:"omitempty,gt=0"`
}

// LoginResponse 登录结果
type LoginResponse struct {
	Token  string   `json:"token"`
	Start  float64  `json:"start"`
	Expire float64  `json:"expire"`
	User   string   `json:"user"`
	Eauth  string   `json:"eauth"`
	Perms  []any    `json:"perms"`
	Groups []string `json:"groups,omitempty"`
}

// NewAuthHandler 创建认证处理器；perms 可为 nil
func NewAuthHandler(issuer TokenIssuer, perms PermissionLister, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{
		issuer:   issuer,
		perms:    perms,
		validate: validator.New(),
		logger:   logger.With(zap.String("handler", "auth")),
	}
}

// HandleLogin 处理 POST /login
// @Summary 登录
// @Description 通过外部认证后端换取 token
// @Tags 认证
// @Accept json
// @Produce json
// @Param request body LoginRequest true "登录凭据"
// @Success 200 {object} Response{data=LoginResponse}
// @Failure 401 {object} Response "认证失败"
// @Failure 429 {object} Response "登录过于频繁"
// @Router /login [post]
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req LoginRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		WriteError(w, types.NewInvalidRequestError(loginProblem(err)).WithCause(err), h.logger)
		return
	}

	ar := auth.AuthRequest{
		Username: req.Username,
		Password: req.Password,
		Eauth:    req.Eauth,
	}
	if req.TokenExpire != nil {
		d := time.Duration(*req.TokenExpire * float64(time.Second))
		ar.TokenExpire = &d
	}

	tok, err := h.issuer.Authenticate(r.Context(), ar)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}

	perms := tok.AuthList
	if perms == nil && h.perms != nil {
		perms, err = h.perms.GetAuthList(r.Context(), acl.Load{Eauth: tok.Eauth, Username: tok.Name}, tok)
		if err != nil {
			h.logger.Warn("auth list unavailable at login", zap.String("user", tok.Name), zap.Error(err))
			perms = nil
		}
	}
	if perms == nil {
		perms = []any{}
	}

	WriteSuccess(w, LoginResponse{
		Token:  tok.Value,
		Start:  tok.Start,
		Expire: tok.Expire,
		User:   tok.Name,
		Eauth:  tok.Eauth,
		Perms:  perms,
		Groups: tok.Groups,
	})
}

// HandleLogout 处理 POST /logout
// @Summary 登出
// @Description 吊销请求头中的 token
// @Tags 认证
// @Produce json
// @Param X-Auth-Token header string true "会话 token"
// @Success 200 {object} Response
// @Failure 401 {object} Response "缺少或无效 token"
// @Router /logout [post]
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
		return
	}
	creds, ok := CredentialsFrom(r)
	if !ok || creds.Token == "" {
		WriteError(w, types.NewAuthenticationError(), h.logger)
		return
	}
	if _, valid := h.issuer.GetToken(r.Context(), creds.Token); !valid {
		WriteError(w, types.NewAuthenticationError(), h.logger)
		return
	}
	revoked, err := h.issuer.Revoke(r.Context(), creds.Token)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]bool{"revoked": revoked})
}

func loginProblem(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return "invalid login request"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return "missing " + strings.ToLower(fe.Field())
	default:
		return "invalid " + strings.ToLower(fe.Field())
	}
}
