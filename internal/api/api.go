// Package api 提供远程登录配对所需的 REST 接口, 由已登录客户端调用
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/auth"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/remoteauth"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/repository"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/snowflake"
)

const (
	RouteRemoteAuth       = "/api/v9/users/@me/remote-auth"
	RouteRemoteAuthFinish = "/api/v9/users/@me/remote-auth/finish"
	RouteRemoteAuthCancel = "/api/v9/users/@me/remote-auth/cancel"

	maxBodyBytes = 4 * 1024
)

type Options struct {
	HandshakeTTL      time.Duration
	HandshakeCapacity int
	RepoTimeout       time.Duration
}

func (o Options) withDefaults() Options {
	if o.HandshakeTTL <= 0 {
		o.HandshakeTTL = 5 * time.Minute
	}
	if o.HandshakeCapacity <= 0 {
		o.HandshakeCapacity = 4096
	}
	if o.RepoTimeout <= 0 {
		o.RepoTimeout = 5 * time.Second
	}
	return o
}

type Deps struct {
	Repo     repository.Repository
	Sessions repository.SessionStore
	Signer   *auth.Signer
	Notifier *remoteauth.Notifier
}

// handshake 已登录用户确认扫描后, 等待 finish 或 cancel 的配对
type handshake struct {
	fingerprint string
	userID      snowflake.ID
}

type Handler struct {
	deps       Deps
	opts       Options
	router     *mux.Router
	handshakes *expirable.LRU[string, handshake]
}

func NewHandler(deps Deps, opts Options) *Handler {
	opts = opts.withDefaults()
	h := &Handler{
		deps:       deps,
		opts:       opts,
		router:     mux.NewRouter(),
		handshakes: expirable.NewLRU[string, handshake](opts.HandshakeCapacity, nil, opts.HandshakeTTL),
	}
	h.router.Use(logRequests)
	h.router.HandleFunc(RouteRemoteAuth, h.authorized(h.handleRemoteAuth)).Methods(http.MethodPost)
	h.router.HandleFunc(RouteRemoteAuthFinish, h.authorized(h.handleFinish)).Methods(http.MethodPost)
	h.router.HandleFunc(RouteRemoteAuthCancel, h.authorized(h.handleCancel)).Methods(http.MethodPost)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.DebugF("%s %s from %s took %s", r.Method, r.URL.Path, r.RemoteAddr, time.Since(start))
	})
}

type authorizedFunc func(w http.ResponseWriter, r *http.Request, userID snowflake.ID)

// authorized 校验 Authorization 头中的凭证, 兼容 Bearer 前缀
func (h *Handler) authorized(next authorizedFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "401: Unauthorized")
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), h.opts.RepoTimeout)
		defer cancel()
		userID, err := h.deps.Repo.ValidateSession(ctx, token)
		switch {
		case repository.IsNotFound(err):
			writeError(w, http.StatusUnauthorized, "401: Unauthorized")
			return
		case err != nil:
			logger.ErrorF("Fail to validate session: %v", err)
			writeError(w, http.StatusServiceUnavailable, "Service unavailable")
			return
		}
		next(w, r, userID)
	}
}

type remoteAuthRequest struct {
	Fingerprint    string `json:"fingerprint"`
	HandshakeToken string `json:"handshake_token"`
}

type remoteAuthResponse struct {
	HandshakeToken string `json:"handshake_token"`
}

type errorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.WarnF("Fail to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Message: message})
}

var errBadRequest = errors.New("invalid request body")

func decodeRequest(w http.ResponseWriter, r *http.Request) (*remoteAuthRequest, error) {
	var req remoteAuthRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		return nil, errBadRequest
	}
	return &req, nil
}

// handleRemoteAuth 用户确认扫码, 待登录设备收到加密的用户摘要
func (h *Handler) handleRemoteAuth(w http.ResponseWriter, r *http.Request, userID snowflake.ID) {
	req, err := decodeRequest(w, r)
	if err != nil || req.Fingerprint == "" {
		writeError(w, http.StatusBadRequest, "Invalid fingerprint")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.opts.RepoTimeout)
	defer cancel()
	user, err := h.deps.Repo.GetUser(ctx, userID)
	if err != nil {
		logger.ErrorF("Fail to load user %s for remote auth: %v", userID, err)
		writeError(w, http.StatusServiceUnavailable, "Service unavailable")
		return
	}

	token := uuid.NewString()
	h.handshakes.Add(token, handshake{fingerprint: req.Fingerprint, userID: userID})
	h.deps.Notifier.PendingFinish(req.Fingerprint, user)
	logger.InfoF("User %s confirmed remote auth for %s", userID, req.Fingerprint)
	writeJSON(w, http.StatusOK, remoteAuthResponse{HandshakeToken: token})
}

// resolve 握手令牌优先, 令牌只能由发起者使用一次
func (h *Handler) resolve(req *remoteAuthRequest, userID snowflake.ID) (string, bool) {
	if req.HandshakeToken != "" {
		pending, ok := h.handshakes.Peek(req.HandshakeToken)
		if !ok || pending.userID != userID {
			return "", false
		}
		h.handshakes.Remove(req.HandshakeToken)
		return pending.fingerprint, true
	}
	return req.Fingerprint, req.Fingerprint != ""
}

func (h *Handler) handleFinish(w http.ResponseWriter, r *http.Request, userID snowflake.ID) {
	req, err := decodeRequest(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fingerprint, ok := h.resolve(req, userID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid handshake token")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.RepoTimeout)
	defer cancel()
	sessionID, err := h.deps.Sessions.CreateAuthSession(ctx, userID)
	if err != nil {
		logger.ErrorF("Fail to create auth session for %s: %v", userID, err)
		writeError(w, http.StatusServiceUnavailable, "Service unavailable")
		return
	}
	token, err := h.deps.Signer.Sign(userID, sessionID)
	if err != nil {
		logger.ErrorF("Fail to sign token for %s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.deps.Notifier.Finish(fingerprint, token)
	logger.InfoF("User %s finished remote auth for %s", userID, fingerprint)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request, userID snowflake.ID) {
	req, err := decodeRequest(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fingerprint, ok := h.resolve(req, userID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid handshake token")
		return
	}
	h.deps.Notifier.Cancel(fingerprint)
	logger.InfoF("User %s cancelled remote auth for %s", userID, fingerprint)
	w.WriteHeader(http.StatusNoContent)
}
