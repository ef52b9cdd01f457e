package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"Bandmate/cache"
	"Bandmate/config"
	"Bandmate/core/auth"
	"Bandmate/logger"
	"Bandmate/model"
	"Bandmate/repository"
)

// APIHandler 处理账号、曲库与偏好相关的API请求
type APIHandler struct {
	trackRepo repository.TrackRepository
	userRepo  repository.UserRepository
	prefCache *cache.PreferenceCache
	cfg       *config.Config
}

// NewAPIHandler 创建API处理器
func NewAPIHandler(
	trackRepo repository.TrackRepository,
	userRepo repository.UserRepository,
	prefCache *cache.PreferenceCache,
	cfg *config.Config,
) *APIHandler {
	return &APIHandler{
		trackRepo: trackRepo,
		userRepo:  userRepo,
		prefCache: prefCache,
		cfg:       cfg,
	}
}

type contextKey string

const userIDContextKey contextKey = "userID"

// RegisterHandler handles new user registration.
func (h *APIHandler) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Email    string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Password == "" || req.Email == "" {
		http.Error(w, "Username, password and email are required", http.StatusBadRequest)
		return
	}

	existing, err := h.userRepo.GetUserByUsername(req.Username)
	if err != nil {
		logger.Error("[Register] 查询用户失败", logger.ErrorField(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if existing != nil {
		http.Error(w, "Username already taken", http.StatusConflict)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		logger.Error("[Register] 密码哈希失败", logger.ErrorField(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	userID, err := h.userRepo.CreateUser(&model.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
	})
	if err != nil {
		logger.Error("[Register] 创建用户失败", logger.ErrorField(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	token, err := auth.GenerateToken(userID, req.Username)
	if err != nil {
		logger.Error("[Register] 生成Token失败", logger.ErrorField(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	logger.Info("[Register] 注册成功", logger.String("username", req.Username))
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"token": token,
		"user":  map[string]interface{}{"id": userID, "username": req.Username, "email": req.Email},
	})
}

// LoginHandler handles user login requests.
func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("[Login] 解析请求体失败", logger.ErrorField(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Password == "" {
		http.Error(w, "Username and password are required", http.StatusBadRequest)
		return
	}

	user, err := h.userRepo.GetUserByUsername(req.Username)
	if err != nil {
		logger.Error("[Login] 查询用户失败", logger.ErrorField(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if user == nil || !auth.VerifyPassword(req.Password, user.PasswordHash) {
		logger.Warn("[Login] 用户名或密码错误", logger.String("username", req.Username))
		http.Error(w, "Invalid username or password", http.StatusUnauthorized)
		return
	}

	// 生成JWT token
	token, err := auth.GenerateToken(user.ID, user.Username)
	if err != nil {
		logger.Error("[Login] 生成Token失败", logger.ErrorField(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	logger.Info("[Login] 登录成功", logger.String("username", user.Username))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token": token,
		"user":  user,
	})
}

// AuthMiddleware is a middleware function that checks for a valid JWT token.
func (h *APIHandler) AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := auth.ParseToken(parts[1])
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDContextKey, claims.UserID)
		next(w, r.WithContext(ctx))
	}
}

// GetUserIDFromContext extracts the user ID from the request context.
func GetUserIDFromContext(ctx context.Context) (int64, error) {
	userID, ok := ctx.Value(userIDContextKey).(int64)
	if !ok {
		return 0, errors.New("user ID not found in context")
	}
	return userID, nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("写入响应失败", logger.ErrorField(err))
	}
}
