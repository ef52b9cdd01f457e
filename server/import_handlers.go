package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"Bandmate/cache"
	"Bandmate/config"
	"Bandmate/core/format"
	"Bandmate/core/gateway"
	"Bandmate/core/importer"
	"Bandmate/core/remote"
	"Bandmate/logger"
	"Bandmate/model"
	"Bandmate/repository"

	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ImportHandler 导入流水线的HTTP/WebSocket适配器。
// 编排器拥有任务表，适配器只拿到只读快照并推给前端。
type ImportHandler struct {
	lister    *remote.Lister
	orch      *importer.Orchestrator
	prefCache *cache.PreferenceCache
	userRepo  repository.UserRepository
	cfg       *config.Config

	wsMu    sync.Mutex
	wsConns map[*websocket.Conn]chan importer.Event
}

const (
	wsWriteWait  = 10 * time.Second
	wsSendBuffer = 64
)

// NewImportHandler 创建导入处理器并启动事件广播
func NewImportHandler(
	lister *remote.Lister,
	remoteClient *remote.Client,
	gatewayClient *gateway.Client,
	prober importer.Prober,
	trackRepo repository.TrackRepository,
	prefCache *cache.PreferenceCache,
	userRepo repository.UserRepository,
	cfg *config.Config,
) *ImportHandler {
	resolver := importer.CompositeResolver{Remote: remoteClient}
	orch := importer.New(gatewayClient, prober, resolver, trackRepo, importer.Options{})

	h := &ImportHandler{
		lister:    lister,
		orch:      orch,
		prefCache: prefCache,
		userRepo:  userRepo,
		cfg:       cfg,
		wsConns:   make(map[*websocket.Conn]chan importer.Event),
	}
	go h.broadcastEvents()
	return h
}

// StartWatcher 启动本地投递目录监听（未配置WATCH_DIR时不启动）
func (h *ImportHandler) StartWatcher(ctx context.Context) {
	if h.cfg.WatchDir == "" {
		return
	}
	watcher := importer.NewWatcher(h.cfg.WatchDir, h.orch, importer.BatchOptions{
		Quality: format.ParseQuality(h.cfg.DefaultQuality),
	})
	go func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("投递目录监听退出", logger.ErrorField(err))
		}
	}()
}

// ListRemoteHandler 列取远程目录。授权失效返回401并携带限流后的提示标记。
func (h *ImportHandler) ListRemoteHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Path     string `json:"path"`
		SortDesc bool   `json:"sortDesc"`
		Refresh  bool   `json:"refresh"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Refresh {
		h.lister.Invalidate(req.Path)
	}

	dir := remote.SortAsc
	if req.SortDesc {
		dir = remote.SortDesc
	}

	listing, err := h.lister.List(r.Context(), req.Path, dir)
	if err != nil {
		switch model.KindOf(err) {
		case model.KindAuthExpired:
			// 全局一次性提示，限流避免每次列取都弹窗
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
				"error":  string(model.KindAuthExpired),
				"notify": h.prefCache.ShouldNotifyAuthExpired(r.Context(), userID),
			})
		case model.KindTransientNetwork, model.KindTimeout:
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": string(model.KindOf(err))})
		default:
			logger.Error("远程列取失败", logger.String("path", req.Path), logger.ErrorField(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": string(model.KindOther)})
		}
		return
	}

	writeJSON(w, http.StatusOK, listing)
}

// StartImportHandler 启动所选候选的导入批次，立即返回
func (h *ImportHandler) StartImportHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Candidates []model.ImportCandidate `json:"candidates"`
		IsPublic   bool                    `json:"isPublic"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Candidates) == 0 {
		http.Error(w, "No candidates selected", http.StatusBadRequest)
		return
	}

	opts := importer.BatchOptions{
		UserID:   userID,
		Quality:  h.resolveQuality(r.Context(), userID),
		IsPublic: req.IsPublic,
	}

	// 请求上下文在返回后即失效，批处理挂在后台上下文上
	if err := h.orch.ImportSelected(context.Background(), req.Candidates, opts); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	logger.Info("导入批次已受理",
		logger.Int64("userId", userID),
		logger.Int("count", len(req.Candidates)),
		logger.String("quality", string(opts.Quality)))
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(req.Candidates)})
}

// RetryImportHandler 重试一个失败的文件，从Pending重跑完整流水线
func (h *ImportHandler) RetryImportHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		SourceRef string `json:"sourceRef"`
		IsPublic  bool   `json:"isPublic"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SourceRef == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	opts := importer.BatchOptions{
		UserID:   userID,
		Quality:  h.resolveQuality(r.Context(), userID),
		IsPublic: req.IsPublic,
	}
	if err := h.orch.Retry(context.Background(), req.SourceRef, opts); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"sourceRef": req.SourceRef})
}

// JobsHandler 返回全部任务的只读快照
func (h *ImportHandler) JobsHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := GetUserIDFromContext(r.Context()); err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, h.orch.Jobs())
}

// ProgressWSHandler 升级为WebSocket并持续推送进度快照。
// 每个连接有独立的发送队列和写协程，慢客户端不影响别的连接。
func (h *ImportHandler) ProgressWSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", logger.ErrorField(err))
		return
	}

	send := make(chan importer.Event, wsSendBuffer)
	h.wsMu.Lock()
	h.wsConns[conn] = send
	h.wsMu.Unlock()

	go h.writePump(conn, send)

	// 读循环只为感知断开
	go func() {
		defer h.dropConn(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// broadcastEvents 消费编排器事件流并扇出到所有连接。
// 每次状态迁移后同步发布，前端无需轮询。
func (h *ImportHandler) broadcastEvents() {
	for event := range h.orch.Events() {
		h.broadcast(event)

		if event.Job != nil && event.Job.Status == model.StatusFailed {
			logger.Warn("任务失败已广播",
				logger.String("file", event.Job.DisplayName),
				logger.String("kind", string(event.Job.ErrorKind)))
		}
	}
}

// broadcast 把事件放进每个连接的发送队列，绝不阻塞。
// 队列塞满说明客户端消费不过来，直接断开，不回压编排器。
func (h *ImportHandler) broadcast(event importer.Event) {
	h.wsMu.Lock()
	for conn, send := range h.wsConns {
		select {
		case send <- event:
		default:
			delete(h.wsConns, conn)
			close(send)
			conn.Close()
			logger.Warn("websocket客户端消费过慢，已断开")
		}
	}
	h.wsMu.Unlock()
}

// writePump 串行写出单个连接的事件队列，带写超时
func (h *ImportHandler) writePump(conn *websocket.Conn, send <-chan importer.Event) {
	for event := range send {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(event); err != nil {
			h.dropConn(conn)
			for range send {
				// 队列已关闭，清空剩余事件后退出
			}
			return
		}
	}
}

func (h *ImportHandler) dropConn(conn *websocket.Conn) {
	h.wsMu.Lock()
	if send, ok := h.wsConns[conn]; ok {
		delete(h.wsConns, conn)
		close(send)
		conn.Close()
	}
	h.wsMu.Unlock()
}

// resolveQuality 任务启动时解析音质偏好：缓存 → 数据库 → 配置默认值
func (h *ImportHandler) resolveQuality(ctx context.Context, userID int64) format.Quality {
	quality, err := h.prefCache.GetQuality(ctx, userID)
	if err != nil {
		logger.Debug("偏好缓存读取失败", logger.ErrorField(err))
	}
	if quality == "" {
		quality, err = h.userRepo.GetQualityPreference(userID)
		if err != nil {
			logger.Warn("读取音质偏好失败，使用默认值", logger.ErrorField(err))
		}
	}
	if quality == "" {
		quality = h.cfg.DefaultQuality
	}
	return format.ParseQuality(quality)
}
