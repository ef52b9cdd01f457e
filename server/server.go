package server

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Bandmate/cache"
	"Bandmate/config"
	"Bandmate/core/audio"
	"Bandmate/core/auth"
	"Bandmate/core/gateway"
	"Bandmate/core/probe"
	"Bandmate/core/remote"
	"Bandmate/db"
	"Bandmate/logger"
	"Bandmate/repository"
	"Bandmate/storage"

	"github.com/gorilla/mux"
)

// Start initializes and starts the HTTP server.
func Start() {
	cfg := config.Load()
	logger.InitLogger(logger.Config{
		Level:      logger.LogLevel(cfg.LogLevel),
		OutputPath: cfg.LogPath,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	})
	auth.SetSecret(cfg.JWTSecret)

	server := &http.Server{
		Addr:         cfg.ServerAddr,
		ReadTimeout:  5 * time.Minute, // 大文件上传
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	// 初始化 MinIO 客户端
	if err := storage.InitMinio(cfg); err != nil {
		log.Fatalf("Failed to initialize MinIO: %v", err)
	}

	// Connect to the database
	if err := db.ConnectDB(cfg); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.DB.Close()

	// GORM连接负责users表的迁移和读写，tracks走database/sql
	if err := db.ConnectGormDB(cfg); err != nil {
		log.Fatalf("Failed to connect to database with GORM: %v", err)
	}
	defer db.CloseGormDB()

	// Connect to Redis
	if err := cache.ConnectRedis(cfg); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer cache.CloseRedis()

	// Initialize database schema
	if err := db.InitDB(); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	trackRepo := repository.NewMySQLTrackRepository()
	userRepo := repository.NewGormUserRepository(db.GormDB)
	prefCache := cache.NewPreferenceCache(cache.RedisClient)

	processor := audio.NewFFmpegProcessor(cfg.FFmpegPath)
	prober := probe.NewProber(cfg.FFmpegPath)
	objectStore := storage.NewObjectStore(storage.GetMinioClient(), cfg.MinioBucket, cfg.MinioPublicBaseURL)

	remoteClient := remote.NewClient(cfg.RemoteAPIBaseURL, cfg.RemoteAPIToken)
	lister := remote.NewLister(remoteClient)
	gatewayClient := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayTimeout)

	apiHandler := NewAPIHandler(trackRepo, userRepo, prefCache, cfg)
	importHandler := NewImportHandler(lister, remoteClient, gatewayClient, prober, trackRepo, prefCache, userRepo, cfg)
	processHandler := NewProcessHandler(processor, objectStore, cfg)

	router := mux.NewRouter()
	router.Use(corsMiddleware)

	// 认证
	router.HandleFunc("/api/auth/register", apiHandler.RegisterHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/auth/login", apiHandler.LoginHandler).Methods(http.MethodPost)

	// 曲库
	router.HandleFunc("/api/tracks", apiHandler.AuthMiddleware(apiHandler.GetTracksHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/tracks/{id}", apiHandler.AuthMiddleware(apiHandler.GetTrackHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/tracks/{id}", apiHandler.AuthMiddleware(apiHandler.DeleteTrackHandler)).Methods(http.MethodDelete)

	// 用户偏好
	router.HandleFunc("/api/preferences/quality", apiHandler.AuthMiddleware(apiHandler.GetQualityPreferenceHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/preferences/quality", apiHandler.AuthMiddleware(apiHandler.SetQualityPreferenceHandler)).Methods(http.MethodPut)

	// 远程导入流水线
	router.HandleFunc("/api/import/list", apiHandler.AuthMiddleware(importHandler.ListRemoteHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/import/start", apiHandler.AuthMiddleware(importHandler.StartImportHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/import/retry", apiHandler.AuthMiddleware(importHandler.RetryImportHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/import/jobs", apiHandler.AuthMiddleware(importHandler.JobsHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/import/ws", importHandler.ProgressWSHandler)

	// 转码/存储网关（进程内提供，编排器仍通过HTTP调用）
	router.HandleFunc("/api/process-audio", processHandler.ProcessAudioHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/transcode-audio", processHandler.TranscodeAudioHandler).Methods(http.MethodPost)

	server.Handler = router

	// 可选的本地投递目录监听
	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	importHandler.StartWatcher(watchCtx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Server starting", logger.String("addr", cfg.ServerAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-stop
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	logger.Info("Server stopped")
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, HEAD")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Range")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Length, Content-Range")
		w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
