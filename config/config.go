package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the application configuration.
// Values come from the environment (optionally via a .env file) with simple defaults.
type Config struct {
	FFmpegPath string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Redis配置
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// MinIO对象存储配置
	MinioEndpoint      string
	MinioAccessKey     string
	MinioSecretKey     string
	MinioBucket        string
	MinioRegion        string
	MinioUseSSL        bool
	MinioPublicBaseURL string // non-empty means objects are publicly reachable under this base

	// 远程网盘API配置
	RemoteAPIBaseURL string
	RemoteAPIToken   string

	// Transcode/Store网关配置
	GatewayBaseURL string
	GatewayTimeout time.Duration // per-call deadline for gateway requests

	// 导入流水线配置
	DefaultQuality string // "mp3-320" or "aac-320"
	WatchDir       string // optional drop folder scanned by the import watcher
	TempDir        string // scratch space for transcode input/output

	JWTSecret string

	ServerAddr string

	// 日志配置
	LogLevel string
	LogPath  string // 为空时只输出到控制台
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

// getEnvBool gets an environment variable as bool or returns a default value.
func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return fallback
}

// getEnvDuration gets an environment variable as a duration (seconds) or returns a default.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// Attempt to load .env file. godotenv.Load() will not override existing env vars.
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}

	return &Config{
		FFmpegPath: getEnv("FFMPEG_PATH", "ffmpeg"),

		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"), // For password, better not to have a hardcoded default
		DBName:     getEnv("DB_NAME", "bandmate"),

		// Redis配置，使用默认值
		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""), // 默认无密码
		RedisDB:       getEnvInt("REDIS_DB", 0),

		MinioEndpoint:      getEnv("MINIO_ENDPOINT", "127.0.0.1:9000"),
		MinioAccessKey:     os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey:     os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:        getEnv("MINIO_BUCKET", "bandmate"),
		MinioRegion:        getEnv("MINIO_REGION", "us-east-1"),
		MinioUseSSL:        getEnvBool("MINIO_USE_SSL", false),
		MinioPublicBaseURL: getEnv("MINIO_PUBLIC_BASE_URL", ""),

		RemoteAPIBaseURL: getEnv("REMOTE_API_BASE_URL", "https://api.dropboxapi.com/2"),
		RemoteAPIToken:   os.Getenv("REMOTE_API_TOKEN"),

		GatewayBaseURL: getEnv("GATEWAY_BASE_URL", "http://127.0.0.1:8080"),
		GatewayTimeout: getEnvDuration("GATEWAY_TIMEOUT_SECONDS", 60*time.Second),

		DefaultQuality: getEnv("DEFAULT_QUALITY", "mp3-320"),
		WatchDir:       getEnv("WATCH_DIR", ""),
		TempDir:        getEnv("TEMP_DIR", os.TempDir()),

		JWTSecret: getEnv("JWT_SECRET", "bandmate-dev-secret"),

		ServerAddr: getEnv("SERVER_ADDR", ":8080"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogPath:  getEnv("LOG_PATH", ""),
	}
}
