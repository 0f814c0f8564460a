package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"UTC"`
	Port   int    `envconfig:"PORT" default:"8080"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	RabbitURL           string `envconfig:"RABBITMQ_URL"`
	RabbitManagementURL string `envconfig:"RABBITMQ_MANAGEMENT_URL"`

	Scraper struct {
		BaseURL   string `envconfig:"SCRAPER_BASE_URL"`
		APIKey    string `envconfig:"SCRAPER_API_KEY"`
		GlobalRPS int    `envconfig:"SCRAPER_GLOBAL_RPS" default:"5"`
		TimeoutS  int    `envconfig:"SCRAPER_TIMEOUT_SEC" default:"30"`
	} `envconfig:""`

	Scheduler struct {
		InitialDelayMaxMin int `envconfig:"SCHEDULER_INITIAL_DELAY_MAX_MIN" default:"30"`
		JitterSec          int `envconfig:"SCHEDULER_JITTER_SEC" default:"300"`
	} `envconfig:""`

	Fetch struct {
		DefaultIntervalMin  int `envconfig:"DEFAULT_FETCH_INTERVAL_MIN" default:"60"`
		DefaultMaxPosts     int `envconfig:"DEFAULT_MAX_POSTS_PER_FETCH" default:"20"`
		ChallengeSessionTTL int `envconfig:"CHALLENGE_SESSION_TTL_SEC" default:"300"`
	} `envconfig:""`

	Media struct {
		DownloadTimeoutSec int `envconfig:"MEDIA_DOWNLOAD_TIMEOUT_SEC" default:"30"`
		MaxAttempts        int `envconfig:"MEDIA_MAX_ATTEMPTS" default:"3"`
		BatchSize          int `envconfig:"MEDIA_BATCH_SIZE" default:"50"`
		PendingIntervalMin int `envconfig:"MEDIA_PENDING_INTERVAL_MIN" default:"5"`
		RetryIntervalMin   int `envconfig:"MEDIA_RETRY_INTERVAL_MIN" default:"30"`
	} `envconfig:""`

	Storage struct {
		Endpoint  string `envconfig:"S3_ENDPOINT"`
		AccessKey string `envconfig:"S3_ACCESS_KEY"`
		SecretKey string `envconfig:"S3_SECRET_KEY"`
		Bucket    string `envconfig:"S3_BUCKET" default:"media"`
		UseSSL    bool   `envconfig:"S3_USE_SSL" default:"false"`
	} `envconfig:""`

	Auth struct {
		JWTSecret     string `envconfig:"JWT_SECRET"`
		TokenTTLHours int    `envconfig:"JWT_TTL_HOURS" default:"24"`
		EncryptionKey string `envconfig:"CREDENTIALS_ENCRYPTION_KEY"`
	} `envconfig:""`

	Queues struct {
		Media string `envconfig:"MEDIA_QUEUE_KEY" default:"media_jobs"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
