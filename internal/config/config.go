package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type DBConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string
	TimeZone        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifeTime int // минут
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// SessionConfig — окна и тайминги жизненного цикла сессий.
type SessionConfig struct {
	// Окно ответа провайдера на первое сообщение пациента.
	ProviderResponseWindow time.Duration
	// Грейс-период между answered и connected до принудительной промоции.
	CallConnectGrace time.Duration
	// Таймаут, после которого неотвеченный звонок становится missed.
	CallMissedTimeout time.Duration
}

// SchedulerConfig — интервалы периодических воркеров.
type SchedulerConfig struct {
	ConversionInterval time.Duration
	// Окно ретроспективы планового прогона конвертации. Более старые
	// записи добираются только ручным восстановлением.
	ConversionWindow  time.Duration
	CallSweepInterval time.Duration
	DeductionInterval time.Duration
	LockTTL           time.Duration
	BatchLimit        int
}

// BillingConfig — ставки провайдера за единицу, в минимальных
// денежных единицах (целые, без плавающей точки).
type BillingConfig struct {
	TextRatePerUnit  int64
	AudioRatePerUnit int64
	VideoRatePerUnit int64
}

// IntegrationsConfig — внешние сервисы. Пустой URL отключает адаптер.
type IntegrationsConfig struct {
	NotifyWebhookURL string
	ChatServiceURL   string
}

type Config struct {
	DB           DBConfig
	Redis        RedisConfig
	Session      SessionConfig
	Scheduler    SchedulerConfig
	Billing      BillingConfig
	Integrations IntegrationsConfig

	// Адрес операционного HTTP (health, метрики, recovery).
	OpsAddr string
}

func Load() (*Config, error) {
	dbCfg, err := LoadDBConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DB: *dbCfg,
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "redis:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Session: SessionConfig{
			ProviderResponseWindow: getEnvDuration("SESSION_RESPONSE_WINDOW", 90*time.Second),
			CallConnectGrace:       getEnvDuration("CALL_CONNECT_GRACE", 5*time.Second),
			CallMissedTimeout:      getEnvDuration("CALL_MISSED_TIMEOUT", 90*time.Second),
		},
		Scheduler: SchedulerConfig{
			ConversionInterval: getEnvDuration("SCHED_CONVERSION_INTERVAL", 60*time.Second),
			ConversionWindow:   getEnvDuration("SCHED_CONVERSION_WINDOW", 24*time.Hour),
			CallSweepInterval:  getEnvDuration("SCHED_CALL_SWEEP_INTERVAL", 60*time.Second),
			DeductionInterval:  getEnvDuration("SCHED_DEDUCTION_INTERVAL", 60*time.Second),
			LockTTL:            getEnvDuration("SCHED_LOCK_TTL", 120*time.Second),
			BatchLimit:         getEnvInt("SCHED_BATCH_LIMIT", 50),
		},
		Billing: BillingConfig{
			TextRatePerUnit:  getEnvInt64("BILLING_TEXT_RATE", 4000),
			AudioRatePerUnit: getEnvInt64("BILLING_AUDIO_RATE", 5000),
			VideoRatePerUnit: getEnvInt64("BILLING_VIDEO_RATE", 6000),
		},
		Integrations: IntegrationsConfig{
			NotifyWebhookURL: getEnv("NOTIFY_WEBHOOK_URL", ""),
			ChatServiceURL:   getEnv("CHAT_SERVICE_URL", ""),
		},
		OpsAddr: getEnv("OPS_ADDR", ":8088"),
	}

	if cfg.Scheduler.BatchLimit <= 0 {
		return nil, fmt.Errorf("invalid scheduler config: batch limit must be positive")
	}

	return cfg, nil
}

func LoadDBConfig() (*DBConfig, error) {
	cfg := &DBConfig{
		Host:            getEnv("DB_HOST", "postgres"),
		User:            getEnv("DB_USER", "sessions"),
		Password:        getEnv("DB_PASSWORD", "sessions"),
		Name:            getEnv("DB_NAME", "sessions_db"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		TimeZone:        getEnv("DB_TIMEZONE", "UTC"),
		Port:            getEnvInt("DB_PORT", 5432),
		MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifeTime: getEnvInt("DB_CONN_MAX_LIFETIME_MIN", 30),
	}

	// минимальная валидация
	if cfg.Host == "" || cfg.User == "" || cfg.Name == "" {
		return nil, fmt.Errorf("invalid DB config: host/user/name must not be empty")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err == nil && d > 0 {
			return d
		}
	}
	return def
}
