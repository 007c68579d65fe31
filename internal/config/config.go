// Package config loads runtime configuration from environment
// variables and an optional .env file.
package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Remote   RemoteConfig
	Location LocationConfig
	Tracking TrackingConfig
	Queue    QueueConfig
}

type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type StorageConfig struct {
	DatabasePath string
}

type RemoteConfig struct {
	BaseURL  string
	APIToken string
}

type LocationConfig struct {
	ProviderURL string
}

// TrackingConfig holds the tunable tracking parameters. The grace
// period and rate are defaults; callers may override them per event.
type TrackingConfig struct {
	UserID               string
	FacilitiesPath       string
	DefaultGraceMinutes  int
	DefaultHourlyRate    float64
	GeofenceRadiusMeters float64
	TickInterval         time.Duration
	SamplingInterval     time.Duration
	StopFlushTimeout     time.Duration
	FinalizationRetryGap time.Duration
}

type QueueConfig struct {
	DrainInterval time.Duration
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	MaxAttempts   int
}

// Load reads configuration, preferring environment variables over the
// .env file over the defaults below.
func Load() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	viper.SetDefault("SERVER_ADDR", ":8080")
	viper.SetDefault("SERVER_READ_TIMEOUT", "10s")
	viper.SetDefault("SERVER_WRITE_TIMEOUT", "10s")

	viper.SetDefault("DATABASE_PATH", "detentiond.db")

	viper.SetDefault("REMOTE_BASE_URL", "")
	viper.SetDefault("REMOTE_API_TOKEN", "")

	viper.SetDefault("LOCATION_PROVIDER_URL", "http://127.0.0.1:9090")

	viper.SetDefault("TRACKING_USER_ID", "")
	viper.SetDefault("TRACKING_FACILITIES_PATH", "facilities.json")
	viper.SetDefault("TRACKING_DEFAULT_GRACE_MINUTES", 120)
	viper.SetDefault("TRACKING_DEFAULT_HOURLY_RATE", 75.0)
	viper.SetDefault("TRACKING_GEOFENCE_RADIUS_METERS", 200.0)
	viper.SetDefault("TRACKING_TICK_INTERVAL", "1s")
	viper.SetDefault("TRACKING_SAMPLING_INTERVAL", "5m")
	viper.SetDefault("TRACKING_STOP_FLUSH_TIMEOUT", "5s")
	viper.SetDefault("TRACKING_FINALIZATION_RETRY_GAP", "1m")

	viper.SetDefault("QUEUE_DRAIN_INTERVAL", "30s")
	viper.SetDefault("QUEUE_BACKOFF_BASE", "2s")
	viper.SetDefault("QUEUE_BACKOFF_CAP", "5m")
	viper.SetDefault("QUEUE_MAX_ATTEMPTS", 10)

	// Missing .env is fine; injected environment variables cover it.
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Addr:         viper.GetString("SERVER_ADDR"),
			ReadTimeout:  viper.GetDuration("SERVER_READ_TIMEOUT"),
			WriteTimeout: viper.GetDuration("SERVER_WRITE_TIMEOUT"),
		},
		Storage: StorageConfig{
			DatabasePath: viper.GetString("DATABASE_PATH"),
		},
		Remote: RemoteConfig{
			BaseURL:  viper.GetString("REMOTE_BASE_URL"),
			APIToken: viper.GetString("REMOTE_API_TOKEN"),
		},
		Location: LocationConfig{
			ProviderURL: viper.GetString("LOCATION_PROVIDER_URL"),
		},
		Tracking: TrackingConfig{
			UserID:               viper.GetString("TRACKING_USER_ID"),
			FacilitiesPath:       viper.GetString("TRACKING_FACILITIES_PATH"),
			DefaultGraceMinutes:  viper.GetInt("TRACKING_DEFAULT_GRACE_MINUTES"),
			DefaultHourlyRate:    viper.GetFloat64("TRACKING_DEFAULT_HOURLY_RATE"),
			GeofenceRadiusMeters: viper.GetFloat64("TRACKING_GEOFENCE_RADIUS_METERS"),
			TickInterval:         viper.GetDuration("TRACKING_TICK_INTERVAL"),
			SamplingInterval:     viper.GetDuration("TRACKING_SAMPLING_INTERVAL"),
			StopFlushTimeout:     viper.GetDuration("TRACKING_STOP_FLUSH_TIMEOUT"),
			FinalizationRetryGap: viper.GetDuration("TRACKING_FINALIZATION_RETRY_GAP"),
		},
		Queue: QueueConfig{
			DrainInterval: viper.GetDuration("QUEUE_DRAIN_INTERVAL"),
			BackoffBase:   viper.GetDuration("QUEUE_BACKOFF_BASE"),
			BackoffCap:    viper.GetDuration("QUEUE_BACKOFF_CAP"),
			MaxAttempts:   viper.GetInt("QUEUE_MAX_ATTEMPTS"),
		},
	}

	return cfg, nil
}
