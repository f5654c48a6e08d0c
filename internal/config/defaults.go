package config

import tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 10,
		},
		Store: StoreConfig{
			BaseURL:        "http://127.0.0.1:8000/api",
			TimeoutSeconds: 30,
			MaxRetries:     3,
		},
		Sync: SyncConfig{
			TickIntervalSeconds:   3,
			DialogLimit:           50,
			HistoryLimit:          50,
			SeenCacheSize:         10000,
			BackoffEpsilonMs:      1000,
			MergeToleranceSeconds: 120,
			MaxAlbumSize:          10,
		},
		Media: MediaConfig{
			Root: ".",
			Dir:  "media",
		},
		Telegram: TelegramConfig{
			APIEndpoint: tgbotapi.APIEndpoint,
			SessionDir:  "~/.tgsync/sessions",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9102",
			Path:    "/metrics",
		},
	}
}
