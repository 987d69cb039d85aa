package config

import (
	"errors"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config представляет структуру конфигурации для приложения.
type Config struct {
	App struct {
		Port            string `mapstructure:"port"`
		Env             string `mapstructure:"env"`
		ShutdownTimeout int    `mapstructure:"shutdownTimeout"`
	} `mapstructure:"app"`
	Database struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"database"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
	} `mapstructure:"kafka"`
	Stripe struct {
		APIKey           string `mapstructure:"apiKey"`
		WebhookSecret    string `mapstructure:"webhookSecret"`
		StarterPriceID   string `mapstructure:"starterPriceId"`
		UnlimitedPriceID string `mapstructure:"unlimitedPriceId"`
		SuccessURL       string `mapstructure:"successUrl"`
		CancelURL        string `mapstructure:"cancelUrl"`
	} `mapstructure:"stripe"`
	Billing struct {
		Currency string `mapstructure:"currency"`
		// Резервные суммы в центах, если Stripe вернет нулевую цену
		StarterFallbackAmount   int64 `mapstructure:"starterFallbackAmount"`
		UnlimitedFallbackAmount int64 `mapstructure:"unlimitedFallbackAmount"`
	} `mapstructure:"billing"`
	Queue struct {
		Workers    int `mapstructure:"workers"`
		BufferSize int `mapstructure:"bufferSize"`
	} `mapstructure:"queue"`
	Auth struct {
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"auth"`
}

// LoadConfig загружает конфигурацию из файла или переменных окружения.
func LoadConfig(path string) (*Config, error) {
	if os.Getenv("APP_ENV") != "production" {
		// .env может отсутствовать, это не ошибка
		_ = godotenv.Load(path)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	viper.AutomaticEnv() // Чтение переменных окружения

	if err := viper.ReadInConfig(); err != nil {
		// Отсутствие файла не фатально: остаются env и значения по умолчанию
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	applyDefaults(&config)

	return &config, nil
}

// applyDefaults подставляет значения по умолчанию для необязательных секций
func applyDefaults(cfg *Config) {
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.App.ShutdownTimeout == 0 {
		cfg.App.ShutdownTimeout = 15
	}
	if cfg.Billing.Currency == "" {
		cfg.Billing.Currency = "eur"
	}
	if cfg.Billing.StarterFallbackAmount == 0 {
		cfg.Billing.StarterFallbackAmount = 3900
	}
	if cfg.Billing.UnlimitedFallbackAmount == 0 {
		cfg.Billing.UnlimitedFallbackAmount = 4900
	}
	if cfg.Queue.Workers == 0 {
		cfg.Queue.Workers = 4
	}
	if cfg.Queue.BufferSize == 0 {
		cfg.Queue.BufferSize = 256
	}
}
