// Package config loads YAML configuration for the server and the client.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Server содержит настройки backend сервиса
type Server struct {
	Addr            string        `yaml:"addr"`
	DBPath          string        `yaml:"db_path"`
	StorageDir      string        `yaml:"storage_dir"`     // каталог объектного хранилища
	PublicBaseURL   string        `yaml:"public_base_url"` // префикс публичных ссылок на объекты
	JWTSecret       string        `yaml:"jwt_secret"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"` // json | console
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	RateLimit       RateLimit     `yaml:"rate_limit"`
}

// RateLimit ограничение частоты запросов к auth эндпоинтам
type RateLimit struct {
	Window   time.Duration `yaml:"window"`
	Requests int           `yaml:"requests"`
}

// Client содержит настройки клиентской библиотеки синхронизации
type Client struct {
	ServerURL      string        `yaml:"server_url"`
	DBPath         string        `yaml:"db_path"`
	LogLevel       string        `yaml:"log_level"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Outbox         Outbox        `yaml:"outbox"`
	Realtime       Realtime      `yaml:"realtime"`
	Typing         Typing        `yaml:"typing"`
}

// Outbox настройки офлайн-очереди
type Outbox struct {
	BaseBackoff   time.Duration `yaml:"base_backoff"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
}

// Realtime настройки подключения к ленте изменений
type Realtime struct {
	ReconnectBase time.Duration `yaml:"reconnect_base"`
	ReconnectMax  time.Duration `yaml:"reconnect_max"`
	PingInterval  time.Duration `yaml:"ping_interval"`
}

// Typing настройки индикатора набора текста
type Typing struct {
	Throttle time.Duration `yaml:"throttle"`
	Expiry   time.Duration `yaml:"expiry"`
}

// DefaultServer возвращает конфигурацию сервера по умолчанию
func DefaultServer() Server {
	return Server{
		Addr:            ":8080",
		DBPath:          "campusmarket.db",
		StorageDir:      "objects",
		PublicBaseURL:   "http://localhost:8080",
		LogLevel:        "info",
		LogFormat:       "json",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 30 * 24 * time.Hour,
		ShutdownTimeout: 10 * time.Second,
		MaxUploadBytes:  10 << 20,
		RateLimit: RateLimit{
			Requests: 20,
			Window:   time.Minute,
		},
	}
}

// DefaultClient возвращает конфигурацию клиента по умолчанию
func DefaultClient() Client {
	return Client{
		ServerURL:      "http://localhost:8080",
		DBPath:         "campusmarket-client.db",
		LogLevel:       "warn",
		RequestTimeout: 15 * time.Second,
		Outbox: Outbox{
			MaxRetries:    5,
			BaseBackoff:   500 * time.Millisecond,
			MaxBackoff:    30 * time.Second,
			FlushInterval: 10 * time.Second,
		},
		Realtime: Realtime{
			ReconnectBase: 500 * time.Millisecond,
			ReconnectMax:  30 * time.Second,
			PingInterval:  25 * time.Second,
		},
		Typing: Typing{
			Throttle: 3 * time.Second,
			Expiry:   3 * time.Second,
		},
	}
}

// LoadServer читает YAML поверх значений по умолчанию. Пустой path - только значения по умолчанию.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()
	if err := load(path, &cfg); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// LoadClient читает YAML поверх значений по умолчанию
func LoadClient(path string) (Client, error) {
	cfg := DefaultClient()
	if err := load(path, &cfg); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

func load(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// Validate проверяет конфигурацию сервера
func (c Server) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("jwt_secret must be at least 32 characters"))
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		errs = append(errs, errors.New("token TTLs must be positive"))
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit requests and window must be positive"))
	}
	return errors.Join(errs...)
}

// Validate проверяет конфигурацию клиента
func (c Client) Validate() error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, errors.New("server_url is required"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.Outbox.MaxRetries < 0 {
		errs = append(errs, errors.New("outbox.max_retries must not be negative"))
	}
	if c.Outbox.BaseBackoff <= 0 || c.Outbox.MaxBackoff < c.Outbox.BaseBackoff {
		errs = append(errs, errors.New("outbox backoff must be positive and max >= base"))
	}
	if c.Realtime.ReconnectBase <= 0 || c.Realtime.ReconnectMax < c.Realtime.ReconnectBase {
		errs = append(errs, errors.New("realtime reconnect backoff must be positive and max >= base"))
	}
	if c.Typing.Throttle <= 0 || c.Typing.Expiry <= 0 {
		errs = append(errs, errors.New("typing throttle and expiry must be positive"))
	}
	return errors.Join(errs...)
}
