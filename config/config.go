package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Notifier bounds shared by the config defaults and the /check-sessions query parameters.
const (
	DefaultCooldown    = 600 * time.Second
	MinCooldown        = 60 * time.Second
	MaxCooldown        = 3600 * time.Second
	DefaultWindowHours = 24
	MinWindowHours     = 1
	MaxWindowHours     = 48

	MaxGeoTimeout      = 5 * time.Second
	MaxDispatchTimeout = 10 * time.Second
)

type Config struct {
	Server struct {
		Port              string        `yaml:"port" validate:"required"`
		Host              string        `yaml:"host"`
		TrustProxyHeaders bool          `yaml:"trust_proxy_headers"`
		ReadTimeout       time.Duration `yaml:"read_timeout"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
		IngestRateLimit   string        `yaml:"ingest_rate_limit"`
	} `yaml:"server"`

	App struct {
		Env string `yaml:"env" validate:"oneof=development production test"`
	} `yaml:"app"`

	Logging struct {
		Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
		Format string `yaml:"format" validate:"omitempty,oneof=json console"`
		File   string `yaml:"file"`
	} `yaml:"logging"`

	Storage struct {
		Driver     string `yaml:"driver" validate:"oneof=file sqlite"`
		EventLog   string `yaml:"event_log" validate:"required_if=Driver file"`
		SQLitePath string `yaml:"sqlite_path" validate:"required_if=Driver sqlite"`
	} `yaml:"storage"`

	State struct {
		Driver string `yaml:"driver" validate:"oneof=file redis"`
		Dir    string `yaml:"dir" validate:"required_if=Driver file"`
		Prefix string `yaml:"prefix"`
	} `yaml:"state"`

	Redis struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Geo struct {
		Strategy         string        `yaml:"strategy" validate:"oneof=gps-first ip-first server-only"`
		Providers        []string      `yaml:"providers" validate:"dive,oneof=ip-api ipinfo"`
		IPInfoToken      string        `yaml:"ipinfo_token"`
		Timeout          time.Duration `yaml:"timeout"`
		RatePerMinute    int           `yaml:"rate_per_minute" validate:"min=0"`
		ReverseGeocode   bool          `yaml:"reverse_geocode"`
		ReverseURL       string        `yaml:"reverse_url"`
		ConsistencyCheck bool          `yaml:"consistency_check"`
		Default          struct {
			Country   string  `yaml:"country"`
			City      string  `yaml:"city"`
			Latitude  float64 `yaml:"latitude" validate:"min=-90,max=90"`
			Longitude float64 `yaml:"longitude" validate:"min=-180,max=180"`
		} `yaml:"default"`
	} `yaml:"geo"`

	Notifier struct {
		Cooldown        time.Duration `yaml:"cooldown"`
		WindowHours     int           `yaml:"window_hours"`
		SelfIPs         []string      `yaml:"self_ips" validate:"dive,ip"`
		Granularity     string        `yaml:"granularity" validate:"oneof=summary per-session"`
		Delivery        string        `yaml:"delivery" validate:"oneof=at-most-once at-least-once"`
		Channels        []string      `yaml:"channels" validate:"dive,oneof=log email webhook"`
		DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	} `yaml:"notifier"`

	SMTP struct {
		Host     string   `yaml:"host"`
		Port     int      `yaml:"port"`
		Username string   `yaml:"username"`
		Password string   `yaml:"password"`
		From     string   `yaml:"from" validate:"omitempty,email"`
		To       []string `yaml:"to" validate:"dive,email"`
		Subject  string   `yaml:"subject"`
	} `yaml:"smtp"`

	Webhook struct {
		URL     string            `yaml:"url"`
		Headers map[string]string `yaml:"headers"`
	} `yaml:"webhook"`
}

// Default returns a Config populated with the values used when a key is
// missing from both the YAML file and the environment.
func Default() *Config {
	c := &Config{}
	c.Server.Port = "8080"
	c.Server.TrustProxyHeaders = true
	c.Server.ReadTimeout = 10 * time.Second
	c.Server.WriteTimeout = 15 * time.Second
	c.Server.IngestRateLimit = "600-M"

	c.App.Env = "development"

	c.Storage.Driver = "file"
	c.Storage.EventLog = "analytics_data.json"
	c.Storage.SQLitePath = "analytics.db"

	c.State.Driver = "file"
	c.State.Dir = "."
	c.State.Prefix = "analytics:"

	c.Redis.Host = "localhost"
	c.Redis.Port = 6379

	c.Geo.Strategy = "gps-first"
	c.Geo.Providers = []string{"ip-api", "ipinfo"}
	c.Geo.Timeout = MaxGeoTimeout
	c.Geo.RatePerMinute = 45
	c.Geo.ReverseURL = "https://nominatim.openstreetmap.org/reverse"
	c.Geo.Default.Country = "Unknown"
	c.Geo.Default.City = "Unknown"

	c.Notifier.Cooldown = DefaultCooldown
	c.Notifier.WindowHours = DefaultWindowHours
	c.Notifier.Granularity = "summary"
	c.Notifier.Delivery = "at-most-once"
	c.Notifier.Channels = []string{"log"}
	c.Notifier.DispatchTimeout = MaxDispatchTimeout

	c.SMTP.Port = 587
	c.SMTP.Subject = "New sessions detected on your site"
	return c
}

// LoadConfig reads the YAML file at configPath on top of Default, loads a
// .env file if one exists, applies environment overrides and validates the
// result. An empty configPath skips the file.
func LoadConfig(configPath string) (*Config, error) {
	config := Default()

	if configPath != "" {
		file, err := os.Open(configPath)
		if err != nil {
			return nil, err
		}
		defer file.Close()

		decoder := yaml.NewDecoder(file)
		if err := decoder.Decode(config); err != nil {
			return nil, fmt.Errorf("decode %s: %w", configPath, err)
		}
	}

	// .env is optional; a missing file is the normal case in production.
	_ = godotenv.Load()

	config.overrideWithEnvVars()
	config.normalize()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) overrideWithEnvVars() {
	if port := GetEnv("PORT", ""); port != "" {
		c.Server.Port = port
	}
	if host := GetEnv("HOST", ""); host != "" {
		c.Server.Host = host
	}
	if env := GetEnv("APP_ENV", ""); env != "" {
		c.App.Env = env
	}

	if level := GetEnv("LOG_LEVEL", ""); level != "" {
		c.Logging.Level = strings.ToLower(level)
	}
	if format := GetEnv("LOG_FORMAT", ""); format != "" {
		c.Logging.Format = strings.ToLower(format)
	}

	if driver := GetEnv("STORAGE_DRIVER", ""); driver != "" {
		c.Storage.Driver = driver
	}
	if path := GetEnv("EVENT_LOG_PATH", ""); path != "" {
		c.Storage.EventLog = path
	}
	if path := GetEnv("SQLITE_PATH", ""); path != "" {
		c.Storage.SQLitePath = path
	}

	if driver := GetEnv("STATE_DRIVER", ""); driver != "" {
		c.State.Driver = driver
	}
	if dir := GetEnv("STATE_DIR", ""); dir != "" {
		c.State.Dir = dir
	}
	if addr := GetEnv("REDIS_ADDR", ""); addr != "" {
		if host, port, ok := strings.Cut(addr, ":"); ok {
			c.Redis.Host = host
			if p, err := strconv.Atoi(port); err == nil {
				c.Redis.Port = p
			}
		} else {
			c.Redis.Host = addr
		}
	}
	if pw := GetEnv("REDIS_PASSWORD", ""); pw != "" {
		c.Redis.Password = pw
	}

	if strategy := GetEnv("GEO_STRATEGY", ""); strategy != "" {
		c.Geo.Strategy = strategy
	}
	if token := GetEnv("IPINFO_TOKEN", ""); token != "" {
		c.Geo.IPInfoToken = token
	}

	if ips := GetEnv("SELF_IPS", ""); ips != "" {
		c.Notifier.SelfIPs = splitList(ips)
	}
	if channels := GetEnv("NOTIFIER_CHANNELS", ""); channels != "" {
		c.Notifier.Channels = splitList(channels)
	}

	if smtpHost := GetEnv("SMTP_HOST", ""); smtpHost != "" {
		c.SMTP.Host = smtpHost
	}
	if smtpPort := GetEnv("SMTP_PORT", ""); smtpPort != "" {
		if p, err := strconv.Atoi(smtpPort); err == nil {
			c.SMTP.Port = p
		}
	}
	if user := GetEnv("SMTP_USERNAME", ""); user != "" {
		c.SMTP.Username = user
	}
	if pw := GetEnv("SMTP_PASSWORD", ""); pw != "" {
		c.SMTP.Password = pw
	}
	if from := GetEnv("SMTP_FROM", ""); from != "" {
		c.SMTP.From = from
	}
	if to := GetEnv("SMTP_TO", ""); to != "" {
		c.SMTP.To = splitList(to)
	}

	if url := GetEnv("WEBHOOK_URL", ""); url != "" {
		c.Webhook.URL = url
	}
}

// normalize pulls out-of-range durations back into their bounds instead of
// rejecting the config.
func (c *Config) normalize() {
	c.Notifier.Cooldown = ClampCooldown(c.Notifier.Cooldown)
	c.Notifier.WindowHours = ClampWindowHours(c.Notifier.WindowHours)

	if c.Geo.Timeout <= 0 || c.Geo.Timeout > MaxGeoTimeout {
		c.Geo.Timeout = MaxGeoTimeout
	}
	if c.Notifier.DispatchTimeout <= 0 || c.Notifier.DispatchTimeout > MaxDispatchTimeout {
		c.Notifier.DispatchTimeout = MaxDispatchTimeout
	}
	if c.Logging.Format == "" {
		if c.App.Env == "production" {
			c.Logging.Format = "json"
		} else {
			c.Logging.Format = "console"
		}
	}
	if c.Logging.Level == "" {
		if c.App.Env == "production" {
			c.Logging.Level = "info"
		} else {
			c.Logging.Level = "debug"
		}
	}
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, ch := range c.Notifier.Channels {
		switch ch {
		case "email":
			if c.SMTP.Host == "" || c.SMTP.From == "" || len(c.SMTP.To) == 0 {
				return fmt.Errorf("invalid config: email channel requires smtp.host, smtp.from and smtp.to")
			}
		case "webhook":
			if c.Webhook.URL == "" {
				return fmt.Errorf("invalid config: webhook channel requires webhook.url")
			}
		}
	}
	return nil
}

// RedisAddr returns host:port for the redis client.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// ClampCooldown bounds d to [MinCooldown, MaxCooldown]; zero means default.
func ClampCooldown(d time.Duration) time.Duration {
	switch {
	case d == 0:
		return DefaultCooldown
	case d < MinCooldown:
		return MinCooldown
	case d > MaxCooldown:
		return MaxCooldown
	}
	return d
}

// ClampWindowHours bounds h to [MinWindowHours, MaxWindowHours]; zero means default.
func ClampWindowHours(h int) int {
	switch {
	case h == 0:
		return DefaultWindowHours
	case h < MinWindowHours:
		return MinWindowHours
	case h > MaxWindowHours:
		return MaxWindowHours
	}
	return h
}

func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func MustLoadConfig(configPath string) *Config {
	config, err := LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return config
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
