package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	ClientName    string              `yaml:"client_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	Backend       BackendConfig       `yaml:"backend"`
	OAuth         OAuthConfig         `yaml:"oauth"`
	Speech        SpeechConfig        `yaml:"speech"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Assistant     AssistantConfig     `yaml:"assistant"`
	Surfaces      SurfacesConfig      `yaml:"surfaces"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type BackendConfig struct {
	BaseURL        string  `yaml:"base_url"`
	RequestTimeout int     `yaml:"request_timeout_ms"`
	RatePerSecond  float64 `yaml:"rate_per_second"`
	RateBurst      int     `yaml:"rate_burst"`
}

type OAuthConfig struct {
	AuthorizeURL string `yaml:"authorize_url"`
	UserinfoURL  string `yaml:"userinfo_url"`
	ClientID     string `yaml:"client_id"`
	RedirectURI  string `yaml:"redirect_uri"`
	Scope        string `yaml:"scope"`
}

type SpeechConfig struct {
	Enabled       bool   `yaml:"enabled"`
	PlayerMode    string `yaml:"player_mode"` // mock, exec
	PlayerCommand string `yaml:"player_command"`
	CacheDir      string `yaml:"cache_dir"`
	DebounceMS    int    `yaml:"debounce_ms"`
	QuietPeriodMS int    `yaml:"quiet_period_ms"`
}

type NotificationsConfig struct {
	Enabled          bool   `yaml:"enabled"`
	StorePath        string `yaml:"store_path"`
	PollIntervalMS   int    `yaml:"poll_interval_ms"`
	InvoicePageSize  int    `yaml:"invoice_page_size"`
	RecurringDays    int    `yaml:"recurring_days"`
	RecurringRefresh bool   `yaml:"recurring_refresh"`
	RetentionDays    int    `yaml:"retention_days"`
	MaxEntries       int    `yaml:"max_entries"`
	VacuumOnStart    bool   `yaml:"vacuum_on_start"`
}

type AssistantConfig struct {
	Enabled      bool `yaml:"enabled"`
	HistoryLimit int  `yaml:"history_limit"`
	SpeakReplies bool `yaml:"speak_replies"`
	SampleRate   int  `yaml:"sample_rate"`
	Channels     int  `yaml:"channels"`
}

type SurfacesConfig struct {
	Enabled           bool `yaml:"enabled"`
	HeartbeatInterval int  `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int  `yaml:"heartbeat_timeout_ms"`
}

func Default() Config {
	return Config{
		ClientName:  "fintalk-client",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9092",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Backend: BackendConfig{
			BaseURL:        "http://localhost:8000",
			RequestTimeout: 15000,
			RatePerSecond:  10,
			RateBurst:      20,
		},
		OAuth: OAuthConfig{
			AuthorizeURL: "https://www.sandbox.paypal.com/signin/authorize",
			UserinfoURL:  "https://api-m.sandbox.paypal.com/v1/identity/openidconnect/userinfo?schema=openid",
			RedirectURI:  "http://localhost:8090/auth/callback",
			Scope:        "openid profile email",
		},
		Speech: SpeechConfig{
			Enabled:       true,
			PlayerMode:    "mock",
			CacheDir:      "./data/audio-cache",
			DebounceMS:    350,
			QuietPeriodMS: 400,
		},
		Notifications: NotificationsConfig{
			Enabled:         true,
			StorePath:       "./data/fintalk-notifications.db",
			PollIntervalMS:  60000,
			InvoicePageSize: 50,
			RecurringDays:   90,
			RetentionDays:   30,
			MaxEntries:      10000,
		},
		Assistant: AssistantConfig{
			Enabled:      true,
			HistoryLimit: 40,
			SpeakReplies: true,
			SampleRate:   16000,
			Channels:     1,
		},
		Surfaces: SurfacesConfig{
			Enabled:           true,
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ClientName, "FINTALK_CLIENT_NAME")
	overrideString(&cfg.Environment, "FINTALK_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "FINTALK_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "FINTALK_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "FINTALK_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "FINTALK_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "FINTALK_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "FINTALK_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "FINTALK_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "FINTALK_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "FINTALK_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "FINTALK_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "FINTALK_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "FINTALK_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "FINTALK_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "FINTALK_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Backend.BaseURL, "FINTALK_BACKEND_BASE_URL")
	overrideInt(&cfg.Backend.RequestTimeout, "FINTALK_BACKEND_REQUEST_TIMEOUT_MS")
	overrideFloat(&cfg.Backend.RatePerSecond, "FINTALK_BACKEND_RATE_PER_SECOND")
	overrideInt(&cfg.Backend.RateBurst, "FINTALK_BACKEND_RATE_BURST")
	overrideString(&cfg.OAuth.AuthorizeURL, "FINTALK_OAUTH_AUTHORIZE_URL")
	overrideString(&cfg.OAuth.UserinfoURL, "FINTALK_OAUTH_USERINFO_URL")
	overrideString(&cfg.OAuth.ClientID, "FINTALK_OAUTH_CLIENT_ID")
	overrideString(&cfg.OAuth.RedirectURI, "FINTALK_OAUTH_REDIRECT_URI")
	overrideString(&cfg.OAuth.Scope, "FINTALK_OAUTH_SCOPE")
	overrideBool(&cfg.Speech.Enabled, "FINTALK_SPEECH_ENABLED")
	overrideString(&cfg.Speech.PlayerMode, "FINTALK_SPEECH_PLAYER_MODE")
	overrideString(&cfg.Speech.PlayerCommand, "FINTALK_SPEECH_PLAYER_COMMAND")
	overrideString(&cfg.Speech.CacheDir, "FINTALK_SPEECH_CACHE_DIR")
	overrideInt(&cfg.Speech.DebounceMS, "FINTALK_SPEECH_DEBOUNCE_MS")
	overrideInt(&cfg.Speech.QuietPeriodMS, "FINTALK_SPEECH_QUIET_PERIOD_MS")
	overrideBool(&cfg.Notifications.Enabled, "FINTALK_NOTIFICATIONS_ENABLED")
	overrideString(&cfg.Notifications.StorePath, "FINTALK_NOTIFICATIONS_STORE_PATH")
	overrideInt(&cfg.Notifications.PollIntervalMS, "FINTALK_NOTIFICATIONS_POLL_INTERVAL_MS")
	overrideInt(&cfg.Notifications.InvoicePageSize, "FINTALK_NOTIFICATIONS_INVOICE_PAGE_SIZE")
	overrideInt(&cfg.Notifications.RecurringDays, "FINTALK_NOTIFICATIONS_RECURRING_DAYS")
	overrideBool(&cfg.Notifications.RecurringRefresh, "FINTALK_NOTIFICATIONS_RECURRING_REFRESH")
	overrideInt(&cfg.Notifications.RetentionDays, "FINTALK_NOTIFICATIONS_RETENTION_DAYS")
	overrideInt(&cfg.Notifications.MaxEntries, "FINTALK_NOTIFICATIONS_MAX_ENTRIES")
	overrideBool(&cfg.Notifications.VacuumOnStart, "FINTALK_NOTIFICATIONS_VACUUM_ON_START")
	overrideBool(&cfg.Assistant.Enabled, "FINTALK_ASSISTANT_ENABLED")
	overrideInt(&cfg.Assistant.HistoryLimit, "FINTALK_ASSISTANT_HISTORY_LIMIT")
	overrideBool(&cfg.Assistant.SpeakReplies, "FINTALK_ASSISTANT_SPEAK_REPLIES")
	overrideInt(&cfg.Assistant.SampleRate, "FINTALK_ASSISTANT_SAMPLE_RATE")
	overrideInt(&cfg.Assistant.Channels, "FINTALK_ASSISTANT_CHANNELS")
	overrideBool(&cfg.Surfaces.Enabled, "FINTALK_SURFACES_ENABLED")
	overrideInt(&cfg.Surfaces.HeartbeatInterval, "FINTALK_SURFACES_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Surfaces.HeartbeatTimeout, "FINTALK_SURFACES_HEARTBEAT_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.ClientName == "" {
		return errors.New("client_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Backend.BaseURL == "" {
		return errors.New("backend.base_url must not be empty")
	}
	if cfg.Backend.RequestTimeout <= 0 {
		return errors.New("backend.request_timeout_ms must be positive")
	}
	if cfg.Backend.RatePerSecond <= 0 {
		return errors.New("backend.rate_per_second must be positive")
	}
	if cfg.Backend.RateBurst <= 0 {
		return errors.New("backend.rate_burst must be >= 1")
	}
	if cfg.OAuth.AuthorizeURL == "" {
		return errors.New("oauth.authorize_url must not be empty")
	}
	if cfg.OAuth.RedirectURI == "" {
		return errors.New("oauth.redirect_uri must not be empty")
	}
	if cfg.Speech.Enabled {
		switch cfg.Speech.PlayerMode {
		case "mock", "exec":
		default:
			return errors.New("speech.player_mode must be one of mock|exec")
		}
		if cfg.Speech.PlayerMode == "exec" && cfg.Speech.PlayerCommand == "" {
			return errors.New("speech.player_command must be set when player_mode=exec")
		}
		if cfg.Speech.CacheDir == "" {
			return errors.New("speech.cache_dir must not be empty")
		}
		if cfg.Speech.DebounceMS < 0 {
			return errors.New("speech.debounce_ms must be >= 0")
		}
		if cfg.Speech.QuietPeriodMS < 0 {
			return errors.New("speech.quiet_period_ms must be >= 0")
		}
	}
	if cfg.Notifications.Enabled {
		if cfg.Notifications.StorePath == "" {
			return errors.New("notifications.store_path must not be empty")
		}
		if cfg.Notifications.PollIntervalMS <= 0 {
			return errors.New("notifications.poll_interval_ms must be positive")
		}
		if cfg.Notifications.InvoicePageSize <= 0 {
			return errors.New("notifications.invoice_page_size must be >= 1")
		}
		if cfg.Notifications.RecurringDays <= 0 || cfg.Notifications.RecurringDays > 365 {
			return errors.New("notifications.recurring_days must be between 1 and 365")
		}
		if cfg.Notifications.RetentionDays < 0 {
			return errors.New("notifications.retention_days must be >= 0")
		}
	}
	if cfg.Assistant.Enabled {
		if cfg.Assistant.HistoryLimit <= 0 {
			return errors.New("assistant.history_limit must be >= 1")
		}
		if cfg.Assistant.SampleRate <= 0 {
			return errors.New("assistant.sample_rate must be positive")
		}
		if cfg.Assistant.Channels <= 0 {
			return errors.New("assistant.channels must be positive")
		}
	}
	if cfg.Surfaces.Enabled {
		if cfg.Surfaces.HeartbeatInterval <= 0 {
			return errors.New("surfaces.heartbeat_interval_ms must be positive")
		}
		if cfg.Surfaces.HeartbeatTimeout <= cfg.Surfaces.HeartbeatInterval {
			return errors.New("surfaces.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	return nil
}
