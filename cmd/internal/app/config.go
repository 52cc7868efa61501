package app

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "HUDDLE"

// Config contains all runtime configuration. Values come from defaults, an optional
// huddle.yaml, HUDDLE_* environment variables and command line flags, in increasing
// order of precedence.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	WSSendQueue        int
	WSWriteTimeout     time.Duration
	WSReadIdleTimeout  time.Duration
	WSHeartbeatEvery   time.Duration
	WSHeartbeatTimeout time.Duration
	WSRateEvents       int
	WSRateWindow       time.Duration
	MaxConnsPerUser    int

	OriginRequired       bool
	AllowedOrigins       []string
	InsecureSkipVerify   bool
	TicketSecret         string
	RequireTicket        bool
	NotifySecret         string
	DebugPresenceEnabled bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", "0.0.0.0:8080")
	v.SetDefault("http.read_header_timeout", 5*time.Second)
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.max_header_bytes", 1<<20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("db.url", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.schema", "huddle")
	v.SetDefault("readiness.require_db", false)

	v.SetDefault("ws.send_queue", 256)
	v.SetDefault("ws.write_timeout", 5*time.Second)
	v.SetDefault("ws.read_idle_timeout", time.Duration(0))
	v.SetDefault("ws.heartbeat_every", 25*time.Second)
	v.SetDefault("ws.heartbeat_timeout", 5*time.Second)
	v.SetDefault("ws.rate_events", 900)
	v.SetDefault("ws.rate_window", 10*time.Second)
	v.SetDefault("ws.max_conns_per_user", 0)

	v.SetDefault("origin.required", true)
	v.SetDefault("origin.allowed", []string{"http://localhost", "http://127.0.0.1"})
	v.SetDefault("origin.insecure_skip_verify", false)

	v.SetDefault("ticket.secret", "")
	v.SetDefault("ticket.required", false)
	v.SetDefault("notify.secret", "")
	v.SetDefault("debug.presence", false)

	v.SetDefault("cors.allowed_origins", []string{})
	v.SetDefault("cors.allow_credentials", false)
	v.SetDefault("cors.max_age_seconds", 600)
}

// BindFlags registers the command line flags LoadConfig understands.
func BindFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "path to a huddle.yaml config file")
	flags.String("env-file", "", "path to a .env file (default ./.env when present)")
	flags.String("addr", "", "HTTP listen address")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: json or pretty")
	flags.String("database-url", "", "Postgres URL for room access checks")
	flags.StringSlice("allowed-origins", nil, "websocket origin allowlist")
	flags.Bool("debug-presence", false, "expose GET /debug/presence")
}

var flagKeys = map[string]string{
	"addr":            "http.addr",
	"log-level":       "log.level",
	"log-format":      "log.format",
	"database-url":    "db.url",
	"allowed-origins": "origin.allowed",
	"debug-presence":  "debug.presence",
}

// LoadConfig reads configuration. flags may be nil; when given it must have been set up
// with BindFlags and parsed.
func LoadConfig(flags *pflag.FlagSet) (Config, error) {
	if err := loadDotEnv(flagString(flags, "env-file")); err != nil {
		return Config{}, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := flagString(flags, "config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("huddle")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("config: read: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("config: bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := Config{
		HTTPAddr:  v.GetString("http.addr"),
		LogLevel:  v.GetString("log.level"),
		LogFormat: strings.ToLower(strings.TrimSpace(v.GetString("log.format"))),

		ReadHeaderTimeout: v.GetDuration("http.read_header_timeout"),
		ReadTimeout:       v.GetDuration("http.read_timeout"),
		WriteTimeout:      v.GetDuration("http.write_timeout"),
		IdleTimeout:       v.GetDuration("http.idle_timeout"),
		ShutdownTimeout:   v.GetDuration("http.shutdown_timeout"),
		MaxHeaderBytes:    v.GetInt("http.max_header_bytes"),

		DatabaseURL:        strings.TrimSpace(v.GetString("db.url")),
		DBMaxConns:         v.GetInt32("db.max_conns"),
		DBMinConns:         v.GetInt32("db.min_conns"),
		DBSchema:           v.GetString("db.schema"),
		ReadinessRequireDB: v.GetBool("readiness.require_db"),

		WSSendQueue:        v.GetInt("ws.send_queue"),
		WSWriteTimeout:     v.GetDuration("ws.write_timeout"),
		WSReadIdleTimeout:  v.GetDuration("ws.read_idle_timeout"),
		WSHeartbeatEvery:   v.GetDuration("ws.heartbeat_every"),
		WSHeartbeatTimeout: v.GetDuration("ws.heartbeat_timeout"),
		WSRateEvents:       v.GetInt("ws.rate_events"),
		WSRateWindow:       v.GetDuration("ws.rate_window"),
		MaxConnsPerUser:    v.GetInt("ws.max_conns_per_user"),

		OriginRequired:       v.GetBool("origin.required"),
		AllowedOrigins:       cleanList(v.GetStringSlice("origin.allowed")),
		InsecureSkipVerify:   v.GetBool("origin.insecure_skip_verify"),
		TicketSecret:         v.GetString("ticket.secret"),
		RequireTicket:        v.GetBool("ticket.required"),
		NotifySecret:         v.GetString("notify.secret"),
		DebugPresenceEnabled: v.GetBool("debug.presence"),

		CORSAllowedOrigins:   cleanList(v.GetStringSlice("cors.allowed_origins")),
		CORSAllowCredentials: v.GetBool("cors.allow_credentials"),
		CORSMaxAgeSeconds:    v.GetInt("cors.max_age_seconds"),
	}
	return cfg, cfg.Validate()
}

// Validate rejects combinations that would start a server in a broken state.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("http.addr is empty"))
	}
	switch c.LogFormat {
	case "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want json or pretty", c.LogFormat))
	}
	if c.RequireTicket && c.TicketSecret == "" {
		errs = append(errs, errors.New("ticket.required is set but ticket.secret is empty"))
	}
	if c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns {
		errs = append(errs, fmt.Errorf("db.min_conns %d exceeds db.max_conns %d", c.DBMinConns, c.DBMaxConns))
	}
	if c.MaxConnsPerUser < 0 {
		errs = append(errs, errors.New("ws.max_conns_per_user must be >= 0"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func loadDotEnv(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("config: load %s: %w", path, err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: load .env: %w", err)
	}
	return nil
}

func flagString(flags *pflag.FlagSet, name string) string {
	if flags == nil {
		return ""
	}
	s, err := flags.GetString(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// cleanList trims entries and drops empties. Env values arrive as one
// comma separated string.
func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
