// Package config provides configuration management for voxd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for voxd.
type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http"`
	WS         WSConfig         `mapstructure:"ws"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Speech     SpeechConfig     `mapstructure:"speech"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Audio      AudioConfig      `mapstructure:"audio"`
	Bus        BusConfig        `mapstructure:"bus"`
	Permission PermissionConfig `mapstructure:"permission"`
	Chat       ChatConfig       `mapstructure:"chat"`
	Guard      GuardConfig      `mapstructure:"guard"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// HTTPConfig holds the API server configuration.
type HTTPConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	ReadTimeout   int    `mapstructure:"readTimeout"`   // in seconds
	WriteTimeout  int    `mapstructure:"writeTimeout"`  // in seconds
	MaxAudioBytes int64  `mapstructure:"maxAudioBytes"` // /transcribe body cap
}

// WSConfig holds the WebSocket server configuration.
type WSConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	PingInterval int    `mapstructure:"pingInterval"` // seconds between heartbeat pings
	MissedPings  int    `mapstructure:"missedPings"`  // unanswered pings before drop
}

// AuthConfig holds the peer authorisation gate configuration.
type AuthConfig struct {
	// AllowedNodes is a comma-separated list of node identities.
	// Empty disables the gate entirely (all peers allowed).
	AllowedNodes string `mapstructure:"allowedNodes"`

	// SocketPath is the node-identity daemon's local API socket.
	SocketPath string `mapstructure:"socketPath"`

	CacheTTL int `mapstructure:"cacheTtl"` // in seconds
}

// SpeechConfig holds the STT/TTS provider configuration.
// Runtime-tunable options (model, language, voice, response mode) live in the
// settings store; this section covers the credential and transport knobs plus
// the initial values the settings store is seeded with.
type SpeechConfig struct {
	APIKey      string `mapstructure:"apiKey"`
	BaseURL     string `mapstructure:"baseUrl"`
	Timeout     int    `mapstructure:"timeout"` // per-request, in seconds
	Model       string `mapstructure:"model"`
	Language    string `mapstructure:"language"`
	SmartFormat bool   `mapstructure:"smartFormat"`
	Punctuate   bool   `mapstructure:"punctuate"`
	Voice       string `mapstructure:"voice"`
	MaxTTSChars int    `mapstructure:"maxTtsChars"`
	ResponseMod string `mapstructure:"responseMode"`
}

// AgentConfig holds the child agent process configuration.
type AgentConfig struct {
	Command      string   `mapstructure:"command"`
	Args         []string `mapstructure:"args"`
	WorkDir      string   `mapstructure:"workdir"`
	StopGrace    int      `mapstructure:"stopGrace"`    // SIGTERM→SIGKILL grace, seconds
	AbortDrain   int      `mapstructure:"abortDrain"`   // wait for child's own end event after SIGINT, seconds
	MaxCrashes   int      `mapstructure:"maxCrashes"`   // consecutive early crashes before giving up
	CrashBackoff int      `mapstructure:"crashBackoff"` // relaunch delay after a crash, seconds
}

// AudioConfig holds artifact store configuration.
type AudioConfig struct {
	TTL int `mapstructure:"ttl"` // artifact lifetime in seconds
}

// BusConfig holds event bus configuration.
type BusConfig struct {
	QueueSize int `mapstructure:"queueSize"` // per-subscriber bounded queue

	// NATSURL, when set, mirrors every event frame to NATS subjects
	// (voxd.events.<type>). Empty disables the mirror.
	NATSURL string `mapstructure:"natsUrl"`
}

// PermissionConfig holds permission broker configuration.
type PermissionConfig struct {
	Timeout     int    `mapstructure:"timeout"`     // pending-request deadline, seconds
	Retention   int    `mapstructure:"retention"`   // idempotency window after resolution, seconds
	LongPollMax int    `mapstructure:"longPollMax"` // /status/<id> long-poll cap, seconds
	RulesFile   string `mapstructure:"rulesFile"`   // optional YAML auto-allow rules
}

// ChatConfig holds chat and timeline ring sizes.
type ChatConfig struct {
	RingSize     int `mapstructure:"ringSize"`
	TimelineSize int `mapstructure:"timelineSize"`
}

// GuardConfig holds the duplicate-submission guard configuration.
type GuardConfig struct {
	Cooldown int `mapstructure:"cooldown"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (h *HTTPConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(h.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (h *HTTPConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(h.WriteTimeout) * time.Second
}

// PingIntervalDuration returns the heartbeat interval as a time.Duration.
func (w *WSConfig) PingIntervalDuration() time.Duration {
	return time.Duration(w.PingInterval) * time.Second
}

// CacheTTLDuration returns the verification cache TTL as a time.Duration.
func (a *AuthConfig) CacheTTLDuration() time.Duration {
	return time.Duration(a.CacheTTL) * time.Second
}

// AllowedNodeSet parses AllowedNodes into a set of lowercase identities.
// Returns an empty set when the gate is disabled.
func (a *AuthConfig) AllowedNodeSet() map[string]struct{} {
	set := make(map[string]struct{})
	for _, name := range strings.Split(a.AllowedNodes, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			set[name] = struct{}{}
		}
	}
	return set
}

// TimeoutDuration returns the per-request speech timeout as a time.Duration.
func (s *SpeechConfig) TimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// StopGraceDuration returns the SIGTERM grace window as a time.Duration.
func (a *AgentConfig) StopGraceDuration() time.Duration {
	return time.Duration(a.StopGrace) * time.Second
}

// AbortDrainDuration returns the abort drain window as a time.Duration.
func (a *AgentConfig) AbortDrainDuration() time.Duration {
	return time.Duration(a.AbortDrain) * time.Second
}

// CrashBackoffDuration returns the relaunch backoff as a time.Duration.
func (a *AgentConfig) CrashBackoffDuration() time.Duration {
	return time.Duration(a.CrashBackoff) * time.Second
}

// TTLDuration returns the artifact TTL as a time.Duration.
func (a *AudioConfig) TTLDuration() time.Duration {
	return time.Duration(a.TTL) * time.Second
}

// TimeoutDuration returns the pending-request deadline as a time.Duration.
func (p *PermissionConfig) TimeoutDuration() time.Duration {
	return time.Duration(p.Timeout) * time.Second
}

// RetentionDuration returns the idempotency window as a time.Duration.
func (p *PermissionConfig) RetentionDuration() time.Duration {
	return time.Duration(p.Retention) * time.Second
}

// LongPollMaxDuration returns the long-poll cap as a time.Duration.
func (p *PermissionConfig) LongPollMaxDuration() time.Duration {
	return time.Duration(p.LongPollMax) * time.Second
}

// CooldownDuration returns the duplicate cooldown as a time.Duration.
func (g *GuardConfig) CooldownDuration() time.Duration {
	return time.Duration(g.Cooldown) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("VOXD_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// HTTP server defaults
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 5566)
	v.SetDefault("http.readTimeout", 30)
	v.SetDefault("http.writeTimeout", 30)
	v.SetDefault("http.maxAudioBytes", 25*1024*1024)

	// WebSocket server defaults
	v.SetDefault("ws.host", "0.0.0.0")
	v.SetDefault("ws.port", 5567)
	v.SetDefault("ws.pingInterval", 30)
	v.SetDefault("ws.missedPings", 3)

	// Peer auth defaults - empty allowlist disables the gate
	v.SetDefault("auth.allowedNodes", "")
	v.SetDefault("auth.socketPath", "/var/run/tailscale/tailscaled.sock")
	v.SetDefault("auth.cacheTtl", 300)

	// Speech defaults
	v.SetDefault("speech.apiKey", "")
	v.SetDefault("speech.baseUrl", "https://api.deepgram.com")
	v.SetDefault("speech.timeout", 30)
	v.SetDefault("speech.model", "nova-3")
	v.SetDefault("speech.language", "en-US")
	v.SetDefault("speech.smartFormat", true)
	v.SetDefault("speech.punctuate", true)
	v.SetDefault("speech.voice", "aura-asteria-en")
	v.SetDefault("speech.maxTtsChars", 1500)
	v.SetDefault("speech.responseMode", "text")

	// Agent defaults
	v.SetDefault("agent.command", "claude")
	v.SetDefault("agent.args", []string{"--input-format", "stream-json", "--output-format", "stream-json"})
	v.SetDefault("agent.workdir", "")
	v.SetDefault("agent.stopGrace", 5)
	v.SetDefault("agent.abortDrain", 5)
	v.SetDefault("agent.maxCrashes", 3)
	v.SetDefault("agent.crashBackoff", 1)

	// Audio artifact defaults
	v.SetDefault("audio.ttl", 600)

	// Event bus defaults - empty NATS URL means in-process only
	v.SetDefault("bus.queueSize", 256)
	v.SetDefault("bus.natsUrl", "")

	// Permission broker defaults
	v.SetDefault("permission.timeout", 300)
	v.SetDefault("permission.retention", 60)
	v.SetDefault("permission.longPollMax", 30)
	v.SetDefault("permission.rulesFile", "")

	// Chat / timeline defaults
	v.SetDefault("chat.ringSize", 200)
	v.SetDefault("chat.timelineSize", 100)

	// Duplicate guard defaults
	v.SetDefault("guard.cooldown", 5)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix VOXD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ~/.voxd/, or /etc/voxd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("VOXD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the well-known unprefixed env vars.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("speech.apiKey", "STT_API_KEY", "DEEPGRAM_API_KEY", "VOXD_SPEECH_API_KEY")
	_ = v.BindEnv("auth.allowedNodes", "ALLOWED_NODES", "VOXD_AUTH_ALLOWED_NODES")
	_ = v.BindEnv("http.port", "PORT_HTTP", "VOXD_HTTP_PORT")
	_ = v.BindEnv("ws.port", "PORT_WS", "VOXD_WS_PORT")
	_ = v.BindEnv("agent.workdir", "WORK_DIR", "VOXD_AGENT_WORKDIR")
	_ = v.BindEnv("http.maxAudioBytes", "VOXD_HTTP_MAX_AUDIO_BYTES")
	_ = v.BindEnv("bus.natsUrl", "VOXD_BUS_NATS_URL")
	_ = v.BindEnv("permission.rulesFile", "VOXD_PERMISSION_RULES_FILE")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.voxd")
	}
	v.AddConfigPath("/etc/voxd/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		errs = append(errs, "http.port must be between 1 and 65535")
	}
	if cfg.WS.Port <= 0 || cfg.WS.Port > 65535 {
		errs = append(errs, "ws.port must be between 1 and 65535")
	}
	if cfg.HTTP.Port == cfg.WS.Port {
		errs = append(errs, "http.port and ws.port must differ")
	}
	if cfg.HTTP.MaxAudioBytes <= 0 {
		errs = append(errs, "http.maxAudioBytes must be positive")
	}

	if cfg.Speech.APIKey == "" {
		errs = append(errs, "speech.apiKey is required (set STT_API_KEY)")
	}

	if cfg.Agent.Command == "" {
		errs = append(errs, "agent.command is required")
	}
	if cfg.Agent.MaxCrashes <= 0 {
		errs = append(errs, "agent.maxCrashes must be positive")
	}

	if cfg.Bus.QueueSize <= 0 {
		errs = append(errs, "bus.queueSize must be positive")
	}
	if cfg.Chat.RingSize <= 0 {
		errs = append(errs, "chat.ringSize must be positive")
	}
	if cfg.Chat.TimelineSize <= 0 {
		errs = append(errs, "chat.timelineSize must be positive")
	}

	validModes := map[string]bool{"text": true, "audio": true, "disabled": true}
	if !validModes[cfg.Speech.ResponseMod] {
		errs = append(errs, "speech.responseMode must be one of: text, audio, disabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
