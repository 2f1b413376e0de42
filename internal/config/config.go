package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/callcore/internal/domain"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type ServerConfig struct {
	Mode           string        `mapstructure:"mode"`
	Port           int           `mapstructure:"port"`
	StaticPath     string        `mapstructure:"static_path"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	Secret         string        `mapstructure:"secret"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	RateBurst      int           `mapstructure:"rate_burst"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type LiveKitConfig struct {
	URL       string        `mapstructure:"url"`
	APIKey    string        `mapstructure:"api_key"`
	APISecret string        `mapstructure:"api_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type CallConfig struct {
	RingTimeout        time.Duration `mapstructure:"ring_timeout"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	AloneTimeout       time.Duration `mapstructure:"alone_timeout"`
	RelayThreshold     int           `mapstructure:"relay_threshold"`
}

// SignalConfig is the client side of the signaling channel.
type SignalConfig struct {
	URL               string        `mapstructure:"url"`
	Token             string        `mapstructure:"token"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	Backoff           time.Duration `mapstructure:"backoff"`
}

type MediaConfig struct {
	Synthetic   bool     `mapstructure:"synthetic"`
	VideoWidth  int      `mapstructure:"video_width"`
	VideoHeight int      `mapstructure:"video_height"`
	FrameRate   float64  `mapstructure:"frame_rate"`
	ICEServers  []string `mapstructure:"ice_servers"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// AgentConfig drives cmd/callagent.
type AgentConfig struct {
	Member      string        `mapstructure:"member"`
	APIURL      string        `mapstructure:"api_url"`
	AutoAnswer  bool          `mapstructure:"auto_answer"`
	Dial        string        `mapstructure:"dial"`
	Video       bool          `mapstructure:"video"`
	HangupAfter time.Duration `mapstructure:"hangup_after"`
}

type Config struct {
	Env      string         `mapstructure:"-"`
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	LiveKit  LiveKitConfig  `mapstructure:"livekit"`
	Database DatabaseConfig `mapstructure:"database"`
	Call     CallConfig     `mapstructure:"call"`
	Signal   SignalConfig   `mapstructure:"signal"`
	Media    MediaConfig    `mapstructure:"media"`
	Log      LogConfig      `mapstructure:"log"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Chats    []domain.Chat  `mapstructure:"chats"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.static_path", "./web")
	v.SetDefault("server.read_limit", 32768)
	v.SetDefault("server.ping_period", "54s")
	v.SetDefault("server.secret", "")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.rate_per_second", 50)
	v.SetDefault("server.rate_burst", 100)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", "24h")

	v.SetDefault("livekit.url", "")
	v.SetDefault("livekit.api_key", "")
	v.SetDefault("livekit.api_secret", "")
	v.SetDefault("livekit.token_ttl", "1h")

	v.SetDefault("database.path", "./data/callcore.db")

	v.SetDefault("call.ring_timeout", "30s")
	v.SetDefault("call.connect_timeout", "20s")
	v.SetDefault("call.negotiation_timeout", "10s")
	v.SetDefault("call.alone_timeout", "60s")
	v.SetDefault("call.relay_threshold", 2)

	v.SetDefault("signal.url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("signal.token", "")
	v.SetDefault("signal.reconnect_attempts", 5)
	v.SetDefault("signal.backoff", "500ms")

	v.SetDefault("media.synthetic", true)
	v.SetDefault("media.video_width", 640)
	v.SetDefault("media.video_height", 480)
	v.SetDefault("media.frame_rate", 15)
	v.SetDefault("media.ice_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)

	v.SetDefault("agent.member", "")
	v.SetDefault("agent.api_url", "http://localhost:8080")
	v.SetDefault("agent.auto_answer", false)
	v.SetDefault("agent.dial", "")
	v.SetDefault("agent.video", false)
	v.SetDefault("agent.hangup_after", "0s")
}

// Load reads .env, config/config.<CONFIG_ENV>.yaml, CALLCORE_* variables and
// the given flags, later sources winning. flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		fmt.Println("✅ Loaded .env")
	}

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("CALLCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Env = env
	fmt.Printf("🧩 Env: %s | Mode: %s | Port: %d\n", cfg.Env, cfg.Server.Mode, cfg.Server.Port)
	return &cfg, nil
}
