package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dkeye/voiceroom/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Audio struct {
	Backend          string        `mapstructure:"backend"`
	SampleRate       int           `mapstructure:"sample_rate"`
	FrameSamples     int           `mapstructure:"frame_samples"`
	SpeakerWindow    time.Duration `mapstructure:"speaker_window"`
	FFTSize          int           `mapstructure:"fft_size"`
	CaptureFile      string        `mapstructure:"capture_file"`
	RecordFile       string        `mapstructure:"record_file"`
	LoopCapture      bool          `mapstructure:"loop_capture"`
	EchoCancellation bool          `mapstructure:"echo_cancellation"`
	NoiseSuppression bool          `mapstructure:"noise_suppression"`
	AutoGainControl  bool          `mapstructure:"auto_gain_control"`
}

type Config struct {
	Mode             string        `mapstructure:"mode"`
	LogLevel         string        `mapstructure:"log_level"`
	LogFormat        string        `mapstructure:"log_format"`
	RelayURL         string        `mapstructure:"relay_url"`
	Identity         string        `mapstructure:"identity"`
	ControlPort      int           `mapstructure:"control_port"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	ReadLimit        int64         `mapstructure:"read_limit"`
	PingPeriod       time.Duration `mapstructure:"ping_period"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	Talk             bool          `mapstructure:"talk"`
	Audio            Audio         `mapstructure:"audio"`
}

// flagKeys maps cobra flag names to config keys.
var flagKeys = map[string]string{
	"relay":        "relay_url",
	"name":         "identity",
	"backend":      "audio.backend",
	"capture-file": "audio.capture_file",
	"record-file":  "audio.record_file",
	"control-port": "control_port",
	"talk":         "talk",
	"log-level":    "log_level",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("relay_url", "ws://localhost:8080/api/v1/audio/room")
	v.SetDefault("identity", "")
	v.SetDefault("control_port", 8090)
	v.SetDefault("reconnect_delay", "3s")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("write_timeout", "5s")
	v.SetDefault("handshake_timeout", "10s")
	v.SetDefault("talk", false)

	v.SetDefault("audio.backend", "portaudio")
	v.SetDefault("audio.sample_rate", 48000)
	v.SetDefault("audio.frame_samples", 960)
	v.SetDefault("audio.speaker_window", "1s")
	v.SetDefault("audio.fft_size", 256)
	v.SetDefault("audio.capture_file", "")
	v.SetDefault("audio.record_file", "")
	v.SetDefault("audio.loop_capture", true)
	v.SetDefault("audio.echo_cancellation", true)
	v.SetDefault("audio.noise_suppression", true)
	v.SetDefault("audio.auto_gain_control", true)
}

// Load reads path (or config/config.<CONFIG_ENV>.yaml when empty), then
// VOICEROOM_* env vars, then any flags that were set explicitly.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	explicit := path != ""
	if !explicit {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		path = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(path)

	v.SetEnvPrefix("VOICEROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		log.Warn().Str("module", "config").Str("file", path).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", path).Msg("config loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	id, err := domain.NewIdentity(c.Identity)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	c.Identity = id.String()

	u, err := url.Parse(c.RelayURL)
	if err != nil {
		return fmt.Errorf("relay_url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("relay_url: scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("relay_url: missing host")
	}

	a := c.Audio
	if a.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be positive, got %d", a.SampleRate)
	}
	if a.FrameSamples <= 0 {
		return fmt.Errorf("audio.frame_samples must be positive, got %d", a.FrameSamples)
	}
	if a.FFTSize < 32 || a.FFTSize&(a.FFTSize-1) != 0 {
		return fmt.Errorf("audio.fft_size must be a power of two >= 32, got %d", a.FFTSize)
	}
	if a.SpeakerWindow <= 0 {
		return fmt.Errorf("audio.speaker_window must be positive, got %s", a.SpeakerWindow)
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect_delay must be positive, got %s", c.ReconnectDelay)
	}
	if c.ControlPort < 0 || c.ControlPort > 65535 {
		return fmt.Errorf("control_port out of range: %d", c.ControlPort)
	}
	return nil
}
