package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Database struct {
		Path string
	}
	Engine struct {
		DataDir           string
		ListenHost        string
		ListenPort        int
		NoDHT             bool
		DisableTrackers   bool
		Seed              bool
		UploadRateLimit   int64
		DownloadRateLimit int64
		Trackers          []string
	}
	Coordinator struct {
		LargeObjectThreshold int64
		SettleDelay          time.Duration
		PumpInterval         time.Duration
		LargeObjectConns     int
		DefaultConns         int
	}
	Storage struct {
		Bucket    string
		KeyPrefix string
		Region    string
		Endpoint  string
	}
	AWS struct {
		Profile string
	}
	Auth struct {
		JWTSecret       string
		TokenTTLMinutes int
	}
	Log struct {
		Level string
	}
}

// Load reads configuration from environment variables and an optional
// config.* file in the working directory.
func Load() (Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. An empty path falls back to
// the optional config.* lookup; a named file must exist.
func LoadFile(path string) (Config, error) {
	loadDotEnv(".env")

	v := viper.New()
	v.SetEnvPrefix("TORRENTCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		_ = v.ReadInConfig() // optional file
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "127.0.0.1:8080")
	v.SetDefault("database.path", "data/torrentctl.db")

	v.SetDefault("engine.datadir", "data/engine")
	v.SetDefault("engine.listenhost", "")
	v.SetDefault("engine.listenport", 0)
	v.SetDefault("engine.nodht", false)
	v.SetDefault("engine.disabletrackers", false)
	v.SetDefault("engine.seed", true)
	v.SetDefault("engine.uploadratelimit", 0)
	v.SetDefault("engine.downloadratelimit", 0)
	v.SetDefault("engine.trackers", []string{})

	v.SetDefault("coordinator.largeobjectthreshold", int64(50<<30))
	v.SetDefault("coordinator.settledelay", 500*time.Millisecond)
	v.SetDefault("coordinator.pumpinterval", time.Second)
	v.SetDefault("coordinator.largeobjectconns", 200)
	v.SetDefault("coordinator.defaultconns", 50)

	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "torrentctl")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("aws.profile", "")

	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.tokenttlminutes", 60)

	v.SetDefault("log.level", "info")
}

func (c Config) validate() error {
	if c.Engine.ListenPort < 0 || c.Engine.ListenPort > 65535 {
		return fmt.Errorf("engine.listenport %d out of range", c.Engine.ListenPort)
	}
	if c.Engine.UploadRateLimit < 0 || c.Engine.DownloadRateLimit < 0 {
		return fmt.Errorf("engine rate limits must not be negative")
	}
	if c.Coordinator.LargeObjectThreshold <= 0 {
		return fmt.Errorf("coordinator.largeobjectthreshold must be positive")
	}
	if c.Auth.TokenTTLMinutes < 0 {
		return fmt.Errorf("auth.tokenttlminutes must not be negative")
	}
	return nil
}

// AuthEnabled reports whether the control API requires a bearer token.
// Operators themselves live in the users table, see the useradd command.
func (c Config) AuthEnabled() bool {
	return strings.TrimSpace(c.Auth.JWTSecret) != ""
}

// TokenTTL is the lifetime of issued API tokens.
func (c Config) TokenTTL() time.Duration {
	if c.Auth.TokenTTLMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.Auth.TokenTTLMinutes) * time.Minute
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		partsIndex := strings.Index(line, "=")
		if partsIndex <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:partsIndex])
		value := strings.TrimSpace(line[partsIndex+1:])
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
