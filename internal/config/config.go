package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/livechat/internal/credentials"
	"github.com/livechat/internal/threadstore"
	"github.com/livechat/pkg/models"
)

// EnvPrefix prefixes every environment override, e.g. LIVECHAT_SERVER__PORT
const EnvPrefix = "LIVECHAT_"

// DefaultPaths are searched in order when no config file is given
var DefaultPaths = []string{"./livechat.toml", "$HOME/.livechat.toml"}

// Config represents the application configuration
type Config struct {
	Server      ServerConfig       `koanf:"server"`
	Providers   ProvidersConfig    `koanf:"providers"`
	Store       threadstore.Config `koanf:"store"`
	Client      ClientConfig       `koanf:"client"`
	Log         LogConfig          `koanf:"log"`
	Credentials map[string]string  `koanf:"credentials"`
}

type ServerConfig struct {
	Port              int           `koanf:"port"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
	GeoCityHeader     string        `koanf:"geo_city_header"`
	GeoCountryHeader  string        `koanf:"geo_country_header"`
	AllowOrigins      []string      `koanf:"allow_origins"`
}

type ProvidersConfig struct {
	OllamaURL   string  `koanf:"ollama_url"`
	Temperature float64 `koanf:"temperature"`
	MaxTokens   int     `koanf:"max_tokens"`
}

// ClientConfig drives the chat command
type ClientConfig struct {
	ServerURL          string        `koanf:"server_url"`
	Mode               string        `koanf:"mode"`
	APIKeyMode         string        `koanf:"api_key_mode"`
	PersistInterval    time.Duration `koanf:"persist_interval"`
	ReadRetryDelay     time.Duration `koanf:"read_retry_delay"`
	ReadRetries        int           `koanf:"read_retries"`
	CustomInstructions string        `koanf:"custom_instructions"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Pretty bool   `koanf:"pretty"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"server.port":               8888,
		"server.heartbeat_interval": 15 * time.Second,
		"server.shutdown_timeout":   10 * time.Second,
		"server.geo_city_header":    "X-Vercel-IP-City",
		"server.geo_country_header": "X-Vercel-IP-Country",
		"server.allow_origins":      []string{"*"},
		"providers.ollama_url":      "http://localhost:11434",
		"store.driver":              threadstore.DriverSQLite,
		"client.server_url":         "http://localhost:8888",
		"client.mode":               "gpt-4o-mini",
		"client.api_key_mode":       string(models.APIKeyModeOwn),
		"client.persist_interval":   time.Second,
		"client.read_retry_delay":   time.Second,
		"client.read_retries":       3,
		"log.level":                 "info",
	}
}

// LoadConfig loads defaults, then the TOML file, then the environment.
// An empty configPath searches DefaultPaths and tolerates none existing.
func LoadConfig(configPath string) (*Config, error) {
	var k = koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		for _, path := range DefaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
					return nil, fmt.Errorf("error loading config %s: %w", path, err)
				}
				break
			}
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	return &config, nil
}

// envKey maps LIVECHAT_SECTION__KEY to section.key and provider credential
// variables (OPENAI_API_KEY, ...) to credentials.NAME. Anything else is
// ignored.
func envKey(key, value string) (string, interface{}) {
	if strings.HasPrefix(key, EnvPrefix) {
		path := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
		path = strings.ReplaceAll(path, "__", ".")
		if path == "server.allow_origins" {
			return path, strings.Split(value, ",")
		}
		return path, value
	}
	if kind, ok := credentials.ParseKind(key); ok {
		if strings.TrimSpace(value) == "" {
			return "", nil
		}
		return "credentials." + string(kind), value
	}
	return "", nil
}

// ServerKeys returns the provider credentials held by the server
func (c *Config) ServerKeys() credentials.Set {
	return credentials.NewSet(c.Credentials)
}

// InitConfig initializes a new configuration file
func InitConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}

	sampleConfig := `# livechat configuration

[server]
port = 8888
heartbeat_interval = "15s"
geo_city_header = "X-Vercel-IP-City"
geo_country_header = "X-Vercel-IP-Country"
allow_origins = ["*"]

[providers]
ollama_url = "http://localhost:11434"
temperature = 0.7

[store]
# sqlite, postgres or memory
driver = "sqlite"
# dsn = "~/.livechat/history.db"

[client]
server_url = "http://localhost:8888"
mode = "gpt-4o-mini"
# own: send your keys below; system: use the keys held by the server
api_key_mode = "own"
persist_interval = "1s"

[log]
level = "info"
pretty = true

[credentials]
# OPENAI_API_KEY = "sk-..."
# GEMINI_API_KEY = "..."
`

	return os.WriteFile(configPath, []byte(sampleConfig), 0644)
}

// Validate validates the configuration
func Validate(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("server port %d is out of range", config.Server.Port)
	}
	if config.Server.HeartbeatInterval <= 0 {
		return fmt.Errorf("server heartbeat_interval must be positive")
	}
	if config.Client.PersistInterval <= 0 {
		return fmt.Errorf("client persist_interval must be positive")
	}
	if config.Client.ReadRetries < 0 {
		return fmt.Errorf("client read_retries must not be negative")
	}

	switch config.Store.Driver {
	case threadstore.DriverSQLite, threadstore.DriverMemory:
	case threadstore.DriverPostgres:
		if config.Store.DSN == "" && os.Getenv("DATABASE_URL") == "" {
			return fmt.Errorf("postgres store requires store.dsn or DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown store driver %q", config.Store.Driver)
	}

	switch models.APIKeyMode(config.Client.APIKeyMode) {
	case models.APIKeyModeOwn, models.APIKeyModeSystem:
	default:
		return fmt.Errorf("api_key_mode must be %q or %q", models.APIKeyModeOwn, models.APIKeyModeSystem)
	}

	for name := range config.Credentials {
		if _, ok := credentials.ParseKind(name); !ok {
			return fmt.Errorf("unknown credential %s", name)
		}
	}

	return nil
}

// LoadEnvFile loads environment variables from a file, overwriting existing ones.
func LoadEnvFile(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'')) {
			value = value[1 : len(value)-1]
		}

		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set env var %s: %w", key, err)
		}
	}

	return scanner.Err()
}
