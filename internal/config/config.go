// Package config loads equipool settings from the environment, with an optional
// YAML pool profile for per-port difficulty and reward recipients.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PortConfig is the per listening port setting.
type PortConfig struct {
	Diff float64 `yaml:"diff"`
}

// Recipient receives a percentage of each block reward.
type Recipient struct {
	Address string  `yaml:"address"`
	Percent float64 `yaml:"percent"`
}

// Banning controls the invalid share heuristic.
type Banning struct {
	Enabled        bool
	Time           time.Duration
	InvalidPercent float64
	CheckThreshold int
	PurgeInterval  time.Duration
}

// Config holds the settings of one pool worker.
type Config struct {
	ServiceName string
	Version     string
	Environment string

	// Coin
	CoinName    string
	InstanceID  uint32
	PoolAddress string
	RewardType  string
	TxMessages  bool
	Recipients  []Recipient

	// Stratum
	ListenAddr             string
	Ports                  map[int]PortConfig
	ConnectionTimeout      time.Duration
	JobRebroadcastTimeout  time.Duration
	BlockRefreshInterval   time.Duration
	WriteTimeout           time.Duration
	TCPProxyProtocol       bool
	ValidateWorkerUsername bool
	JobHistorySize         int
	Banning                Banning

	// Daemon
	DaemonHost     string
	DaemonPort     int
	DaemonUser     string
	DaemonPassword string
	DaemonZMQAddr  string

	// Redis accounting
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Kafka events
	KafkaBrokers  []string
	KafkaGroupID  string
	EventEncoding string

	// Archive
	PostgresURL        string
	InfluxURL          string
	InfluxToken        string
	InfluxOrg          string
	InfluxBucket       string
	ArchiveConcurrency int

	LogLevel  string
	LogFormat string
}

// profile is the optional YAML overlay.
type profile struct {
	Ports      map[int]PortConfig `yaml:"ports"`
	Recipients []Recipient        `yaml:"recipients"`
}

// Load reads the environment, applies POOL_CONFIG_FILE if set and validates.
func Load() (*Config, error) {
	defaultDiff := getEnvFloat("PORT_DIFFICULTY", 8)
	ports := make(map[int]PortConfig)
	for _, p := range getEnvSlice("STRATUM_PORTS", []string{"3333"}) {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid STRATUM_PORTS entry %q: %w", p, err)
		}
		ports[port] = PortConfig{Diff: defaultDiff}
	}

	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "equipool"),
		Version:     getEnv("VERSION", "dev"),
		Environment: getEnv("ENVIRONMENT", "development"),

		CoinName:    getEnv("COIN_NAME", "aion"),
		InstanceID:  uint32(getEnvInt("INSTANCE_ID", 0)),
		PoolAddress: getEnv("POOL_ADDRESS", ""),
		RewardType:  getEnv("REWARD_TYPE", "POW"),
		TxMessages:  getEnvBool("TX_MESSAGES", false),

		ListenAddr:             getEnv("LISTEN_ADDR", "0.0.0.0"),
		Ports:                  ports,
		ConnectionTimeout:      getEnvDuration("CONNECTION_TIMEOUT", 600*time.Second),
		JobRebroadcastTimeout:  getEnvDuration("JOB_REBROADCAST_TIMEOUT", 55*time.Second),
		BlockRefreshInterval:   getEnvDuration("BLOCK_REFRESH_INTERVAL", time.Second),
		WriteTimeout:           getEnvDuration("WRITE_TIMEOUT", 10*time.Second),
		TCPProxyProtocol:       getEnvBool("TCP_PROXY_PROTOCOL", false),
		ValidateWorkerUsername: getEnvBool("VALIDATE_WORKER_USERNAME", true),
		JobHistorySize:         getEnvInt("JOB_HISTORY_SIZE", 256),
		Banning: Banning{
			Enabled:        getEnvBool("BANNING_ENABLED", true),
			Time:           getEnvDuration("BANNING_TIME", 600*time.Second),
			InvalidPercent: getEnvFloat("BANNING_INVALID_PERCENT", 50),
			CheckThreshold: getEnvInt("BANNING_CHECK_THRESHOLD", 500),
			PurgeInterval:  getEnvDuration("BANNING_PURGE_INTERVAL", 300*time.Second),
		},

		DaemonHost:     getEnv("DAEMON_HOST", "127.0.0.1"),
		DaemonPort:     getEnvInt("DAEMON_PORT", 8545),
		DaemonUser:     getEnv("DAEMON_USER", ""),
		DaemonPassword: getEnv("DAEMON_PASSWORD", ""),
		DaemonZMQAddr:  getEnv("DAEMON_ZMQ_ADDR", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		KafkaBrokers:  getEnvSlice("KAFKA_BROKERS", nil),
		KafkaGroupID:  getEnv("KAFKA_GROUP_ID", "equipool"),
		EventEncoding: getEnv("EVENT_ENCODING", "json"),

		PostgresURL:        getEnv("POSTGRES_URL", ""),
		InfluxURL:          getEnv("INFLUX_URL", ""),
		InfluxToken:        getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:          getEnv("INFLUX_ORG", "equipool"),
		InfluxBucket:       getEnv("INFLUX_BUCKET", "mining"),
		ArchiveConcurrency: getEnvInt("ARCHIVE_CONCURRENCY", 8),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if path := os.Getenv("POOL_CONFIG_FILE"); path != "" {
		if err := cfg.applyProfile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyProfile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read pool profile: %w", err)
	}

	var p profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("failed to parse pool profile %s: %w", path, err)
	}

	if len(p.Ports) > 0 {
		c.Ports = p.Ports
	}
	if len(p.Recipients) > 0 {
		c.Recipients = p.Recipients
	}
	return nil
}

func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}
	if c.CoinName == "" {
		return fmt.Errorf("COIN_NAME cannot be empty")
	}
	if len(c.Ports) == 0 {
		return fmt.Errorf("at least one stratum port is required")
	}
	for port, pc := range c.Ports {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("stratum port %d must be between 1 and 65535", port)
		}
		if pc.Diff <= 0 {
			return fmt.Errorf("difficulty for port %d must be positive", port)
		}
	}
	if c.PoolAddress != "" {
		if len(c.PoolAddress) != 64 || !isHex(c.PoolAddress) {
			return fmt.Errorf("POOL_ADDRESS must be 32 bytes of hex")
		}
	}
	if c.Banning.Enabled {
		if c.Banning.CheckThreshold <= 0 {
			return fmt.Errorf("BANNING_CHECK_THRESHOLD must be positive")
		}
		if c.Banning.InvalidPercent <= 0 || c.Banning.InvalidPercent > 100 {
			return fmt.Errorf("BANNING_INVALID_PERCENT must be between 0 and 100")
		}
		if c.Banning.PurgeInterval <= 0 {
			return fmt.Errorf("BANNING_PURGE_INTERVAL must be positive")
		}
	}
	var total float64
	for _, r := range c.Recipients {
		if r.Percent < 0 {
			return fmt.Errorf("recipient %s has a negative percentage", r.Address)
		}
		total += r.Percent
	}
	if total >= 100 {
		return fmt.Errorf("recipient percentages must total less than 100")
	}
	switch c.EventEncoding {
	case "json", "proto":
	default:
		return fmt.Errorf("EVENT_ENCODING must be json or proto")
	}
	if c.JobHistorySize <= 0 {
		return fmt.Errorf("JOB_HISTORY_SIZE must be positive")
	}
	return nil
}

// SortedPorts returns the configured stratum ports in ascending order.
func (c *Config) SortedPorts() []int {
	ports := make([]int, 0, len(c.Ports))
	for p := range c.Ports {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

// DaemonAddr returns host:port of the coin daemon.
func (c *Config) DaemonAddr() string {
	return fmt.Sprintf("%s:%d", c.DaemonHost, c.DaemonPort)
}

func isHex(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
