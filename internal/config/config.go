package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every option the gateway recognizes. It is loaded once at
// startup from the environment (optionally seeded from a .env file) and
// never mutated afterwards.
type Config struct {
	Environment string
	Logging     LoggingConfig
	Server      ServerConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Backends    BackendConfig
	RateLimit   RateLimitConfig
	Absorber    AbsorberConfig
}

type LoggingConfig struct {
	Level  string
	Format string
}

type ServerConfig struct {
	HTTPAddr        string
	WSAddr          string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxBodyBytes    int64
	ProxyTimeout    time.Duration
	WSIdleTimeout   time.Duration
	WSMaxConnsPerIP int64

	EnableTLS   bool
	AutoCert    bool
	Domain      string
	CertFile    string
	KeyFile     string
	AutoCertDir string
	Email       string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type BackendConfig struct {
	// HTTPEndpoints and WSEndpoints are the validator nodes the gateway
	// rotates over. HTTPEndpoints must be non-empty.
	HTTPEndpoints []string
	WSEndpoints   []string
}

// EndpointLimit is a per-path-prefix rate limit entry.
type EndpointLimit struct {
	Prefix string
	RPS    float64
	Burst  float64
}

type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int

	IPBaseRPS float64
	IPBurst   float64

	PremiumMultiplier float64
	VIPMultiplier     float64
	PremiumIPs        []string
	VIPIPs            []string

	EndpointLimits []EndpointLimit

	BurstWindow     time.Duration
	BurstMultiplier float64
	PenaltyDuration time.Duration

	AdaptiveCPUPercent float64
	AdaptiveMemPercent float64
	AdaptiveReduction  float64

	BucketIdleTTL time.Duration
	SweepInterval time.Duration
}

type AbsorberConfig struct {
	CycleInterval    time.Duration
	BlockThreshold   int
	BlockDuration    time.Duration
	ConnCeilingPerIP int
	WhitelistCIDRs   []string
	BlacklistCIDRs   []string
	AttackLogMax     int64
	AttackLogTTL     time.Duration
	CPUThreshold     float64
	MemThreshold     float64
	SYNRateCap       int

	// FirewallDriver selects the Firewall Control backend: "iptables" for
	// real host rules, "memory" for environments without that privilege.
	FirewallDriver string
}

// LoadConfig reads the full configuration from the environment. It returns
// an error for anything malformed; callers treat that as fatal.
func LoadConfig() (*Config, error) {
	// Missing .env is fine, the environment may be populated directly.
	_ = godotenv.Load()

	var errs []string

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Server: ServerConfig{
			HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
			WSAddr:          getEnv("WS_ADDR", ":8081"),
			ReadTimeout:     getDuration("SERVER_READ_TIMEOUT", 15*time.Second, &errs),
			WriteTimeout:    getDuration("SERVER_WRITE_TIMEOUT", 60*time.Second, &errs),
			IdleTimeout:     getDuration("SERVER_IDLE_TIMEOUT", 120*time.Second, &errs),
			MaxBodyBytes:    getInt64("MAX_BODY_BYTES", 1<<20, &errs),
			ProxyTimeout:    getDuration("PROXY_TIMEOUT", 30*time.Second, &errs),
			WSIdleTimeout:   getDuration("WS_IDLE_TIMEOUT", 120*time.Second, &errs),
			WSMaxConnsPerIP: getInt64("WS_MAX_CONNS_PER_IP", 5, &errs),
			EnableTLS:       getBool("ENABLE_TLS", false, &errs),
			AutoCert:        getBool("AUTO_CERT", false, &errs),
			Domain:          getEnv("TLS_DOMAIN", ""),
			CertFile:        getEnv("TLS_CERT_FILE", ""),
			KeyFile:         getEnv("TLS_KEY_FILE", ""),
			AutoCertDir:     getEnv("AUTO_CERT_DIR", "/var/lib/gateway/certs"),
			Email:           getEnv("TLS_EMAIL", ""),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       int(getInt64("REDIS_DB", 0, &errs)),
			PoolSize: int(getInt64("REDIS_POOL_SIZE", 50, &errs)),
		},
		Kafka: KafkaConfig{
			Brokers: getList("KAFKA_BROKERS", nil),
			Topic:   getEnv("KAFKA_ATTACK_TOPIC", "gateway.attack-events"),
		},
		Backends: BackendConfig{
			HTTPEndpoints: getList("BACKEND_HTTP_ENDPOINTS", []string{"http://localhost:26657"}),
			WSEndpoints:   getList("BACKEND_WS_ENDPOINTS", []string{"ws://localhost:26657/websocket"}),
		},
		RateLimit: RateLimitConfig{
			GlobalRPS:          getFloat("GLOBAL_RPS", 1000, &errs),
			GlobalBurst:        int(getInt64("GLOBAL_BURST", 2000, &errs)),
			IPBaseRPS:          getFloat("IP_BASE_RPS", 50, &errs),
			IPBurst:            getFloat("IP_BURST", 100, &errs),
			PremiumMultiplier:  getFloat("PREMIUM_MULTIPLIER", 5, &errs),
			VIPMultiplier:      getFloat("VIP_MULTIPLIER", 10, &errs),
			PremiumIPs:         getList("PREMIUM_IPS", nil),
			VIPIPs:             getList("VIP_IPS", nil),
			EndpointLimits:     getEndpointLimits("ENDPOINT_LIMITS", &errs),
			BurstWindow:        getDuration("BURST_WINDOW", 60*time.Second, &errs),
			BurstMultiplier:    getFloat("BURST_MULTIPLIER", 5, &errs),
			PenaltyDuration:    getDuration("BURST_PENALTY", 300*time.Second, &errs),
			AdaptiveCPUPercent: getFloat("ADAPTIVE_CPU_PERCENT", 80, &errs),
			AdaptiveMemPercent: getFloat("ADAPTIVE_MEM_PERCENT", 80, &errs),
			AdaptiveReduction:  getFloat("ADAPTIVE_REDUCTION", 0.5, &errs),
			BucketIdleTTL:      getDuration("BUCKET_IDLE_TTL", time.Hour, &errs),
			SweepInterval:      getDuration("SWEEP_INTERVAL", 5*time.Minute, &errs),
		},
		Absorber: AbsorberConfig{
			CycleInterval:    getDuration("ABSORBER_CYCLE_INTERVAL", 10*time.Second, &errs),
			BlockThreshold:   int(getInt64("BLOCK_THRESHOLD", 100, &errs)),
			BlockDuration:    getDuration("BLOCK_DURATION", 60*time.Minute, &errs),
			ConnCeilingPerIP: int(getInt64("CONN_CEILING_PER_IP", 50, &errs)),
			WhitelistCIDRs:   getList("WHITELIST_CIDRS", []string{"127.0.0.0/8", "::1/128"}),
			BlacklistCIDRs:   getList("BLACKLIST_CIDRS", nil),
			AttackLogMax:     getInt64("ATTACK_LOG_MAX", 1000, &errs),
			AttackLogTTL:     getDuration("ATTACK_LOG_TTL", time.Hour, &errs),
			CPUThreshold:     getFloat("ABSORBER_CPU_PERCENT", 80, &errs),
			MemThreshold:     getFloat("ABSORBER_MEM_PERCENT", 80, &errs),
			SYNRateCap:       int(getInt64("SYN_RATE_CAP", 1000, &errs)),
			FirewallDriver:   getEnv("FIREWALL_DRIVER", "iptables"),
		},
	}

	if err := cfg.validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Backends.HTTPEndpoints) == 0 {
		return fmt.Errorf("BACKEND_HTTP_ENDPOINTS must list at least one validator endpoint")
	}
	for _, cidr := range append(append([]string{}, c.Absorber.WhitelistCIDRs...), c.Absorber.BlacklistCIDRs...) {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid CIDR %q: %w", cidr, err)
		}
	}
	for _, ip := range append(append([]string{}, c.RateLimit.PremiumIPs...), c.RateLimit.VIPIPs...) {
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("invalid tier IP %q", ip)
		}
	}
	if c.RateLimit.AdaptiveReduction <= 0 || c.RateLimit.AdaptiveReduction > 1 {
		return fmt.Errorf("ADAPTIVE_REDUCTION must be in (0, 1], got %v", c.RateLimit.AdaptiveReduction)
	}
	if c.Server.EnableTLS && c.Server.AutoCert && c.Server.Domain == "" {
		return fmt.Errorf("AUTO_CERT requires TLS_DOMAIN")
	}
	switch c.Absorber.FirewallDriver {
	case "iptables", "memory":
	default:
		return fmt.Errorf("FIREWALL_DRIVER must be iptables or memory, got %q", c.Absorber.FirewallDriver)
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt64(key string, defaultValue int64, errs *[]string) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s=%q is not an integer", key, raw))
		return defaultValue
	}
	return v
}

func getFloat(key string, defaultValue float64, errs *[]string) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s=%q is not a number", key, raw))
		return defaultValue
	}
	return v
}

func getBool(key string, defaultValue bool, errs *[]string) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s=%q is not a boolean", key, raw))
		return defaultValue
	}
	return v
}

func getDuration(key string, defaultValue time.Duration, errs *[]string) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s=%q is not a duration", key, raw))
		return defaultValue
	}
	return v
}

func getList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEndpointLimits parses entries of the form "/prefix=rps:burst", comma
// separated, e.g. ENDPOINT_LIMITS="/api/tx=1:5,/api/query=100:200".
func getEndpointLimits(key string, errs *[]string) []EndpointLimit {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var limits []EndpointLimit
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		prefix, spec, ok := strings.Cut(entry, "=")
		if !ok {
			*errs = append(*errs, fmt.Sprintf("%s entry %q missing '='", key, entry))
			continue
		}
		rpsStr, burstStr, ok := strings.Cut(spec, ":")
		if !ok {
			*errs = append(*errs, fmt.Sprintf("%s entry %q missing ':'", key, entry))
			continue
		}
		rps, err1 := strconv.ParseFloat(rpsStr, 64)
		burst, err2 := strconv.ParseFloat(burstStr, 64)
		if err1 != nil || err2 != nil {
			*errs = append(*errs, fmt.Sprintf("%s entry %q has non-numeric limits", key, entry))
			continue
		}
		limits = append(limits, EndpointLimit{Prefix: prefix, RPS: rps, Burst: burst})
	}
	return limits
}
