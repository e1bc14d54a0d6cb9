package config

import (
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds the overall application configuration.
type Config struct {
	LogLevel         string        `envconfig:"LOG_LEVEL"           default:"info"`
	VendorsPath      string        `envconfig:"VENDORS_CONFIG_PATH" default:"conf/vendors-config.json"`
	WatchVendors     bool          `envconfig:"VENDORS_WATCH"       default:"true"`
	RoutingRulesPath string        `envconfig:"ROUTING_RULES_PATH"  default:"conf/routing-rules.json"`
	APIKeysPath      string        `envconfig:"API_KEYS_PATH"       default:"conf/api-keys.json"`
	ShutdownTimeout  time.Duration `envconfig:"SHUTDOWN_TIMEOUT"    default:"30s"`
	ServerConfig     ServerConfig
	MNOClientConfig  MNOClientConfig
	DLRConfig        DLRConfig
	HttpConfig       HttpConfig
}

// ServerConfig holds SMPP Server specific configuration.
type ServerConfig struct {
	Enabled        bool          `envconfig:"SMPP_SERVER_ENABLED"         default:"true"`
	Addr           string        `envconfig:"SMPP_SERVER_ADDR"            default:"0.0.0.0:2775"`
	SystemID       string        `envconfig:"SMPP_SERVER_SYSTEM_ID"       default:"smsgateway"`
	ReadTimeout    time.Duration `envconfig:"SMPP_SERVER_READ_TIMEOUT"    default:"90s"`
	WriteTimeout   time.Duration `envconfig:"SMPP_SERVER_WRITE_TIMEOUT"   default:"10s"`
	MaxConnections int           `envconfig:"SMPP_SERVER_MAX_CONNECTIONS" default:"10"`
}

// MNOClientConfig holds defaults shared by every outbound vendor worker.
type MNOClientConfig struct {
	RequestTimeout  time.Duration `envconfig:"MNO_REQUEST_TIMEOUT"   default:"10s"`
	MaxWindowSize   uint8         `envconfig:"MNO_MAX_WINDOW_SIZE"   default:"10"`
	QueuePoll       time.Duration `envconfig:"MNO_QUEUE_POLL"        default:"1s"`
	WideSARRef      bool          `envconfig:"MNO_SAR_16BIT_REF"     default:"false"`
	KeepAliveTick   time.Duration `envconfig:"MNO_KEEPALIVE_TICK"    default:"1s"`
	WorkerStopGrace time.Duration `envconfig:"MNO_WORKER_STOP_GRACE" default:"30s"`
}

// DLRConfig controls correlation retention and receipt forwarding.
type DLRConfig struct {
	ForwardingEnabled bool          `envconfig:"DLR_FORWARDING_ENABLED" default:"true"`
	ForwardingURL     string        `envconfig:"DLR_FORWARDING_URL"     default:"http://localhost:8081/dlr"`
	HTTPTimeout       time.Duration `envconfig:"DLR_HTTP_TIMEOUT"       default:"10s"`
	SMPPSendTimeout   time.Duration `envconfig:"DLR_SMPP_SEND_TIMEOUT"  default:"30s"`
	Retention         time.Duration `envconfig:"DLR_RETENTION"          default:"24h"`
	PendingRetention  time.Duration `envconfig:"DLR_PENDING_RETENTION"  default:"72h"`
	SweepInterval     time.Duration `envconfig:"DLR_SWEEP_INTERVAL"     default:"1m"`
}

type HttpConfig struct {
	Addr         string        `envconfig:"HTTP_ADDR"          default:"0.0.0.0:8080"`
	ReadTimeout  time.Duration `envconfig:"HTTP_READ_TIMEOUT"  default:"10s"`
	WriteTimeout time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"10s"`
	IdleTimeout  time.Duration `envconfig:"HTTP_IDLE_TIMEOUT"  default:"60s"`
	RequireKey   bool          `envconfig:"HTTP_REQUIRE_KEY"   default:"true"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	log.Println("Loading configuration from environment variables...")

	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file found, skipping: %v", err)
	} else {
		log.Println(".env loaded")
	}

	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}
	log.Printf("Configuration loaded successfully (SMPP Addr: %s, HTTP Addr: %s)", cfg.ServerConfig.Addr, cfg.HttpConfig.Addr)
	return &cfg, nil
}
