package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/austindbirch/adcp_webhooks/internal/webhook"
)

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int32
	// AutoMigrate applies the embedded schema on dispatcher start
	AutoMigrate bool
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	NsqdHTTPAddr   string // e.g. nsqd:4151, polled for backlog stats
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	EventsTopic    string // business events to deliver
	IntakeChannel  string // NSQ channel name for dispatchers
	DLQTopic       string // dead letter topic
	MaxInFlight    int
}

type Dispatcher struct {
	MaxQueueSize     int           // per destination
	MaxRetries       int           // retries after the first attempt
	RetryBaseDelay   time.Duration // backoff base
	RetryMaxDelay    time.Duration // backoff cap
	RetryMaxJitter   time.Duration // uniform jitter added to each delay
	FailureThreshold int           // breaker: consecutive failures before OPEN
	SuccessThreshold int           // breaker: HALF_OPEN successes before CLOSED
	OpenTimeout      time.Duration // breaker: time in OPEN before probing
	DeliveryTimeout  time.Duration // per attempt
	WorkerIdle       time.Duration // worker teardown after an empty queue
	SweepInterval    time.Duration // retry scheduler period
	ShutdownGrace    time.Duration // in-flight drain budget on shutdown
	SignatureHeader  string        // HTTP header for webhook signature
	TimestampHeader  string        // HTTP header for webhook timestamp
}

type Admin struct {
	HTTPPort     string // health, metrics and operator API
	GRPCPort     string // gRPC health service
	JWTPublicKey string // PEM; empty with no JWKSURL disables operator auth
	JWKSURL      string // fetched at startup when JWTPublicKey is empty
	JWTIssuer    string
	JWTAudience  string
}

type DeadLetter struct {
	PublishNSQ      bool // publish to NSQ.DLQTopic
	PersistPostgres bool // insert into adcp.webhook_dead_letters
}

type Registry struct {
	Backend string // memory | postgres
}

type FakeReceiver struct {
	FailFirstN           int           // Number of requests to fail initially
	EndpointSecret       string        // Secret for webhook signature verification
	SigningLeewaySeconds int           // Allowed timestamp skew in seconds
	ResponseDelayMS      int           // Simulated response delay in milliseconds
	Port                 string        // Server listen port
	ReadTimeout          time.Duration // HTTP read timeout
	WriteTimeout         time.Duration // HTTP write timeout
	IdleTimeout          time.Duration // HTTP idle timeout
}

type Config struct {
	AppName      string
	LogLevel     string // debug | info | warn | error
	DB           DB
	NSQ          NSQ
	Dispatcher   Dispatcher
	Admin        Admin
	DeadLetter   DeadLetter
	Registry     Registry
	FakeReceiver FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getenvPEM reads a PEM value directly, or from the file named by key+"_FILE".
func getenvPEM(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if path := os.Getenv(key + "_FILE"); path != "" {
		if b, err := os.ReadFile(path); err == nil {
			return string(b)
		}
	}
	return ""
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "adcp-webhooks"),
		LogLevel: getenv("LOG_LEVEL", "info"),
		DB: DB{
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "postgres"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "adcp"),
			MaxConns: int32(getenvInt("DB_MAX_CONNS", 10)),

			AutoMigrate: getenvBool("DB_AUTO_MIGRATE", true),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:   getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			EventsTopic:    getenv("NSQ_EVENTS_TOPIC", "webhook_events"),
			IntakeChannel:  getenv("NSQ_INTAKE_CHANNEL", "dispatchers"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "webhook_events_dlq"),
			MaxInFlight:    getenvInt("NSQ_MAX_IN_FLIGHT", 200),
		},
		Dispatcher: Dispatcher{
			MaxQueueSize:     getenvInt("MAX_QUEUE_SIZE", webhook.DefaultMaxQueueSize),
			MaxRetries:       getenvInt("MAX_RETRIES", 3),
			RetryBaseDelay:   getenvDuration("RETRY_BASE_DELAY", time.Second),
			RetryMaxDelay:    getenvDuration("RETRY_MAX_DELAY", 5*time.Minute),
			RetryMaxJitter:   getenvDuration("RETRY_MAX_JITTER", time.Second),
			FailureThreshold: getenvInt("BREAKER_FAILURE_THRESHOLD", 5),
			SuccessThreshold: getenvInt("BREAKER_SUCCESS_THRESHOLD", 2),
			OpenTimeout:      getenvDuration("BREAKER_OPEN_TIMEOUT", 60*time.Second),
			DeliveryTimeout:  getenvDuration("DELIVERY_TIMEOUT", 10*time.Second),
			WorkerIdle:       getenvDuration("WORKER_IDLE_TIMEOUT", 2*time.Minute),
			SweepInterval:    getenvDuration("RETRY_SWEEP_INTERVAL", 500*time.Millisecond),
			ShutdownGrace:    getenvDuration("SHUTDOWN_GRACE", 15*time.Second),
			SignatureHeader:  getenv("WEBHOOK_SIGNATURE_HEADER", webhook.SignatureHeader),
			TimestampHeader:  getenv("WEBHOOK_TIMESTAMP_HEADER", webhook.TimestampHeader),
		},
		Admin: Admin{
			HTTPPort:     getenv("HTTP_PORT", ":8082"),
			GRPCPort:     getenv("GRPC_PORT", ":50051"),
			JWTPublicKey: getenvPEM("ADMIN_JWT_PUBLIC_KEY"),
			JWKSURL:      getenv("ADMIN_JWKS_URL", ""),
			JWTIssuer:    getenv("ADMIN_JWT_ISSUER", "adcp-webhooks"),
			JWTAudience:  getenv("ADMIN_JWT_AUDIENCE", "adcp-webhooks-admin"),
		},
		DeadLetter: DeadLetter{
			PublishNSQ:      getenvBool("PUBLISH_DLQ_TOPIC", false),
			PersistPostgres: getenvBool("PERSIST_DEAD_LETTERS", false),
		},
		Registry: Registry{
			Backend: getenv("REGISTRY_BACKEND", "memory"),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:           getenvInt("FAIL_FIRST_N", 0),
			EndpointSecret:       getenv("ENDPOINT_SECRET", ""),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			ResponseDelayMS:      getenvInt("RESPONSE_DELAY_MS", 0),
			Port:                 getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:          getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:         getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:          getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// UsesPostgres reports whether any component needs a database pool.
func (c Config) UsesPostgres() bool {
	return c.Registry.Backend == "postgres" || c.DeadLetter.PersistPostgres
}

// DispatcherOptions maps the env settings onto engine options. Collaborators
// (registry, sinks, logger) are filled in by the caller.
func (c Config) DispatcherOptions() webhook.Options {
	d := c.Dispatcher
	maxRetries := d.MaxRetries
	if maxRetries == 0 {
		// zero means "no retries" in env, but the default in Options
		maxRetries = -1
	}
	jitter := d.RetryMaxJitter
	if jitter == 0 {
		jitter = -1
	}
	return webhook.Options{
		MaxQueueSize:     d.MaxQueueSize,
		MaxRetries:       maxRetries,
		BaseDelay:        d.RetryBaseDelay,
		MaxDelay:         d.RetryMaxDelay,
		MaxJitter:        jitter,
		FailureThreshold: d.FailureThreshold,
		SuccessThreshold: d.SuccessThreshold,
		OpenTimeout:      d.OpenTimeout,
		RequestTimeout:   d.DeliveryTimeout,
		IdleTimeout:      d.WorkerIdle,
		SweepInterval:    d.SweepInterval,
		SignatureHeader:  d.SignatureHeader,
		TimestampHeader:  d.TimestampHeader,
	}
}
