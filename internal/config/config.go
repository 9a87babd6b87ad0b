package config // package config loads application configuration from environment variables

import (
	"log"  // log is used to report configuration errors and halt execution
	"os"   // os provides access to environment variables
	"time" // time is used for duration-typed settings
)

// Config holds core runtime configuration values.  Each field
// corresponds to an environment variable.  The per-component tuning
// knobs (admission window, hold TTLs, saga retention, broadcast
// cadence) live in their own structs below so each component receives
// only what it needs.
type Config struct {
	Env       string // application environment (e.g. "dev", "prod")
	Port      string // HTTP port to listen on
	DBUser    string // database username
	DBPass    string // database password (optional)
	DBHost    string // database host address
	DBPort    string // database port number
	DBName    string // database name
	JWTSecret string // secret used to sign admission tokens
}

// Load reads configuration values from environment variables and returns a
// Config.  Required variables are enforced by must() and missing values
// cause the program to exit with a fatal log message.
func Load() Config {
	return Config{
		Env:       must("APP_ENV"),      // environment (dev/test/prod)
		Port:      must("APP_PORT"),     // port to bind the HTTP server
		DBUser:    must("DB_USER"),      // database user
		DBPass:    os.Getenv("DB_PASS"), // database password (empty allowed)
		DBHost:    must("DB_HOST"),      // database host
		DBPort:    must("DB_PORT"),      // database port
		DBName:    must("DB_NAME"),      // database name
		JWTSecret: must("JWT_SECRET"),   // secret for signing admission tokens
	}
}

// AdmissionConfig tunes the waiting room.  MaxPermits bounds how many
// users may be inside the protected reservation flow per schedule at
// once; ActiveTTL is the reservation-flow time budget and doubles as
// the admission token lifetime.
type AdmissionConfig struct {
	MaxPermits int           // admitted-and-active ceiling per schedule
	ActiveTTL  time.Duration // flow budget for one admitted session
	EntryTTL   time.Duration // lifetime of an idle waiting entry / user key
}

// LoadAdmissionConfig reads environment variables to build an
// AdmissionConfig.  Defaults are used when variables are not set.
func LoadAdmissionConfig() AdmissionConfig {
	cfg := AdmissionConfig{
		MaxPermits: envInt("ADMISSION_MAX_PERMITS", 50),
		ActiveTTL:  envDur("ADMISSION_ACTIVE_TTL", 10*time.Minute),
		EntryTTL:   envDur("ADMISSION_ENTRY_TTL", time.Hour),
	}
	if cfg.MaxPermits < 1 {
		cfg.MaxPermits = 1
	}
	if cfg.EntryTTL < cfg.ActiveTTL {
		cfg.EntryTTL = cfg.ActiveTTL
	}
	return cfg
}

// HoldConfig tunes seat holds.  ConfirmedKeep controls how long the
// consumed marker outlives payment so duplicate requests keep seeing
// the seat as taken while persistence catches up.
type HoldConfig struct {
	TTL           time.Duration // hold lifetime
	ConfirmedKeep time.Duration // retention of the consumed marker
	MaxBatch      int           // upper bound on seats per hold request
}

// LoadHoldConfig reads environment variables to build a HoldConfig.
func LoadHoldConfig() HoldConfig {
	cfg := HoldConfig{
		TTL:           envDur("HOLD_TTL", 5*time.Minute),
		ConfirmedKeep: envDur("HOLD_CONFIRMED_KEEP", time.Hour),
		MaxBatch:      envInt("HOLD_MAX_BATCH", 10),
	}
	if cfg.MaxBatch < 1 {
		cfg.MaxBatch = 1
	}
	return cfg
}

// SagaConfig tunes the reservation saga orchestrator.
type SagaConfig struct {
	RecordTTL    time.Duration // retention of execution records for idempotent replay
	RewardPermil int           // reward points credited per payment, in 1/1000 of the paid amount
}

// LoadSagaConfig reads environment variables to build a SagaConfig.
func LoadSagaConfig() SagaConfig {
	cfg := SagaConfig{
		RecordTTL:    envDur("SAGA_RECORD_TTL", 24*time.Hour),
		RewardPermil: envInt("SAGA_REWARD_PERMIL", 10),
	}
	if cfg.RewardPermil < 0 {
		cfg.RewardPermil = 0
	}
	return cfg
}

// StreamConfig tunes the status fan-out: the pub/sub channel name, the
// cadence of the full rank snapshot broadcast, and the leader lease
// bounds for that periodic job.
type StreamConfig struct {
	Channel        string        // broadcast channel name
	BroadcastEvery time.Duration // cadence of the rank snapshot job
	LockAtLeast    time.Duration // minimum leader lease hold
	LockAtMost     time.Duration // maximum leader lease hold (crash bound)
	SendBuffer     int           // per-connection outbound buffer
}

// LoadStreamConfig reads environment variables to build a StreamConfig.
func LoadStreamConfig() StreamConfig {
	cfg := StreamConfig{
		Channel:        envStr("STREAM_CHANNEL", "queue.status"),
		BroadcastEvery: envDur("STREAM_BROADCAST_EVERY", 3*time.Second),
		LockAtLeast:    envDur("STREAM_LOCK_AT_LEAST", time.Second),
		LockAtMost:     envDur("STREAM_LOCK_AT_MOST", 30*time.Second),
		SendBuffer:     envInt("STREAM_SEND_BUFFER", 8),
	}
	if cfg.LockAtMost < cfg.LockAtLeast {
		cfg.LockAtMost = cfg.LockAtLeast
	}
	if cfg.SendBuffer < 1 {
		cfg.SendBuffer = 1
	}
	return cfg
}

// must retrieves the value of a required environment variable.  If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}
