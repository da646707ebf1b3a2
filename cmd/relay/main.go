package main

import (
	"flag"
	"os"
	"time"

	relay "github.com/imbhargav5/unbound.computer-sub009"
)

var (
	flagBindAddr     = flag.String("addr", getEnv("RELAY_BIND_ADDR", ":8080"), "Bind address")
	flagHeartbeat    = flag.Duration("heartbeat-interval", 30*time.Second, "Expected device heartbeat interval")
	flagConnTimeout  = flag.Duration("conn-timeout", 2*time.Minute, "Evict devices with no heartbeat for this long")
	flagPollInterval = flag.Duration("poll-interval", time.Second, "Stream poll interval")
	flagBatchSize    = flag.Int64("batch-size", 64, "Max entries read per stream per poll")
	flagMaxStreamLen = flag.Int64("max-stream-len", 1024, "Approximate stream length cap applied on append")
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	flag.Parse()
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		logFatal("JWT_SECRET is required")
	}
	redisURL := getEnv("REDIS_URL", "redis://localhost:6379/0")

	relay.RunRelayServer(relay.Config{
		BindAddr:    *flagBindAddr,
		RedisURL:    redisURL,
		DatabaseURL: os.Getenv("DATABASE_URL"),
		JWTSecret:   jwtSecret,
		SentryDSN:   os.Getenv("SENTRY_DSN"),

		APNSKeyFile: os.Getenv("APNS_KEY_FILE"),
		APNSKeyID:   os.Getenv("APNS_KEY_ID"),
		APNSTeamID:  os.Getenv("APNS_TEAM_ID"),
		APNSTopic:   os.Getenv("APNS_TOPIC"),

		HeartbeatInterval: *flagHeartbeat,
		ConnTimeout:       *flagConnTimeout,
		PollInterval:      *flagPollInterval,
		BatchSize:         *flagBatchSize,
		MaxStreamLen:      *flagMaxStreamLen,
	})
}

func logFatal(msg string) {
	os.Stderr.WriteString(msg + "\n")
	flag.Usage()
	os.Exit(1)
}
