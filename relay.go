package relay

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/imbhargav5/unbound.computer-sub009/directory"
	"github.com/imbhargav5/unbound.computer-sub009/hub"
	"github.com/imbhargav5/unbound.computer-sub009/poller"
	"github.com/imbhargav5/unbound.computer-sub009/pubsub"
	"github.com/imbhargav5/unbound.computer-sub009/push"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type Config struct {
	BindAddr    string
	RedisURL    string
	DatabaseURL string
	JWTSecret   string
	SentryDSN   string

	APNSKeyFile string
	APNSKeyID   string
	APNSTeamID  string
	APNSTopic   string

	HeartbeatInterval    time.Duration
	ConnTimeout          time.Duration
	PresenceScanInterval time.Duration
	PollInterval         time.Duration
	BatchSize            int64
	MaxStreamLen         int64
	DirectoryCacheTTL    time.Duration
}

func (c *Config) setDefaults() {
	if c.BindAddr == "" {
		c.BindAddr = ":8080"
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ConnTimeout == 0 {
		c.ConnTimeout = 2 * time.Minute
	}
	if c.PresenceScanInterval == 0 {
		c.PresenceScanInterval = 30 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize == 0 {
		c.BatchSize = 64
	}
	if c.MaxStreamLen == 0 {
		c.MaxStreamLen = 1024
	}
	if c.DirectoryCacheTTL == 0 {
		c.DirectoryCacheTTL = time.Minute
	}
}

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

// RunRelayServer is the main entry point to the relay. It blocks until the
// process receives SIGINT/SIGTERM, then shuts down in dependency order:
// tickers first so no new work is admitted, then the push gateway's
// persistent connections, leaving in-flight broadcasts to finish naturally.
func RunRelayServer(cfg Config) {
	cfg.setDefaults()
	ctx := context.Background()

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN}); err != nil {
			logger.Fatal().Err(err).Msg("failed to initialise sentry")
		}
	}

	redisClient, err := poller.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to the stream source")
	}
	source := poller.NewRedisSource(redisClient, cfg.MaxStreamLen)

	// The device directory and the push gateway only matter for offline
	// delivery: when either is not configured the dispatcher runs disabled
	// and the relay still serves live connections.
	var dir directory.Directory
	if cfg.DatabaseURL != "" {
		pool, err := directory.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to the device directory")
		}
		defer pool.Close()
		dir = directory.NewCachedDirectory(directory.NewPostgresDirectory(pool), cfg.DirectoryCacheTTL)
	}

	var gateway push.Gateway
	if dir != nil && cfg.APNSKeyFile != "" {
		apns, err := push.NewAPNSGateway(cfg.APNSKeyFile, cfg.APNSKeyID, cfg.APNSTeamID, cfg.APNSTopic)
		if err != nil {
			logger.Warn().Err(err).Msg("push notifications disabled")
		} else {
			gateway = apns
			defer apns.Shutdown()
		}
	} else {
		logger.Info().Msg("push notifications not configured, offline devices will not be notified")
	}

	conns := hub.NewConnMap()

	bus := pubsub.NewPubSub(100)
	notifier := pubsub.NewPromNotifier(bus, "poller")
	streamPoller := poller.NewPoller(source, notifier, cfg.PollInterval, cfg.BatchSize)

	presence := hub.NewPresenceTracker(conns, streamPoller, cfg.HeartbeatInterval, cfg.ConnTimeout, cfg.PresenceScanInterval)
	dispatcher := push.NewDispatcher(conns, presence, dir, gateway)

	pollErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "poller",
		Name:      "num_poll_errors",
		Help:      "Number of failed batch reads from the stream source",
	})
	numEntries := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "poller",
		Name:      "num_entries",
		Help:      "Number of stream entries read and fanned out",
	})
	prometheus.MustRegister(pollErrors, numEntries)
	streamPoller.SetMetrics(pollErrors, numEntries)
	pushResults := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "push",
		Name:      "num_results",
		Help:      "Number of push attempts by outcome",
	}, []string{"outcome"})
	prometheus.MustRegister(pushResults)
	dispatcher.SetMetrics(pushResults)
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "hub",
		Name:      "num_connections",
		Help:      "Number of registered device connections",
	}, func() float64 { return float64(conns.Len()) }))

	fanout := hub.NewFanout(conns, dispatcher)
	sub := pubsub.NewStreamSub(bus, fanout)
	go sub.Listen()

	go presence.Run()
	go streamPoller.Run()

	wsHandler := hub.NewHandler(conns, presence, streamPoller, []byte(cfg.JWTSecret), cfg.HeartbeatInterval, cfg.ConnTimeout)

	r := mux.NewRouter()
	r.Handle("/ws", wsHandler)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(200)
	})

	srv := &http.Server{
		Addr: cfg.BindAddr,
		Handler: &server{
			chain: []func(next http.Handler) http.Handler{
				hlog.NewHandler(logger),
				hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
					if r.URL.Path == "/livez" {
						return
					}
					hlog.FromRequest(r).Info().
						Str("method", r.Method).
						Int("status", status).
						Int("size", size).
						Dur("duration", duration).
						Str("path", r.URL.Path).
						Msg("")
				}),
				hlog.RemoteAddrHandler("ip"),
			},
			final: r,
		},
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-shutdown
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		streamPoller.Stop()
		presence.Stop()
		sub.Teardown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Msgf("listening on %s", cfg.BindAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("failed to listen and serve")
	}
}
