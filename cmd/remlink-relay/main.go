package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/remlink/relay/httpapi"
	"github.com/remlink/relay/internal/version"
	"github.com/remlink/relay/observability"
	"github.com/remlink/relay/observability/prom"
	"github.com/remlink/relay/relay/server"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ",") }

func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

type switchHandler struct {
	mu      sync.RWMutex
	handler http.Handler
}

func newSwitchHandler() *switchHandler {
	return &switchHandler{handler: http.NotFoundHandler()}
}

func (h *switchHandler) Set(next http.Handler) {
	if next == nil {
		next = http.NotFoundHandler()
	}
	h.mu.Lock()
	h.handler = next
	h.mu.Unlock()
}

func (h *switchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	handler.ServeHTTP(w, r)
}

type metricsController struct {
	mu       sync.Mutex
	enabled  bool
	handler  *switchHandler
	observer *observability.AtomicRelayObserver
	srv      *server.Server
}

func newMetricsController(handler *switchHandler, observer *observability.AtomicRelayObserver, srv *server.Server) *metricsController {
	return &metricsController{
		handler:  handler,
		observer: observer,
		srv:      srv,
	}
}

func (c *metricsController) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return
	}
	reg := prom.NewRegistry()
	relayObs := prom.NewRelayObserver(reg)
	c.handler.Set(prom.Handler(reg))
	c.observer.Set(relayObs)
	stats := c.srv.Stats()
	relayObs.HostCount(stats.Computers)
	relayObs.SessionCount(stats.Sessions.Total)
	c.enabled = true
}

func (c *metricsController) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.handler.Set(nil)
	c.observer.Set(observability.NoopRelayObserver)
	c.enabled = false
}

func validateTLSFiles(certFile string, keyFile string) error {
	if certFile == "" && keyFile == "" {
		return nil
	}
	if certFile == "" || keyFile == "" {
		return errors.New("tls requires both --tls-cert-file and --tls-key-file")
	}
	return nil
}

type ready struct {
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	Date          string `json:"date"`
	Listen        string `json:"listen"`
	WSPath        string `json:"ws_path"`
	AdvertiseHost string `json:"advertise_host,omitempty"`
	WSURL         string `json:"ws_url"`
	HTTPURL       string `json:"http_url"`
	HealthzURL    string `json:"healthz_url"`
	MetricsURL    string `json:"metrics_url,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	cfg := server.DefaultConfig()

	logger := logrus.New()
	logger.SetOutput(stderr)

	defaultListen := "0.0.0.0:3000"
	if p := strings.TrimSpace(os.Getenv("PORT")); p != "" {
		defaultListen = "0.0.0.0:" + p
	}
	listen := envString("REMLINK_LISTEN", defaultListen)
	advertiseHost := envString("REMLINK_ADVERTISE_HOST", "")
	path := envString("REMLINK_WS_PATH", cfg.Path)
	metricsListen := envString("REMLINK_METRICS_LISTEN", "")
	tlsCertFile := envString("REMLINK_TLS_CERT_FILE", "")
	tlsKeyFile := envString("REMLINK_TLS_KEY_FILE", "")
	logLevel := envString("REMLINK_LOG_LEVEL", "info")

	allowedOrigins := stringSliceFlag(splitCSVEnv("REMLINK_ALLOW_ORIGIN"))

	allowNoOrigin, err := envBoolWithErr("REMLINK_ALLOW_NO_ORIGIN", true)
	if err != nil {
		fmt.Fprintf(stderr, "invalid REMLINK_ALLOW_NO_ORIGIN: %v\n", err)
		return 2
	}
	logJSON, err := envBoolWithErr("REMLINK_LOG_JSON", false)
	if err != nil {
		fmt.Fprintf(stderr, "invalid REMLINK_LOG_JSON: %v\n", err)
		return 2
	}
	maxConns, err := envIntWithErr("REMLINK_MAX_CONNS", 0)
	if err != nil {
		fmt.Fprintf(stderr, "invalid REMLINK_MAX_CONNS: %v\n", err)
		return 2
	}
	maxSessions, err := envIntWithErr("REMLINK_MAX_SESSIONS_PER_USER", cfg.MaxSessionsPerUser)
	if err != nil {
		fmt.Fprintf(stderr, "invalid REMLINK_MAX_SESSIONS_PER_USER: %v\n", err)
		return 2
	}
	maxFileSize, err := envIntWithErr("REMLINK_MAX_FILE_SIZE", int(cfg.MaxFileSize))
	if err != nil {
		fmt.Fprintf(stderr, "invalid REMLINK_MAX_FILE_SIZE: %v\n", err)
		return 2
	}
	sessionTimeout, err := envDurationWithErr("REMLINK_SESSION_TIMEOUT", cfg.SessionTimeout)
	if err != nil {
		fmt.Fprintf(stderr, "invalid REMLINK_SESSION_TIMEOUT: %v\n", err)
		return 2
	}
	lockoutDuration, err := envDurationWithErr("REMLINK_LOCKOUT_DURATION", cfg.LockoutDuration)
	if err != nil {
		fmt.Fprintf(stderr, "invalid REMLINK_LOCKOUT_DURATION: %v\n", err)
		return 2
	}
	heartbeatInterval, err := envDurationWithErr("REMLINK_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	if err != nil {
		fmt.Fprintf(stderr, "invalid REMLINK_HEARTBEAT_INTERVAL: %v\n", err)
		return 2
	}
	writeTimeout, err := envDurationWithErr("REMLINK_WRITE_TIMEOUT", cfg.WriteTimeout)
	if err != nil {
		fmt.Fprintf(stderr, "invalid REMLINK_WRITE_TIMEOUT: %v\n", err)
		return 2
	}
	maxWriteQueueBytes, err := envIntWithErr("REMLINK_MAX_WRITE_QUEUE_BYTES", cfg.MaxWriteQueueBytes)
	if err != nil {
		fmt.Fprintf(stderr, "invalid REMLINK_MAX_WRITE_QUEUE_BYTES: %v\n", err)
		return 2
	}

	fs := flag.NewFlagSet("remlink-relay", flag.ContinueOnError)
	fs.SetOutput(stderr)

	showVersion := false
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&listen, "listen", listen, "listen address (env: REMLINK_LISTEN, PORT)")
	fs.StringVar(&advertiseHost, "advertise-host", advertiseHost, "public host[:port] for ready URLs (optional; avoids ws://0.0.0.0) (env: REMLINK_ADVERTISE_HOST)")
	fs.StringVar(&path, "ws-path", path, "websocket path (env: REMLINK_WS_PATH)")
	fs.Var(&allowedOrigins, "allow-origin", "allowed Origin value (repeatable; empty allows any): full Origin, hostname, hostname:port, or wildcard hostname (*.example.com) (env: REMLINK_ALLOW_ORIGIN)")
	fs.BoolVar(&allowNoOrigin, "allow-no-origin", allowNoOrigin, "allow requests without Origin header (non-browser clients) (env: REMLINK_ALLOW_NO_ORIGIN)")
	fs.IntVar(&maxConns, "max-conns", maxConns, "max concurrent websocket connections (0 uses default) (env: REMLINK_MAX_CONNS)")
	fs.IntVar(&maxSessions, "max-sessions-per-user", maxSessions, "max live controller sessions per password (env: REMLINK_MAX_SESSIONS_PER_USER)")
	fs.IntVar(&maxFileSize, "max-file-size", maxFileSize, "max upload size in bytes (env: REMLINK_MAX_FILE_SIZE)")
	fs.DurationVar(&sessionTimeout, "session-timeout", sessionTimeout, "idle session lifetime (env: REMLINK_SESSION_TIMEOUT)")
	fs.DurationVar(&lockoutDuration, "lockout-duration", lockoutDuration, "lockout window after repeated failed attempts (env: REMLINK_LOCKOUT_DURATION)")
	fs.DurationVar(&heartbeatInterval, "heartbeat-interval", heartbeatInterval, "websocket liveness probe cadence (env: REMLINK_HEARTBEAT_INTERVAL)")
	fs.DurationVar(&writeTimeout, "write-timeout", writeTimeout, "per-frame websocket write timeout (0 disables) (env: REMLINK_WRITE_TIMEOUT)")
	fs.IntVar(&maxWriteQueueBytes, "max-write-queue-bytes", maxWriteQueueBytes, "max buffered bytes for websocket writes per connection (0 uses default) (env: REMLINK_MAX_WRITE_QUEUE_BYTES)")
	fs.StringVar(&metricsListen, "metrics-listen", metricsListen, "listen address for metrics server (empty disables) (env: REMLINK_METRICS_LISTEN)")
	fs.StringVar(&tlsCertFile, "tls-cert-file", tlsCertFile, "enable TLS with the given certificate file (default: disabled) (env: REMLINK_TLS_CERT_FILE)")
	fs.StringVar(&tlsKeyFile, "tls-key-file", tlsKeyFile, "enable TLS with the given private key file (default: disabled) (env: REMLINK_TLS_KEY_FILE)")
	fs.StringVar(&logLevel, "log-level", logLevel, "log level: trace, debug, info, warn, error (env: REMLINK_LOG_LEVEL)")
	fs.BoolVar(&logJSON, "log-json", logJSON, "emit logs as JSON (env: REMLINK_LOG_JSON)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage of %s:\n", fs.Name())
		fs.PrintDefaults()
		printSignalHelp(stderr)
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		_, _ = fmt.Fprintln(stdout, version.String(buildVersion, buildCommit, buildDate))
		return 0
	}

	if err := validateTLSFiles(tlsCertFile, tlsKeyFile); err != nil {
		fmt.Fprintln(stderr, err)
		fs.Usage()
		return 2
	}
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "invalid log level %q\n", logLevel)
		return 2
	}
	logger.SetLevel(level)
	if logJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	observer := observability.NewAtomicRelayObserver()
	cfg.Observer = observer
	cfg.Logger = logger
	cfg.Path = path
	cfg.AllowedOrigins = allowedOrigins
	cfg.AllowNoOrigin = allowNoOrigin
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxSessionsPerUser = maxSessions
	cfg.MaxFileSize = int64(maxFileSize)
	cfg.SessionTimeout = sessionTimeout
	cfg.LockoutDuration = lockoutDuration
	cfg.HeartbeatInterval = heartbeatInterval
	cfg.WriteTimeout = writeTimeout
	cfg.MaxWriteQueueBytes = maxWriteQueueBytes

	s := server.New(cfg)
	defer s.Close()

	api := httpapi.New(httpapi.Config{
		Version: buildVersion,
		Stats:   s.Stats,
		Logger:  logger,
	})
	root := api.Router()
	root.HandleFunc(cfg.Path, s.HandleWS)
	root.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	var metrics *metricsController
	var metricsSrv *http.Server
	var metricsLn net.Listener
	if metricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsHandler := newSwitchHandler()
		metricsMux.Handle("/metrics", metricsHandler)
		metrics = newMetricsController(metricsHandler, observer, s)
		metrics.Enable()

		metricsLn, err = net.Listen("tcp", metricsListen)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		metricsSrv = newHTTPServer(metricsMux)
		if tlsCertFile != "" {
			metricsSrv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		go func() {
			var err error
			if tlsCertFile != "" {
				err = metricsSrv.ServeTLS(metricsLn, tlsCertFile, tlsKeyFile)
			} else {
				err = metricsSrv.Serve(metricsLn)
			}
			if err != nil && err != http.ErrServerClosed {
				logger.Fatal(err)
			}
		}()
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	srv := newHTTPServer(root)
	if tlsCertFile != "" {
		// TLS is optional and disabled by default. When enabled, enforce a
		// conservative minimum version.
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	go func() {
		var err error
		if tlsCertFile != "" {
			err = srv.ServeTLS(ln, tlsCertFile, tlsKeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal(err)
		}
	}()

	wsScheme := "ws"
	httpScheme := "http"
	if tlsCertFile != "" {
		wsScheme = "wss"
		httpScheme = "https"
	}
	bindAddr := ln.Addr().String()
	advMainHostPort, advHostOnly, advWasSet, err := resolveAdvertiseHost(bindAddr, advertiseHost)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	out := ready{
		Version:    buildVersion,
		Commit:     buildCommit,
		Date:       buildDate,
		Listen:     bindAddr,
		WSPath:     cfg.Path,
		WSURL:      wsScheme + "://" + advMainHostPort + cfg.Path,
		HTTPURL:    httpScheme + "://" + advMainHostPort,
		HealthzURL: httpScheme + "://" + advMainHostPort + "/healthz",
	}
	if advWasSet {
		out.AdvertiseHost = advertiseHost
	}
	if metricsLn != nil {
		metricsAddr := metricsLn.Addr().String()
		out.MetricsURL = httpScheme + "://" + metricsAddr + "/metrics"
		if advWasSet {
			if _, port, err := net.SplitHostPort(metricsAddr); err == nil {
				out.MetricsURL = httpScheme + "://" + net.JoinHostPort(advHostOnly, port) + "/metrics"
			}
		}
	}
	_ = json.NewEncoder(stdout).Encode(out)
	logger.WithFields(logrus.Fields{"listen": bindAddr, "ws_path": cfg.Path}).Info("relay ready")

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, notifySignals()...)

	for {
		received := <-sig
		if handleSignal(received, logger, metrics) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(ctx)
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(ctx)
		}
		cancel()
		return 0
	}
}

func envString(key string, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func resolveAdvertiseHost(bindHostPort string, advertiseHost string) (mainHostPort string, hostOnly string, wasSet bool, err error) {
	bindHost, bindPort, err := net.SplitHostPort(bindHostPort)
	if err != nil {
		return "", "", false, err
	}
	if strings.TrimSpace(advertiseHost) == "" {
		return bindHostPort, bindHost, false, nil
	}
	raw := strings.TrimSpace(advertiseHost)
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", "", true, fmt.Errorf("invalid advertise host: %w", err)
		}
		if u.Host == "" {
			return "", "", true, errors.New("invalid advertise host: missing host")
		}
		raw = u.Host
	}
	hostOnly = raw
	if h, p, err := net.SplitHostPort(raw); err == nil {
		return net.JoinHostPort(h, p), h, true, nil
	}
	hostOnly = strings.TrimSuffix(strings.TrimPrefix(hostOnly, "["), "]")
	return net.JoinHostPort(hostOnly, bindPort), hostOnly, true, nil
}

func splitCSVEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		v := strings.TrimSpace(p)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func envBoolWithErr(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, err
	}
	return v, nil
}

func envIntWithErr(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	return v, nil
}

func envDurationWithErr(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	return d, nil
}
