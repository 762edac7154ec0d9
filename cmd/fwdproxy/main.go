// Package main is the entry point for the forward proxy daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"forward-proxy/internal/admin"
	"forward-proxy/internal/config"
	"forward-proxy/internal/dns"
	"forward-proxy/internal/manager"
	"forward-proxy/internal/metrics"
	"forward-proxy/internal/proxy"
	"forward-proxy/internal/tlsctx"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// sampleConfigYAML is a template for the configuration file.
const sampleConfigYAML = `# -----------------------------------------------------------------------------
# Forward proxy settings
# -----------------------------------------------------------------------------
log_level: "info" # Options: "debug", "info", "warn", "error"

listen_address: "0.0.0.0:3128"
connect_timeout: "10s"   # upstream connect, DNS included
handshake_timeout: "10s" # client TLS handshake
header_timeout: "30s"    # time allowed to send a request head

# -----------------------------------------------------------------------------
# TLS on the client-facing side (optional)
# -----------------------------------------------------------------------------
# tls:
#   enabled: true
#   cert_path: "server.crt"
#   key_path: "server.key"
#   # Generate a certificate at the paths above when they do not exist.
#   self_signed:
#     enabled: true
#     hostnames: ["localhost", "127.0.0.1"]

# -----------------------------------------------------------------------------
# Basic authentication. No users means no authentication.
# Passwords may be plaintext, an Argon2id hash (see ./hash-password) or bcrypt.
# -----------------------------------------------------------------------------
auth:
  realm: "proxy"
  # Optional shared secret. Clients send its hex SHA-256 digest in
  # X-Http-Secret-Token (or X-Https-Secret-Token on CONNECT).
  # secret_token: "change-me"
  users:
    - username: "myuser"
      password: "$argon2id$v=19$m=65536,t=1,p=4$b2PdhQYL0o78xq0nJ07g0w$zp6+FLec+r6tUCSOGlpXVd7GZF3m1LNIlJ+aV657UNc"

# -----------------------------------------------------------------------------
# Access rules, evaluated in order. The first match decides.
# '*' matches any run of characters, dots included.
# -----------------------------------------------------------------------------
access:
  default_action: "deny"
  rules:
    - name: "no-internal"
      pattern: "*.internal"
      action: "deny"
    - name: "no-private-ranges"
      pattern: "10.0.0.0/8"
      action: "deny"
    - name: "web"
      pattern: "*"
      action: "allow"
      ports: [80, 443]

# -----------------------------------------------------------------------------
# Outbound connections
# -----------------------------------------------------------------------------
outbound:
  # Source addresses picked at random per connection, matching the target family.
  # bind_addresses: ["192.0.2.10", "2001:db8::10"]
  dns:
    # Leave empty to use the system resolver.
    upstream_servers: []
    upstream_server_strategy: "round_robin" # or "random"
    query_timeout: "2s"
    custom_records:
      "gateway.internal": "192.168.1.1"

# -----------------------------------------------------------------------------
# Optional SOCKS5 listener sharing the users and rules above
# -----------------------------------------------------------------------------
socks5:
  enabled: false
  listen_address: "127.0.0.1:1080"

# -----------------------------------------------------------------------------
# Admin endpoint serving /metrics and /healthz (disabled when empty)
# -----------------------------------------------------------------------------
metrics:
  listen_address: "127.0.0.1:9090"
`

// main is the entry point for the proxy daemon.
func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file.")
	generateConfig := flag.Bool("generate-config", false, "Generate a sample config.yaml and exit.")
	flag.Parse()

	if *generateConfig {
		fmt.Print(sampleConfigYAML)
		os.Exit(0)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	initialCfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load or validate initial configuration")
	}

	configManager := manager.New(initialCfg, *configPath)
	cfg := configManager.Get()
	setLogLevel(cfg.LogLevel)

	gate, err := buildGate(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build credential store and access rules")
	}
	guard := proxy.NewGuard(gate)

	tlsContext, err := loadTLS(cfg.TLS)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load TLS material")
	}

	connector, err := newConnector(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize upstream connector")
	}

	var collector *metrics.Collector
	var sink proxy.OutcomeSink = proxy.LogSink{}
	if cfg.Metrics.ListenAddress != "" {
		collector = metrics.NewCollector("fwdproxy", nil)
		sink = proxy.MultiSink{proxy.LogSink{}, collector}
	}

	const proxyName = "http"
	httpProxy := proxy.NewHTTPProxy(proxyName, guard, proxy.Options{
		ListenAddress:    cfg.ListenAddress,
		TLS:              tlsContext,
		HandshakeTimeout: cfg.HandshakeTimeout.Std(),
		HeaderTimeout:    cfg.HeaderTimeout.Std(),
		Realm:            cfg.Auth.Realm,
		Connector:        connector,
		Sink:             sink,
	})
	proxies := []proxy.Proxy{httpProxy}

	if cfg.SOCKS5.Enabled {
		socksProxy, err := proxy.NewSOCKS5Proxy("socks5", cfg.SOCKS5.ListenAddress, guard, connector, sink)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create SOCKS5 proxy")
		}
		proxies = append(proxies, socksProxy)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	for _, p := range proxies {
		g.Go(func() error {
			if err := p.Start(ctx); err != nil {
				return fmt.Errorf("proxy %s: %w", p.Name(), err)
			}
			log.Info().Str("proxy_name", p.Name()).Msg("Proxy stopped gracefully.")
			return nil
		})
	}

	if collector != nil {
		if err := collector.TrackActive(proxyName, httpProxy.Active); err != nil {
			log.Fatal().Err(err).Msg("Failed to register active session gauge")
		}
		adminServer := admin.NewServer(cfg.Metrics.ListenAddress, collector.Handler(), func() admin.Status {
			current := guard.Load()
			return admin.Status{
				Proxies:  map[string]int64{proxyName: httpProxy.Active()},
				Users:    current.Credentials.Len(),
				Rules:    current.Rules.Len(),
				Reloaded: configManager.ReloadedAt(),
			}
		})
		g.Go(func() error { return adminServer.Start(ctx) })
	}

	g.Go(func() error {
		return configManager.Watch(ctx, func(next *config.Config) {
			applyReload(cfg, next, guard)
		})
	})

	<-ctx.Done()
	stop()
	log.Warn().Msg("Shutdown signal received, waiting for all services to stop...")
	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Service failed")
	}
	log.Info().Msg("All services stopped. Proxy has shut down gracefully.")
}

func setLogLevel(level config.LogLevel) {
	logLevel, err := zerolog.ParseLevel(string(level))
	if err != nil {
		logLevel = zerolog.InfoLevel
		log.Warn().Str("configured_level", string(level)).Msg("Invalid log level, defaulting to 'info'")
	}
	zerolog.SetGlobalLevel(logLevel)
}

// loadTLS builds the listener TLS context, generating self-signed material
// first when asked to. It returns nil when TLS is disabled.
func loadTLS(cfg config.TLSConfig) (*tlsctx.Context, error) {
	if !cfg.Enabled {
		log.Warn().Msg("TLS is disabled, clients connect in plain text")
		return nil, nil
	}
	if cfg.SelfSigned.Enabled {
		if err := tlsctx.EnsureSelfSigned(cfg.CertPath, cfg.KeyPath, cfg.SelfSigned.Hostnames); err != nil {
			return nil, err
		}
	}
	certPEM, keyPEM, err := tlsctx.LoadFiles(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, err
	}
	return tlsctx.New(certPEM, keyPEM)
}

func newConnector(cfg *config.Config) (*proxy.Connector, error) {
	opts := proxy.ConnectorOptions{Timeout: cfg.ConnectTimeout.Std()}
	for _, addr := range cfg.Outbound.BindAddresses {
		opts.BindAddresses = append(opts.BindAddresses, net.ParseIP(addr))
	}
	dnsCfg := cfg.Outbound.DNS
	if len(dnsCfg.UpstreamServers) > 0 || len(dnsCfg.CustomRecords) > 0 {
		resolver, err := dns.NewResolver(dnsCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize DNS resolver: %w", err)
		}
		opts.Resolver = resolver
	}
	return proxy.NewConnector(opts), nil
}
