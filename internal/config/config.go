// Package config provides the structure and validation for the proxy's configuration file.
package config

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// configMutex serializes reads of the config file.
var configMutex sync.Mutex

const (
	defaultListenAddress    = "0.0.0.0:3128"
	defaultConnectTimeout   = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultHeaderTimeout    = 30 * time.Second
	defaultRealm            = "proxy"
)

// LogLevel defines the logging level.
type LogLevel string

const (
	// LogLevelDebug is the debug log level.
	LogLevelDebug LogLevel = "debug"
	// LogLevelInfo is the info log level.
	LogLevelInfo LogLevel = "info"
	// LogLevelWarn is the warn log level.
	LogLevelWarn LogLevel = "warn"
	// LogLevelError is the error log level.
	LogLevelError LogLevel = "error"
)

// Duration is a time.Duration that unmarshals from a Go duration string such as "10s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration '%s': %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level structure mapping to config.yaml.
type Config struct {
	LogLevel         LogLevel       `yaml:"log_level"`
	ListenAddress    string         `yaml:"listen_address"`
	ConnectTimeout   Duration       `yaml:"connect_timeout"`
	HandshakeTimeout Duration       `yaml:"handshake_timeout"`
	HeaderTimeout    Duration       `yaml:"header_timeout"`
	TLS              TLSConfig      `yaml:"tls"`
	Auth             Auth           `yaml:"auth"`
	Access           Access         `yaml:"access"`
	Outbound         OutboundConfig `yaml:"outbound"`
	SOCKS5           SOCKS5Config   `yaml:"socks5"`
	Metrics          MetricsConfig  `yaml:"metrics"`
}

// TLSConfig holds the certificate material for the client-facing listener.
type TLSConfig struct {
	Enabled    bool                `yaml:"enabled"`
	CertPath   string              `yaml:"cert_path"`
	KeyPath    string              `yaml:"key_path"`
	SelfSigned SelfSignedTLSConfig `yaml:"self_signed"`
}

// SelfSignedTLSConfig asks for a certificate to be generated at CertPath/KeyPath when missing.
type SelfSignedTLSConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Hostnames []string `yaml:"hostnames"`
}

// Auth holds the proxy credentials. An empty user list disables authentication.
// SecretToken, when set, must also arrive with every request as the hex
// SHA-256 digest in the X-Http-Secret-Token header.
type Auth struct {
	Realm       string `yaml:"realm,omitempty"`
	Users       []User `yaml:"users"`
	SecretToken string `yaml:"secret_token,omitempty"`
}

// User defines a single username/password credential. Password is plaintext,
// an Argon2id hash or a bcrypt hash.
type User struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// PolicyAction defines the action to take when a rule matches.
type PolicyAction string

const (
	// AllowAction allows the request.
	AllowAction PolicyAction = "allow"
	// DenyAction denies the request.
	DenyAction PolicyAction = "deny"
)

// Access is the ordered rule list and the action applied when nothing matches.
type Access struct {
	DefaultAction PolicyAction `yaml:"default_action"`
	Rules         []Rule       `yaml:"rules"`
}

// Rule defines a single access control rule.
type Rule struct {
	Name      string       `yaml:"name,omitempty"`
	Pattern   string       `yaml:"pattern"`
	Action    PolicyAction `yaml:"action"`
	Ports     []int        `yaml:"ports,omitempty"`
	ClientIPs []string     `yaml:"client_ips,omitempty"`
	Disabled  bool         `yaml:"disabled,omitempty"`
}

// OutboundConfig controls how upstream connections are opened.
type OutboundConfig struct {
	BindAddresses []string  `yaml:"bind_addresses,omitempty"`
	DNS           DNSConfig `yaml:"dns"`
}

// DNSConfig holds settings for the internal DNS resolver. With no upstream
// servers the system resolver is used.
type DNSConfig struct {
	UpstreamServers        []string          `yaml:"upstream_servers"`
	UpstreamServerStrategy string            `yaml:"upstream_server_strategy"`
	QueryTimeout           Duration          `yaml:"query_timeout"`
	CustomRecords          map[string]string `yaml:"custom_records"`
	CacheSize              int               `yaml:"cache_size"`
}

// SOCKS5Config enables the SOCKS5 front end.
type SOCKS5Config struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// MetricsConfig enables the admin endpoint serving /metrics and /healthz.
type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

// Load reads and validates the YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	configMutex.Lock()
	defer configMutex.Unlock()

	configFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config file '%s': %w", path, err)
	}
	return Parse(configFile)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.UnmarshalStrict(data, &config); err != nil {
		return nil, fmt.Errorf("could not parse config as YAML: %w", err)
	}

	applyDefaults(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func applyDefaults(config *Config) {
	if config.LogLevel == "" {
		config.LogLevel = LogLevelInfo
	}
	if config.ListenAddress == "" {
		config.ListenAddress = defaultListenAddress
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = Duration(defaultConnectTimeout)
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = Duration(defaultHandshakeTimeout)
	}
	if config.HeaderTimeout == 0 {
		config.HeaderTimeout = Duration(defaultHeaderTimeout)
	}
	if config.Auth.Realm == "" {
		config.Auth.Realm = defaultRealm
	}
	if config.Access.DefaultAction == "" {
		config.Access.DefaultAction = DenyAction
	}
}

// validate checks the configuration for logical errors.
func validate(config *Config) error {
	if _, _, err := net.SplitHostPort(config.ListenAddress); err != nil {
		return fmt.Errorf("listen_address '%s' is not a valid host:port: %w", config.ListenAddress, err)
	}
	if config.ConnectTimeout < 0 || config.HandshakeTimeout < 0 || config.HeaderTimeout < 0 || config.Outbound.DNS.QueryTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}

	if config.TLS.Enabled {
		if config.TLS.CertPath == "" {
			return fmt.Errorf("tls.cert_path must be set when tls is enabled")
		}
		if config.TLS.KeyPath == "" {
			return fmt.Errorf("tls.key_path must be set when tls is enabled")
		}
		if config.TLS.SelfSigned.Enabled && len(config.TLS.SelfSigned.Hostnames) == 0 {
			return fmt.Errorf("tls.self_signed.hostnames must list at least one name")
		}
	}

	seen := make(map[string]bool, len(config.Auth.Users))
	for i, u := range config.Auth.Users {
		if u.Username == "" || u.Password == "" {
			return fmt.Errorf("auth user at index %d is missing username or password", i)
		}
		if seen[u.Username] {
			return fmt.Errorf("auth user '%s' is defined more than once", u.Username)
		}
		seen[u.Username] = true
	}

	if err := validateAction(config.Access.DefaultAction); err != nil {
		return fmt.Errorf("access.default_action: %w", err)
	}
	for i, r := range config.Access.Rules {
		if r.Pattern == "" {
			return fmt.Errorf("access rule at index %d is missing a 'pattern'", i)
		}
		if err := validateAction(r.Action); err != nil {
			return fmt.Errorf("access rule at index %d: %w", i, err)
		}
		for _, port := range r.Ports {
			if port < 1 || port > 65535 {
				return fmt.Errorf("access rule at index %d has invalid port %d", i, port)
			}
		}
		for _, cidr := range r.ClientIPs {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("access rule at index %d has invalid client_ips entry '%s': %w", i, cidr, err)
			}
		}
	}

	for _, addr := range config.Outbound.BindAddresses {
		if net.ParseIP(addr) == nil {
			return fmt.Errorf("outbound.bind_addresses entry '%s' is not an IP address", addr)
		}
	}

	if config.SOCKS5.Enabled {
		if _, _, err := net.SplitHostPort(config.SOCKS5.ListenAddress); err != nil {
			return fmt.Errorf("socks5.listen_address '%s' is not a valid host:port: %w", config.SOCKS5.ListenAddress, err)
		}
	}
	return nil
}

func validateAction(a PolicyAction) error {
	switch a {
	case AllowAction, DenyAction:
		return nil
	case "":
		return fmt.Errorf("missing 'action'")
	default:
		return fmt.Errorf("unknown action '%s'", a)
	}
}
