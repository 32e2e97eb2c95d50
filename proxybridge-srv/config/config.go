package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/proxybridge/proxybridge-srv/logger"
)

// EndpointType defines how an upstream hop is reached
type EndpointType string

// Available upstream endpoint types
const (
	EndpointDirect EndpointType = "direct" // Connect to the target without an intermediary
	EndpointHTTP   EndpointType = "http"   // HTTP proxy (absolute-URI GET, CONNECT for tunnels)
	EndpointSocks5 EndpointType = "socks5" // SOCKS5 proxy
)

// DefaultUserAgents is the pool a random User-Agent is drawn from for every
// forwarded request.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:79.0) Gecko/20100101 Firefox/79.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_6) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/85.0.4183.83 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_3) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/13.0.5 Safari/605.1.15",
}

// Upstream describes one hop of the proxy chain.
type Upstream struct {
	Type      EndpointType
	Address   string  // host:port, empty for direct
	Username  *string // optional proxy credentials
	Password  *string
	ForceIPv4 bool
}

// HostPort splits the upstream address into host and numeric port.
func (u Upstream) HostPort() (string, int, error) {
	host, portStr, err := net.SplitHostPort(u.Address)
	if err != nil {
		return "", 0, fmt.Errorf("invalid upstream address %q: %w", u.Address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid upstream port in %q", u.Address)
	}
	return host, port, nil
}

func (u Upstream) String() string {
	if u.Type == EndpointDirect {
		return "direct"
	}
	return fmt.Sprintf("%s://%s", u.Type, u.Address)
}

// StatisticsConfig selects where connection statistics go
type StatisticsConfig struct {
	Enabled        bool
	Backend        string // dummy, sqlite, postgres, prometheus
	SQLitePath     string
	PostgresDSN    string
	MetricsAddress string // listen address of the /metrics endpoint (prometheus backend)
}

// Config represents the main configuration structure for the proxy server.
type Config struct {
	ListenAddress            string
	ClientTimeoutSeconds     int // idle bound on reads from the client
	UpstreamTimeoutSeconds   int // connect/read bound on upstream sockets
	AcceptTimeoutSeconds     int // liveness interval of the accept loop
	TunnelBufferSize         int
	MaxConcurrentConnections int     // 0 means unlimited
	AcceptRate               float64 // new connections per second, 0 means unlimited
	AcceptBurst              int
	TunnelFailover           bool // walk the whole chain when a tunnel connect fails
	ProxyAgent               string
	UserAgents               []string
	Upstreams                []Upstream
	DNS                      DNSConfig
	Statistics               StatisticsConfig
}

// DefaultConfig returns the configuration used when nothing else is supplied.
func DefaultConfig() *Config {
	return &Config{
		ListenAddress:          ":8085",
		ClientTimeoutSeconds:   20,
		UpstreamTimeoutSeconds: 5,
		AcceptTimeoutSeconds:   100,
		TunnelBufferSize:       4096,
		AcceptBurst:            1,
		ProxyAgent:             "ProxyBridge/1.0",
		UserAgents:             append([]string(nil), DefaultUserAgents...),
		DNS:                    DefaultDNSConfig(),
		Statistics: StatisticsConfig{
			Backend:        "dummy",
			SQLitePath:     "proxybridge_stats.db",
			MetricsAddress: "127.0.0.1:9185",
		},
	}
}

func (c *Config) ClientTimeout() time.Duration {
	return time.Duration(c.ClientTimeoutSeconds) * time.Second
}

func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSeconds) * time.Second
}

func (c *Config) AcceptTimeout() time.Duration {
	return time.Duration(c.AcceptTimeoutSeconds) * time.Second
}

// Chain returns the configured upstream chain. An empty chain becomes a
// single direct hop so the chain is never empty.
func (c *Config) Chain() []Upstream {
	if len(c.Upstreams) == 0 {
		return []Upstream{{Type: EndpointDirect}}
	}
	return c.Upstreams
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen-address must not be empty")
	}
	if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
		return fmt.Errorf("invalid listen-address %q: %w", c.ListenAddress, err)
	}
	if c.ClientTimeoutSeconds <= 0 {
		return fmt.Errorf("client-timeout-seconds must be positive")
	}
	if c.UpstreamTimeoutSeconds <= 0 {
		return fmt.Errorf("upstream-timeout-seconds must be positive")
	}
	if c.AcceptTimeoutSeconds <= 0 {
		return fmt.Errorf("accept-timeout-seconds must be positive")
	}
	if c.TunnelBufferSize <= 0 {
		return fmt.Errorf("tunnel-buffer-size must be positive")
	}
	if c.MaxConcurrentConnections < 0 {
		return fmt.Errorf("max-concurrent-connections must not be negative")
	}
	if c.AcceptRate < 0 {
		return fmt.Errorf("accept-rate must not be negative")
	}
	if c.AcceptRate > 0 && c.AcceptBurst <= 0 {
		return fmt.Errorf("accept-burst must be positive when accept-rate is set")
	}
	if len(c.UserAgents) == 0 {
		return fmt.Errorf("user-agents must not be empty")
	}
	for i, up := range c.Upstreams {
		switch up.Type {
		case EndpointDirect:
		case EndpointHTTP, EndpointSocks5:
			if _, _, err := up.HostPort(); err != nil {
				return fmt.Errorf("upstream at index %d: %w", i, err)
			}
		default:
			return fmt.Errorf("upstream at index %d: unsupported type %q", i, up.Type)
		}
	}
	switch c.Statistics.Backend {
	case "", "dummy", "sqlite", "prometheus":
	case "postgres":
		if c.Statistics.Enabled && c.Statistics.PostgresDSN == "" {
			return fmt.Errorf("statistics postgres-dsn is required for postgres backend")
		}
	default:
		return fmt.Errorf("unsupported statistics backend: %s", c.Statistics.Backend)
	}
	return nil
}

// LoadConfig loads configuration from the specified file path. Defaults are
// applied first, then PROXYBRIDGE_* environment variables, then the file.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadConfigFromEnv(cfg); err != nil {
		return nil, err
	}

	if configPath != "" {
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			err = loadJSONConfig(configPath, cfg)
		case ".hcl":
			err = loadHCLConfig(configPath, cfg)
		case ".toml":
			err = loadTOMLConfig(configPath, cfg)
		case ".yaml", ".yml":
			err = loadYAMLConfig(configPath, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}

		if err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func readConfigFile(configPath string) ([]byte, error) {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	return data, nil
}

func loadJSONConfig(configPath string, cfg *Config) error {
	raw, err := readConfigFile(configPath)
	if err != nil {
		return err
	}

	// Decode into a map first to handle the hyphenated keys and secrets
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to decode JSON config: %w", err)
	}

	if err := setValue(data, "listen-address", &cfg.ListenAddress); err != nil {
		return err
	}
	if err := setValue(data, "client-timeout-seconds", &cfg.ClientTimeoutSeconds); err != nil {
		return err
	}
	if err := setValue(data, "upstream-timeout-seconds", &cfg.UpstreamTimeoutSeconds); err != nil {
		return err
	}
	if err := setValue(data, "accept-timeout-seconds", &cfg.AcceptTimeoutSeconds); err != nil {
		return err
	}
	if err := setValue(data, "tunnel-buffer-size", &cfg.TunnelBufferSize); err != nil {
		return err
	}
	if err := setValue(data, "max-concurrent-connections", &cfg.MaxConcurrentConnections); err != nil {
		return err
	}
	if err := setValue(data, "accept-rate", &cfg.AcceptRate); err != nil {
		return err
	}
	if err := setValue(data, "accept-burst", &cfg.AcceptBurst); err != nil {
		return err
	}
	if err := setValue(data, "tunnel-failover", &cfg.TunnelFailover); err != nil {
		return err
	}
	if err := setValue(data, "proxy-agent", &cfg.ProxyAgent); err != nil {
		return err
	}

	if val, exists := data["user-agents"]; exists {
		list, ok := val.([]any)
		if !ok {
			return fmt.Errorf("user-agents must be an array")
		}
		cfg.UserAgents = nil
		for i, item := range list {
			ua, err := parseValue[string](item)
			if err != nil {
				return fmt.Errorf("user-agents at index %d must be a string: %w", i, err)
			}
			cfg.UserAgents = append(cfg.UserAgents, *ua)
		}
	}

	if val, exists := data["upstreams"]; exists {
		list, ok := val.([]any)
		if !ok {
			return fmt.Errorf("upstreams must be an array")
		}
		cfg.Upstreams = nil
		for i, item := range list {
			upMap, ok := item.(map[string]any)
			if !ok {
				return fmt.Errorf("upstream at index %d must be an object", i)
			}
			up, err := parseUpstream(upMap)
			if err != nil {
				return fmt.Errorf("upstream at index %d: %w", i, err)
			}
			cfg.Upstreams = append(cfg.Upstreams, up)
		}
	}

	if val, exists := data["dns"]; exists {
		dnsMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("dns must be an object")
		}
		if err := parseDNS(dnsMap, &cfg.DNS); err != nil {
			return err
		}
	}

	if val, exists := data["statistics"]; exists {
		statsMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("statistics must be an object")
		}
		if err := setValue(statsMap, "enabled", &cfg.Statistics.Enabled); err != nil {
			return err
		}
		if err := setValue(statsMap, "backend", &cfg.Statistics.Backend); err != nil {
			return err
		}
		if err := setValue(statsMap, "sqlite-path", &cfg.Statistics.SQLitePath); err != nil {
			return err
		}
		if err := setValue(statsMap, "postgres-dsn", &cfg.Statistics.PostgresDSN); err != nil {
			return err
		}
		if err := setValue(statsMap, "metrics-address", &cfg.Statistics.MetricsAddress); err != nil {
			return err
		}
	}

	return nil
}

// setValue assigns data[key] to dst when the key is present.
func setValue[T any](data map[string]any, key string, dst *T) error {
	val, exists := data[key]
	if !exists {
		return nil
	}
	ptr, err := parseValue[T](val)
	if err != nil {
		if strings.Contains(err.Error(), "secret") {
			return err
		}
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = *ptr
	return nil
}

func parseUpstream(upMap map[string]any) (Upstream, error) {
	up := Upstream{Type: EndpointHTTP}

	if typeVal, exists := upMap["type"]; exists {
		ptr, err := parseValue[string](typeVal)
		if err != nil {
			return up, fmt.Errorf("type must be a string: %w", err)
		}
		up.Type = EndpointType(*ptr)
	}

	if up.Type != EndpointDirect {
		address, err := parseValue[string](upMap["address"])
		if err != nil {
			return up, fmt.Errorf("%s upstream requires address field", up.Type)
		}
		up.Address = *address
	}

	if username, err := parseValue[string](upMap["username"]); err == nil {
		up.Username = username
	}
	if password, err := parseValue[string](upMap["password"]); err == nil {
		up.Password = password
	}
	if err := setValue(upMap, "force-ipv4", &up.ForceIPv4); err != nil {
		return up, err
	}

	return up, nil
}

func parseDNS(dnsMap map[string]any, dns *DNSConfig) error {
	if err := setValue(dnsMap, "enabled", &dns.Enabled); err != nil {
		return fmt.Errorf("dns: %w", err)
	}
	val, exists := dnsMap["servers"]
	if !exists {
		return nil
	}
	list, ok := val.([]any)
	if !ok {
		return fmt.Errorf("dns servers must be an array")
	}
	dns.Servers = nil
	for i, item := range list {
		srvMap, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("dns server at index %d must be an object", i)
		}
		srv := DNSServerConfig{Type: DNSTypeUDP, TimeoutSeconds: 10}
		if err := setValue(srvMap, "address", &srv.Address); err != nil {
			return err
		}
		var typ string
		if err := setValue(srvMap, "type", &typ); err != nil {
			return err
		}
		if typ != "" {
			srv.Type = DNSType(typ)
		}
		if err := setValue(srvMap, "timeout-seconds", &srv.TimeoutSeconds); err != nil {
			return err
		}
		if err := setValue(srvMap, "tls-host", &srv.TLSHost); err != nil {
			return err
		}
		dns.Servers = append(dns.Servers, srv)
	}
	return nil
}

func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		// JSON number
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got JSON number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Float32, reflect.Float64:
			f, err := strconv.ParseFloat(v, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse float: %w", err)
			}
			elem.SetFloat(f)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() == reflect.Bool {
			elem.SetBool(v)
		} else {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
	default:
		// direct-case: cast
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

// ParseUpstreamURL parses the compact form type://[user:pass@]host:port used
// by PROXYBRIDGE_UPSTREAMS. The bare word "direct" is a direct hop.
func ParseUpstreamURL(raw string) (Upstream, error) {
	raw = strings.TrimSpace(raw)
	if raw == string(EndpointDirect) {
		return Upstream{Type: EndpointDirect}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Upstream{}, fmt.Errorf("invalid upstream %q: %w", raw, err)
	}
	up := Upstream{Type: EndpointType(u.Scheme), Address: u.Host}
	switch up.Type {
	case EndpointHTTP, EndpointSocks5:
	default:
		return Upstream{}, fmt.Errorf("invalid upstream %q: unsupported type %q", raw, u.Scheme)
	}
	if u.User != nil {
		username := u.User.Username()
		up.Username = &username
		if password, ok := u.User.Password(); ok {
			up.Password = &password
		}
	}
	if _, _, err := up.HostPort(); err != nil {
		return Upstream{}, err
	}
	return up, nil
}

func loadConfigFromEnv(cfg *Config) error {
	if addr := os.Getenv("PROXYBRIDGE_LISTENADDRESS"); addr != "" {
		cfg.ListenAddress = addr
	}

	intVars := map[string]*int{
		"PROXYBRIDGE_CLIENTTIMEOUTSECONDS":     &cfg.ClientTimeoutSeconds,
		"PROXYBRIDGE_UPSTREAMTIMEOUTSECONDS":   &cfg.UpstreamTimeoutSeconds,
		"PROXYBRIDGE_ACCEPTTIMEOUTSECONDS":     &cfg.AcceptTimeoutSeconds,
		"PROXYBRIDGE_MAXCONCURRENTCONNECTIONS": &cfg.MaxConcurrentConnections,
	}
	for name, dst := range intVars {
		if str := os.Getenv(name); str != "" {
			if v, err := strconv.Atoi(str); err == nil {
				*dst = v
			} else {
				logger.Warn("Invalid format for %s: %s", name, str)
			}
		}
	}

	if failover := os.Getenv("PROXYBRIDGE_TUNNELFAILOVER"); failover != "" {
		cfg.TunnelFailover = strings.EqualFold(failover, "true") || failover == "1"
	}

	if agent := os.Getenv("PROXYBRIDGE_PROXYAGENT"); agent != "" {
		cfg.ProxyAgent = agent
	}

	if upstreams := os.Getenv("PROXYBRIDGE_UPSTREAMS"); upstreams != "" {
		cfg.Upstreams = nil
		for _, part := range strings.Split(upstreams, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			up, err := ParseUpstreamURL(part)
			if err != nil {
				return fmt.Errorf("PROXYBRIDGE_UPSTREAMS: %w", err)
			}
			cfg.Upstreams = append(cfg.Upstreams, up)
		}
	}

	if backend := os.Getenv("PROXYBRIDGE_STATSBACKEND"); backend != "" {
		cfg.Statistics.Enabled = true
		cfg.Statistics.Backend = backend
	}

	return nil
}
