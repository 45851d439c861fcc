package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"sshpool/internal/events"
	"sshpool/internal/host"
	"sshpool/internal/retry"
	"sshpool/internal/session"
)

// InventoryType selects where host identities come from
type InventoryType string

const (
	InventoryStatic       InventoryType = "static"
	InventoryEtcd         InventoryType = "etcd"
	InventoryHTTP         InventoryType = "http"
	InventoryAWS          InventoryType = "aws"
	InventoryDigitalOcean InventoryType = "digitalocean"
	InventoryGCP          InventoryType = "gcp"
	InventoryYandexCloud  InventoryType = "yandex_cloud"
)

// Config contains application configuration
type Config struct {
	// Defaults apply to every host unless the host overrides them
	Defaults HostConfig `yaml:"defaults"`
	// Hosts maps aliases to host settings
	Hosts map[string]HostConfig `yaml:"hosts"`
	// DefaultHost is used when a call names no alias
	DefaultHost string `yaml:"default_host"`

	Observability ObservabilityConfig `yaml:"observability"`
	Inventory     InventoryConfig     `yaml:"inventory"`
}

// HostConfig is one host entry; empty fields fall back to the defaults
type HostConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	Username   string           `yaml:"username"`
	Auth       AuthConfig       `yaml:"authentication"`
	KnownHosts KnownHostsConfig `yaml:"known_hosts"`
	Retry      RetryConfig      `yaml:"retry"`
	Pool       PoolConfig       `yaml:"pool"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
}

type AuthConfig struct {
	// Type is "password" or "private_key"; inferred when empty
	Type           string `yaml:"type"`
	Password       string `yaml:"password"`
	PrivateKeyPath string `yaml:"private_key_path"`
	PrivateKey     string `yaml:"private_key"`
	Passphrase     string `yaml:"passphrase"`
}

type KnownHostsConfig struct {
	Mode string `yaml:"mode"`
	Path string `yaml:"path"`
}

type RetryConfig struct {
	Enabled     *bool    `yaml:"enabled"`
	MaxAttempts int      `yaml:"max_attempts"`
	Delay       Duration `yaml:"delay"`
}

type PoolConfig struct {
	Enabled  *bool    `yaml:"enabled"`
	MaxTotal int      `yaml:"max_total"`
	MaxIdle  int      `yaml:"max_idle"`
	MinIdle  int      `yaml:"min_idle"`
	MaxWait  Duration `yaml:"max_wait"`
}

type TimeoutsConfig struct {
	Connect Duration `yaml:"connect"`
	Read    Duration `yaml:"read"`
}

// ObservabilityConfig controls the event log and metric names
type ObservabilityConfig struct {
	Enabled     *bool             `yaml:"enabled"`
	MetricNames map[string]string `yaml:"metric_names"`
}

// InventoryConfig is a discriminated union over the resolver backends
type InventoryConfig struct {
	Type         InventoryType       `yaml:"type"`
	Etcd         *EtcdConfig         `yaml:"etcd"`
	HTTP         *HTTPConfig         `yaml:"http"`
	AWS          *AWSConfig          `yaml:"aws"`
	DigitalOcean *DigitalOceanConfig `yaml:"digitalocean"`
	GCP          *GCPConfig          `yaml:"gcp"`
	YandexCloud  *YandexCloudConfig  `yaml:"yandex_cloud"`
}

type EtcdConfig struct {
	Endpoints   []string `yaml:"endpoints"`
	Prefix      string   `yaml:"prefix"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	DialTimeout Duration `yaml:"dial_timeout"`
}

type HTTPConfig struct {
	BaseURL  string   `yaml:"base_url"`
	Token    string   `yaml:"token"`
	Timeout  Duration `yaml:"timeout"`
	RetryMax int      `yaml:"retry_max"`
}

type AWSConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePrivateIP    bool   `yaml:"use_private_ip"`
}

type DigitalOceanConfig struct {
	Token        string `yaml:"token"`
	UsePrivateIP bool   `yaml:"use_private_ip"`
}

type GCPConfig struct {
	ProjectID       string `yaml:"project_id"`
	Zone            string `yaml:"zone"`
	CredentialsPath string `yaml:"credentials_path"`
	UsePrivateIP    bool   `yaml:"use_private_ip"`
}

type YandexCloudConfig struct {
	IAMToken     string `yaml:"iam_token"`
	FolderID     string `yaml:"folder_id"`
	UsePrivateIP bool   `yaml:"use_private_ip"`
}

// Duration accepts Go duration strings ("5s") or plain milliseconds
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	if v, err := time.ParseDuration(s); err == nil {
		*d = Duration(v)
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in defaults
func Default() *Config {
	enabled, disabled := true, false
	return &Config{
		Defaults: HostConfig{
			Port:       22,
			KnownHosts: KnownHostsConfig{Mode: string(host.KnownHostsStrict), Path: "~/.ssh/known_hosts"},
			Retry:      RetryConfig{Enabled: &enabled, MaxAttempts: 3, Delay: Duration(retry.DefaultBaseDelay)},
			Pool: PoolConfig{
				Enabled:  &disabled,
				MaxTotal: 8,
				MaxIdle:  8,
				MaxWait:  Duration(30 * time.Second),
			},
			Timeouts: TimeoutsConfig{Connect: Duration(5 * time.Second), Read: Duration(30 * time.Second)},
		},
		Hosts:         map[string]HostConfig{},
		Observability: ObservabilityConfig{Enabled: &enabled},
		Inventory:     InventoryConfig{Type: InventoryStatic},
	}
}

// Load loads configuration from the YAML file named by SSHPOOL_CONFIG,
// or sshpool.yaml
func Load() (*Config, error) {
	configPath := os.Getenv("SSHPOOL_CONFIG")
	if configPath == "" {
		configPath = "sshpool.yaml"
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path. A missing file yields the
// defaults plus environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.expandEnv()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data over cfg
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Hosts == nil {
		cfg.Hosts = map[string]HostConfig{}
	}
	if cfg.Inventory.Type == "" {
		cfg.Inventory.Type = InventoryStatic
	}
	return nil
}

func (c *Config) expandEnv() {
	c.Defaults.expandEnv()
	for alias, h := range c.Hosts {
		h.expandEnv()
		c.Hosts[alias] = h
	}

	inv := &c.Inventory
	if inv.Etcd != nil {
		for i, ep := range inv.Etcd.Endpoints {
			inv.Etcd.Endpoints[i] = os.ExpandEnv(ep)
		}
		inv.Etcd.Username = os.ExpandEnv(inv.Etcd.Username)
		inv.Etcd.Password = os.ExpandEnv(inv.Etcd.Password)
	}
	if inv.HTTP != nil {
		inv.HTTP.BaseURL = os.ExpandEnv(inv.HTTP.BaseURL)
		inv.HTTP.Token = os.ExpandEnv(inv.HTTP.Token)
	}
	if inv.AWS != nil {
		inv.AWS.AccessKeyID = os.ExpandEnv(inv.AWS.AccessKeyID)
		inv.AWS.SecretAccessKey = os.ExpandEnv(inv.AWS.SecretAccessKey)
	}
	if inv.DigitalOcean != nil {
		inv.DigitalOcean.Token = os.ExpandEnv(inv.DigitalOcean.Token)
	}
	if inv.GCP != nil {
		inv.GCP.ProjectID = os.ExpandEnv(inv.GCP.ProjectID)
		inv.GCP.CredentialsPath = os.ExpandEnv(inv.GCP.CredentialsPath)
	}
	if inv.YandexCloud != nil {
		inv.YandexCloud.IAMToken = os.ExpandEnv(inv.YandexCloud.IAMToken)
		inv.YandexCloud.FolderID = os.ExpandEnv(inv.YandexCloud.FolderID)
	}
}

func (h *HostConfig) expandEnv() {
	h.Host = os.ExpandEnv(h.Host)
	h.Username = os.ExpandEnv(h.Username)
	h.Auth.Password = os.ExpandEnv(h.Auth.Password)
	h.Auth.PrivateKeyPath = os.ExpandEnv(h.Auth.PrivateKeyPath)
	h.Auth.PrivateKey = os.ExpandEnv(h.Auth.PrivateKey)
	h.Auth.Passphrase = os.ExpandEnv(h.Auth.Passphrase)
	h.KnownHosts.Path = os.ExpandEnv(h.KnownHosts.Path)
}

// applyEnvOverrides lets credentials come from the environment only
func (c *Config) applyEnvOverrides() {
	inv := &c.Inventory
	switch inv.Type {
	case InventoryYandexCloud:
		if inv.YandexCloud == nil {
			inv.YandexCloud = &YandexCloudConfig{}
		}
		if token := os.Getenv("YC_TOKEN"); token != "" {
			inv.YandexCloud.IAMToken = token
		}
		if folderID := os.Getenv("YC_FOLDER_ID"); folderID != "" {
			inv.YandexCloud.FolderID = folderID
		}
	case InventoryDigitalOcean:
		if inv.DigitalOcean == nil {
			inv.DigitalOcean = &DigitalOceanConfig{}
		}
		if token := os.Getenv("DIGITALOCEAN_TOKEN"); token != "" {
			inv.DigitalOcean.Token = token
		}
	case InventoryEtcd:
		if inv.Etcd == nil {
			inv.Etcd = &EtcdConfig{}
		}
		if endpoints := os.Getenv("ETCD_ENDPOINTS"); endpoints != "" {
			inv.Etcd.Endpoints = strings.Split(endpoints, ",")
		}
	case InventoryHTTP:
		if inv.HTTP == nil {
			inv.HTTP = &HTTPConfig{}
		}
		if token := os.Getenv("SSHPOOL_INVENTORY_TOKEN"); token != "" {
			inv.HTTP.Token = token
		}
	}
}

// Validate checks the inventory settings and every configured host
func (c *Config) Validate() error {
	if c.DefaultHost != "" && c.Inventory.Type == InventoryStatic {
		if _, ok := c.Hosts[c.DefaultHost]; !ok {
			return fmt.Errorf("default_host %q is not a configured host", c.DefaultHost)
		}
	}

	for _, alias := range c.Aliases() {
		id, err := c.Identity(alias)
		if err != nil {
			return err
		}
		if err := id.Validate(); err != nil {
			return fmt.Errorf("host %q: %w", alias, err)
		}
	}

	inv := c.Inventory
	switch inv.Type {
	case InventoryStatic:
	case InventoryEtcd:
		if inv.Etcd == nil || len(inv.Etcd.Endpoints) == 0 {
			return fmt.Errorf("etcd endpoints are required (set inventory.etcd.endpoints or ETCD_ENDPOINTS)")
		}
	case InventoryHTTP:
		if inv.HTTP == nil || inv.HTTP.BaseURL == "" {
			return fmt.Errorf("inventory.http.base_url is required")
		}
	case InventoryAWS:
		if inv.AWS == nil || inv.AWS.Region == "" {
			return fmt.Errorf("inventory.aws.region is required")
		}
	case InventoryDigitalOcean:
		if inv.DigitalOcean == nil || inv.DigitalOcean.Token == "" {
			return fmt.Errorf("DigitalOcean token is required (set inventory.digitalocean.token or DIGITALOCEAN_TOKEN)")
		}
	case InventoryGCP:
		if inv.GCP == nil || inv.GCP.ProjectID == "" || inv.GCP.Zone == "" {
			return fmt.Errorf("inventory.gcp.project_id and inventory.gcp.zone are required")
		}
	case InventoryYandexCloud:
		if inv.YandexCloud == nil || inv.YandexCloud.IAMToken == "" {
			return fmt.Errorf("IAM token is required (set inventory.yandex_cloud.iam_token or YC_TOKEN)")
		}
		if inv.YandexCloud.FolderID == "" {
			return fmt.Errorf("Folder ID is required (set inventory.yandex_cloud.folder_id or YC_FOLDER_ID)")
		}
	default:
		return fmt.Errorf("unsupported inventory type: %s", inv.Type)
	}
	return nil
}

// Aliases lists the configured host aliases in sorted order
func (c *Config) Aliases() []string {
	aliases := make([]string, 0, len(c.Hosts))
	for alias := range c.Hosts {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

// DefaultAlias returns default_host, or the only configured host
func (c *Config) DefaultAlias() (string, bool) {
	if c.DefaultHost != "" {
		return c.DefaultHost, true
	}
	if len(c.Hosts) == 1 {
		for alias := range c.Hosts {
			return alias, true
		}
	}
	return "", false
}

// Host returns the settings for alias merged over the defaults
func (c *Config) Host(alias string) (HostConfig, bool) {
	h, ok := c.Hosts[alias]
	if !ok {
		return HostConfig{}, false
	}
	return merge(h, c.Defaults), true
}

// Identity builds the identity for a configured alias
func (c *Config) Identity(alias string) (*host.Identity, error) {
	h, ok := c.Host(alias)
	if !ok {
		return nil, fmt.Errorf("unknown SSH host alias: %s", alias)
	}
	if h.Host == "" {
		return nil, fmt.Errorf("host is required for SSH host %q", alias)
	}
	return h.identity()
}

// Template builds an identity from the defaults alone, for inventories that
// only supply an address
func (c *Config) Template() (*host.Identity, error) {
	return c.Defaults.identity()
}

// StaticIdentities builds the identity table for every configured alias
func (c *Config) StaticIdentities() (map[string]*host.Identity, error) {
	out := make(map[string]*host.Identity, len(c.Hosts))
	for _, alias := range c.Aliases() {
		id, err := c.Identity(alias)
		if err != nil {
			return nil, err
		}
		out[alias] = id
	}
	return out, nil
}

// RetryStrategy derives the retry strategy for alias, falling back to the
// defaults for unknown aliases
func (c *Config) RetryStrategy(alias string) retry.Strategy {
	h, ok := c.Host(alias)
	if !ok {
		h = c.Defaults
	}
	r := h.Retry
	if r.Enabled == nil || !*r.Enabled || r.MaxAttempts <= 1 {
		return retry.NoRetry{}
	}
	return retry.NewExponentialBackoff(r.MaxAttempts-1, r.Delay.Std(), retry.DefaultMultiplier)
}

// PoolConfig derives the pool settings for alias and whether pooling is on
func (c *Config) PoolConfig(alias string) (session.PoolConfig, bool) {
	h, ok := c.Host(alias)
	if !ok {
		h = c.Defaults
	}
	p := h.Pool
	cfg := session.PoolConfig{
		MaxTotal:         p.MaxTotal,
		MaxIdle:          p.MaxIdle,
		MinIdle:          p.MinIdle,
		MaxWait:          p.MaxWait.Std(),
		ValidateOnBorrow: true,
	}
	return cfg, p.Enabled != nil && *p.Enabled
}

// EventsEnabled reports whether operation events are logged
func (c *Config) EventsEnabled() bool {
	return c.Observability.Enabled == nil || *c.Observability.Enabled
}

// MetricNames maps the built-in metric names to configured ones. Keys are
// session_connect, exec and sftp.
func (c *Config) MetricNames() map[string]string {
	out := map[string]string{}
	builtin := map[string]string{
		"session_connect": events.MetricSessionConnect,
		"exec":            events.MetricExec,
		"sftp":            events.MetricSFTP,
	}
	for key, name := range c.Observability.MetricNames {
		if from, ok := builtin[key]; ok && name != "" && name != from {
			out[from] = name
		}
	}
	return out
}

func (h HostConfig) identity() (*host.Identity, error) {
	auth, err := h.Auth.auth()
	if err != nil {
		return nil, err
	}
	return &host.Identity{
		Host:     h.Host,
		Port:     h.Port,
		Username: h.Username,
		Auth:     auth,
		KnownHosts: host.KnownHosts{
			Mode: host.KnownHostsMode(h.KnownHosts.Mode),
			Path: expandHome(h.KnownHosts.Path),
		},
		ConnectTimeout: h.Timeouts.Connect.Std(),
		ReadTimeout:    h.Timeouts.Read.Std(),
	}, nil
}

func (a AuthConfig) auth() (host.Auth, error) {
	kind := a.Type
	if kind == "" {
		switch {
		case a.PrivateKey != "" || a.PrivateKeyPath != "":
			kind = string(host.AuthPrivateKey)
		case a.Password != "":
			kind = string(host.AuthPassword)
		}
	}

	switch host.AuthKind(kind) {
	case host.AuthPassword:
		return host.PasswordAuth(a.Password), nil
	case host.AuthPrivateKey:
		if a.PrivateKey != "" {
			return host.InlineKeyAuth([]byte(a.PrivateKey), a.Passphrase), nil
		}
		return host.KeyFileAuth(expandHome(a.PrivateKeyPath), a.Passphrase), nil
	case "":
		return host.Auth{}, nil
	default:
		return host.Auth{}, fmt.Errorf("unsupported authentication type: %s", a.Type)
	}
}

// merge fills the empty fields of h from d
func merge(h, d HostConfig) HostConfig {
	h.Host = firstNonEmpty(h.Host, d.Host)
	h.Port = firstNonZero(h.Port, d.Port, 22)
	h.Username = firstNonEmpty(h.Username, d.Username)

	h.Auth.Type = firstNonEmpty(h.Auth.Type, d.Auth.Type)
	h.Auth.Password = firstNonEmpty(h.Auth.Password, d.Auth.Password)
	h.Auth.PrivateKeyPath = firstNonEmpty(h.Auth.PrivateKeyPath, d.Auth.PrivateKeyPath)
	h.Auth.PrivateKey = firstNonEmpty(h.Auth.PrivateKey, d.Auth.PrivateKey)
	h.Auth.Passphrase = firstNonEmpty(h.Auth.Passphrase, d.Auth.Passphrase)

	h.KnownHosts.Mode = firstNonEmpty(h.KnownHosts.Mode, d.KnownHosts.Mode)
	h.KnownHosts.Path = firstNonEmpty(h.KnownHosts.Path, d.KnownHosts.Path)

	if h.Retry.Enabled == nil {
		h.Retry.Enabled = d.Retry.Enabled
	}
	h.Retry.MaxAttempts = firstNonZero(h.Retry.MaxAttempts, d.Retry.MaxAttempts)
	h.Retry.Delay = firstNonZero(h.Retry.Delay, d.Retry.Delay)

	if h.Pool.Enabled == nil {
		h.Pool.Enabled = d.Pool.Enabled
	}
	h.Pool.MaxTotal = firstNonZero(h.Pool.MaxTotal, d.Pool.MaxTotal)
	h.Pool.MaxIdle = firstNonZero(h.Pool.MaxIdle, d.Pool.MaxIdle)
	h.Pool.MinIdle = firstNonZero(h.Pool.MinIdle, d.Pool.MinIdle)
	h.Pool.MaxWait = firstNonZero(h.Pool.MaxWait, d.Pool.MaxWait)

	h.Timeouts.Connect = firstNonZero(h.Timeouts.Connect, d.Timeouts.Connect)
	h.Timeouts.Read = firstNonZero(h.Timeouts.Read, d.Timeouts.Read)
	return h
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstNonZero[T comparable](values ...T) T {
	var zero T
	for _, v := range values {
		if v != zero {
			return v
		}
	}
	return zero
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
