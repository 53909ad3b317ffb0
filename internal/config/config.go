// Package config loads director settings and prepares the database.
package config

import (
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	_ "modernc.org/sqlite"

	"github.com/jbweber/homelab/director/internal/domain"
	"github.com/jbweber/homelab/director/internal/migrations"
)

// Config holds all configuration for the director service
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	DHCP     DHCPConfig     `mapstructure:"dhcp"`
	TFTP     TFTPConfig     `mapstructure:"tftp"`
	IPMI     IPMIConfig     `mapstructure:"ipmi"`
	Leases   LeasesConfig   `mapstructure:"leases"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Netboot  NetbootConfig  `mapstructure:"netboot"`
	Subnets  []SubnetConfig `mapstructure:"subnets"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

type HTTPConfig struct {
	Listen    string `mapstructure:"listen"`
	PublicURL string `mapstructure:"public_url"` // base URL handed to iPXE
	JWTSecret string `mapstructure:"jwt_secret"` // empty disables operator auth
}

type DHCPConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	Listen           string   `mapstructure:"listen"`
	ServerIP         string   `mapstructure:"server_ip"`
	DefaultSubnet    string   `mapstructure:"default_subnet"`
	BMCVendorClasses []string `mapstructure:"bmc_vendor_classes"`
	BMCMACPrefixes   []string `mapstructure:"bmc_mac_prefixes"`
	RateLimit        float64  `mapstructure:"rate_limit"` // requests per second per MAC
	RateBurst        int      `mapstructure:"rate_burst"`
}

type TFTPConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Listen  string        `mapstructure:"listen"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type IPMIConfig struct {
	Driver            string        `mapstructure:"driver"` // ipmi, redfish, noop
	Binary            string        `mapstructure:"binary"` // ipmitool
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	DefaultUsername   string        `mapstructure:"default_username"` // factory credentials
	DefaultPassword   string        `mapstructure:"default_password"`
	Channel           int           `mapstructure:"channel"`
	UserID            int           `mapstructure:"user_id"`
	Insecure          bool          `mapstructure:"insecure"` // skip Redfish TLS verification
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	ParkRetry         time.Duration `mapstructure:"park_retry"`
	PowerCycleOnReady bool          `mapstructure:"power_cycle_on_ready"`
}

type LeasesConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type StorageConfig struct {
	Driver    string `mapstructure:"driver"` // filesystem, s3
	Path      string `mapstructure:"path"`
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type NetbootConfig struct {
	Manifest string `mapstructure:"manifest"` // blob key or file path; empty uses built-in images
}

// SubnetConfig declares an address pool. Networks use CIDR notation.
type SubnetConfig struct {
	Name           string        `mapstructure:"name"`
	NetworkIPv4    string        `mapstructure:"network_ipv4"`
	GatewayIPv4    string        `mapstructure:"gateway_ipv4"`
	NetworkIPv6    string        `mapstructure:"network_ipv6"`
	GatewayIPv6    string        `mapstructure:"gateway_ipv6"`
	DNSServers     []string      `mapstructure:"dns_servers"`
	LeaseTime      time.Duration `mapstructure:"lease_time"`
	RackIdentifier string        `mapstructure:"rack_identifier"`
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "~/director/data/director.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("http.listen", ":8080")
	v.SetDefault("http.public_url", "")
	v.SetDefault("http.jwt_secret", "")

	v.SetDefault("dhcp.enabled", false)
	v.SetDefault("dhcp.listen", ":67")
	v.SetDefault("dhcp.server_ip", "")
	v.SetDefault("dhcp.default_subnet", "")
	v.SetDefault("dhcp.bmc_vendor_classes", []string{})
	v.SetDefault("dhcp.bmc_mac_prefixes", []string{})
	v.SetDefault("dhcp.rate_limit", 5.0)
	v.SetDefault("dhcp.rate_burst", 10)

	v.SetDefault("tftp.enabled", false)
	v.SetDefault("tftp.listen", ":69")
	v.SetDefault("tftp.timeout", "5s")

	v.SetDefault("ipmi.driver", "ipmi")
	v.SetDefault("ipmi.binary", "ipmitool")
	v.SetDefault("ipmi.username", "director")
	v.SetDefault("ipmi.password", "")
	v.SetDefault("ipmi.default_username", "ADMIN")
	v.SetDefault("ipmi.default_password", "ADMIN")
	v.SetDefault("ipmi.channel", 1)
	v.SetDefault("ipmi.user_id", 2)
	v.SetDefault("ipmi.insecure", true)
	v.SetDefault("ipmi.timeout", "30s")
	v.SetDefault("ipmi.max_attempts", 3)
	v.SetDefault("ipmi.backoff_base", "5s")
	v.SetDefault("ipmi.backoff_max", "1m")
	v.SetDefault("ipmi.park_retry", "1m")
	v.SetDefault("ipmi.power_cycle_on_ready", true)

	v.SetDefault("leases.sweep_interval", "1m")

	v.SetDefault("storage.driver", "filesystem")
	v.SetDefault("storage.path", "~/director/artifacts")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.bucket", "director")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.use_ssl", true)

	v.SetDefault("netboot.manifest", "")
	v.SetDefault("subnets", []map[string]any{})
}

// LoadConfig reads configuration from file and environment variables.
// A missing config file is not an error.
func LoadConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("director")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/director")
	}

	// Environment variable support: DIRECTOR_HTTP_LISTEN=:9090
	v.SetEnvPrefix("DIRECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return v, nil
}

// Load decodes and validates the settings held by v.
func Load(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks settings that would otherwise fail at first use.
func (c *Config) Validate() error {
	switch c.IPMI.Driver {
	case "ipmi", "redfish", "noop":
	default:
		return fmt.Errorf("ipmi.driver %q: must be ipmi, redfish or noop", c.IPMI.Driver)
	}

	switch c.Storage.Driver {
	case "filesystem":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the filesystem driver")
		}
	case "s3":
		if c.Storage.Endpoint == "" || c.Storage.Bucket == "" {
			return fmt.Errorf("storage.endpoint and storage.bucket are required for the s3 driver")
		}
	default:
		return fmt.Errorf("storage.driver %q: must be filesystem or s3", c.Storage.Driver)
	}

	if c.DHCP.Enabled {
		ip, err := netip.ParseAddr(c.DHCP.ServerIP)
		if err != nil || !ip.Is4() {
			return fmt.Errorf("dhcp.server_ip %q: an IPv4 address is required when dhcp is enabled", c.DHCP.ServerIP)
		}
	}

	_, err := c.DomainSubnets()
	return err
}

// Subnet converts the declaration into a domain subnet.
func (s SubnetConfig) Subnet() (domain.Subnet, error) {
	subnet := domain.Subnet{
		Name:           s.Name,
		GatewayIPv4:    s.GatewayIPv4,
		GatewayIPv6:    s.GatewayIPv6,
		DNSServers:     s.DNSServers,
		LeaseTime:      s.LeaseTime,
		RackIdentifier: s.RackIdentifier,
	}
	if s.Name == "" {
		return domain.Subnet{}, fmt.Errorf("subnet name is required")
	}
	if s.NetworkIPv4 == "" && s.NetworkIPv6 == "" {
		return domain.Subnet{}, fmt.Errorf("subnet %s: network_ipv4 or network_ipv6 is required", s.Name)
	}
	if err := subnet.ParseNetworks(s.NetworkIPv4, s.NetworkIPv6); err != nil {
		return domain.Subnet{}, fmt.Errorf("subnet %s: %w", s.Name, err)
	}
	if s.GatewayIPv4 != "" && !subnet.Contains(s.GatewayIPv4) {
		return domain.Subnet{}, fmt.Errorf("subnet %s: gateway %s outside network", s.Name, s.GatewayIPv4)
	}
	if s.GatewayIPv6 != "" && !subnet.Contains(s.GatewayIPv6) {
		return domain.Subnet{}, fmt.Errorf("subnet %s: gateway %s outside network", s.Name, s.GatewayIPv6)
	}
	for _, dns := range s.DNSServers {
		if _, err := netip.ParseAddr(dns); err != nil {
			return domain.Subnet{}, fmt.Errorf("subnet %s: invalid dns server %q", s.Name, dns)
		}
	}
	if subnet.LeaseTime <= 0 {
		subnet.LeaseTime = time.Hour
	}
	return subnet, nil
}

// DomainSubnets converts every declared subnet, rejecting duplicate names
// and overlapping networks.
func (c *Config) DomainSubnets() ([]domain.Subnet, error) {
	subnets := make([]domain.Subnet, 0, len(c.Subnets))
	for _, sc := range c.Subnets {
		s, err := sc.Subnet()
		if err != nil {
			return nil, err
		}
		for _, other := range subnets {
			if other.Name == s.Name {
				return nil, fmt.Errorf("subnet %s declared twice", s.Name)
			}
			if s.Overlaps(other) {
				return nil, fmt.Errorf("subnet %s overlaps subnet %s", s.Name, other.Name)
			}
		}
		subnets = append(subnets, s)
	}
	return subnets, nil
}

// InitializeDatabase creates and configures the database connection
func (c *Config) InitializeDatabase() (*sql.DB, error) {
	dbPath := expandPath(c.Database.Path)

	// Ensure database directory exists
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", databaseDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	OptimizeDatabaseConnection(db)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := ApplyPragmaOptimizations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply performance optimizations: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// StoragePath returns the filesystem blob root with ~ expanded.
func (c *Config) StoragePath() string {
	return expandPath(c.Storage.Path)
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Return original path if we can't get home dir
		return path
	}

	return filepath.Join(homeDir, path[2:])
}

// RunMigrations runs all database migrations
func RunMigrations(db *sql.DB) error {
	migrator := migrations.NewMigrator(db)
	for _, migration := range migrations.GetAllMigrations() {
		migrator.AddMigration(migration)
	}
	return migrator.RunMigrations()
}
