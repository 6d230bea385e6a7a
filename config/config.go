// Package config binds the monitor's tunables (backend list, replication
// credentials, tick interval, operation budgets) from flags and an optional
// config file, the way the teacher's server.Config/cluster/prx.go
// AddFlags(*pflag.FlagSet, ...) pattern does it, via spf13/pflag + spf13/viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Backend is one monitored MariaDB/MySQL instance.
type Backend struct {
	Name string `mapstructure:"name"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Config is the full set of monitor tunables, per spec.md §7.
type Config struct {
	Backends []Backend

	// ReplicationUser/Password are the credentials CHANGE MASTER TO uses
	// when pointing a slave at a new master (spec.md §3 OperationContext).
	ReplicationUser     string
	ReplicationPassword string
	ReplicationSSL      bool

	// ConnectionUser/Password dial the monitor's own per-agent connection.
	ConnectionUser     string
	ConnectionPassword string

	TickInterval time.Duration
	// OperationBudget bounds one switchover/failover orchestration
	// end-to-end (spec.md §3's "decremented as steps complete").
	OperationBudget time.Duration
	// ConnectorReadTimeout bounds a single query/exec round trip.
	ConnectorReadTimeout time.Duration

	DiskSpaceThresholdPercent int
	AssumeUniqueHostnames     bool

	LogLevel string
}

// AddFlags registers every Config flag onto fs, mirroring the teacher's
// cluster/prx.go AddFlags(*pflag.FlagSet, ...) convention: one flag per
// tunable, bound into viper by name by Load so a value already loaded into
// that viper instance can override its default.
func AddFlags(fs *pflag.FlagSet) {
	fs.StringSlice("backends", nil, "monitored backends as name=host:port (repeatable)")
	fs.String("replication-user", "repl", "username CHANGE MASTER TO uses when redirecting a slave")
	fs.String("replication-password", "", "password for replication-user")
	fs.Bool("replication-ssl", false, "require SSL on replication connections")
	fs.String("connection-user", "monitor", "username the monitor itself connects with")
	fs.String("connection-password", "", "password for connection-user")
	fs.Duration("tick-interval", 2*time.Second, "interval between monitor ticks")
	fs.Duration("operation-budget", 30*time.Second, "overall budget for one switchover/failover")
	fs.Duration("connector-read-timeout", 3*time.Second, "per-query/exec round-trip timeout")
	fs.Int("disk-space-threshold-percent", 80, "disk usage percent above which a server is marked exhausted")
	fs.Bool("assume-unique-hostnames", true, "match replication topology edges by host:port rather than server_id")
	fs.String("log-level", "info", "logrus level (panic|fatal|error|warn|info|debug|trace)")
}

// Load binds fs (already parsed) into v and reads a Config from it; values
// already loaded into v by the caller (such as a config file) override flag
// defaults. Load itself reads no file or environment variable. v may be nil,
// in which case viper.GetViper() is used, matching server/server.go's use of
// the package-level viper instance.
func Load(fs *pflag.FlagSet, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.GetViper()
	}
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("config: bind flags: %w", err)
	}

	backends, err := parseBackends(v.GetStringSlice("backends"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Backends:                  backends,
		ReplicationUser:           v.GetString("replication-user"),
		ReplicationPassword:       v.GetString("replication-password"),
		ReplicationSSL:            v.GetBool("replication-ssl"),
		ConnectionUser:            v.GetString("connection-user"),
		ConnectionPassword:        v.GetString("connection-password"),
		TickInterval:              v.GetDuration("tick-interval"),
		OperationBudget:           v.GetDuration("operation-budget"),
		ConnectorReadTimeout:      v.GetDuration("connector-read-timeout"),
		DiskSpaceThresholdPercent: v.GetInt("disk-space-threshold-percent"),
		AssumeUniqueHostnames:     v.GetBool("assume-unique-hostnames"),
		LogLevel:                  v.GetString("log-level"),
	}
	return cfg, cfg.Validate()
}

// Validate reports the first configuration error found, if any.
func (c *Config) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("config: at least one backend is required")
	}
	seen := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if b.Host == "" || b.Port == 0 {
			return fmt.Errorf("config: backend %q missing host:port", b.Name)
		}
		if seen[b.Name] {
			return fmt.Errorf("config: duplicate backend name %q", b.Name)
		}
		seen[b.Name] = true
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("config: tick-interval must be positive")
	}
	return nil
}

// DSN builds the go-sql-driver/mysql DSN for b using the monitor's own
// connection credentials (not the replication credentials, which are only
// ever sent to a backend via CHANGE MASTER TO).
func (c *Config) DSN(b Backend) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/?timeout=%s&interpolateParams=true",
		c.ConnectionUser, c.ConnectionPassword, b.Host, b.Port, c.ConnectorReadTimeout)
}

// parseBackends parses "name=host:port" entries, per spec.md §7's backend
// list shape.
func parseBackends(entries []string) ([]Backend, error) {
	backends := make([]Backend, 0, len(entries))
	for _, e := range entries {
		name, hostport, ok := strings.Cut(e, "=")
		if !ok {
			return nil, fmt.Errorf("config: malformed backend %q, want name=host:port", e)
		}
		host, portStr, ok := strings.Cut(hostport, ":")
		if !ok {
			return nil, fmt.Errorf("config: malformed backend %q, want name=host:port", e)
		}
		var port int
		if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
			return nil, fmt.Errorf("config: malformed port in backend %q: %w", e, err)
		}
		backends = append(backends, Backend{Name: name, Host: host, Port: port})
	}
	return backends, nil
}
