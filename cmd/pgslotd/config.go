package main

import (
	"bytes"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/superfly/pgslot"
	"github.com/superfly/pgslot/consul"
	"github.com/superfly/pgslot/http"
	"gopkg.in/yaml.v3"
)

// NOTE: Update etc/pgslot.yml configuration file after changing the structure below.

// Config represents a configuration for the binary process.
type Config struct {
	Data    DataConfig    `yaml:"data"`
	WAL     WALConfig     `yaml:"wal"`
	Sync    SyncConfig    `yaml:"sync"`
	Standby StandbyConfig `yaml:"standby"`
	HTTP    HTTPConfig    `yaml:"http"`
	Lease   LeaseConfig   `yaml:"lease"`
	Log     LogConfig     `yaml:"log"`
}

// NewConfig returns a new instance of Config with defaults set.
func NewConfig() Config {
	var config Config

	config.Data.MaxSlots = DefaultMaxSlots
	config.Data.MaxSlotWALKeepSize = -1
	config.Data.MaxWALSize = 1024

	config.WAL.Level = "replica"
	config.WAL.InRecovery = true

	config.Sync.HotStandbyFeedback = true

	config.HTTP.Addr = http.DefaultAddr

	config.Lease.Type = LeaseTypeStatic
	config.Lease.Candidate = true
	config.Lease.Consul.TTL = consul.DefaultTTL
	config.Lease.Consul.LockDelay = consul.DefaultLockDelay

	config.Log.MaxSize = DefaultLogMaxSize
	config.Log.MaxCount = DefaultLogMaxCount
	config.Log.Compress = DefaultLogCompress

	return config
}

// DefaultMaxSlots is the default registry capacity.
const DefaultMaxSlots = 10

// DataConfig represents the configuration for the slot directory.
type DataConfig struct {
	Dir      string `yaml:"dir"`
	MaxSlots int    `yaml:"max-slots"`

	// Retention bounds, in megabytes. Negative keep size means unlimited.
	MaxSlotWALKeepSize int64 `yaml:"max-slot-wal-keep-size"`
	MaxWALSize         int64 `yaml:"max-wal-size"`
}

// WALConfig represents the local WAL facts the registry is told about.
type WALConfig struct {
	Level       string `yaml:"level"`
	SegmentSize uint64 `yaml:"segment-size"`
	InRecovery  bool   `yaml:"in-recovery"`
}

// SyncConfig represents the configuration for the slot synchronizer.
type SyncConfig struct {
	Enabled            bool   `yaml:"enabled"`
	PrimaryConnInfo    string `yaml:"primary-conninfo"`
	PrimarySlotName    string `yaml:"primary-slot-name"`
	HotStandbyFeedback bool   `yaml:"hot-standby-feedback"`
}

// StandbyConfig represents the configuration for the standby slot gate.
type StandbyConfig struct {
	// Comma-separated physical slot names that logical failover senders
	// must wait for.
	SlotNames string `yaml:"slot-names"`
}

// HTTPConfig represents the configuration for the HTTP server.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LeaseConfig represents a generic configuration for all lease types.
type LeaseConfig struct {
	// Specifies the type of leasing to use: "consul" or "static"
	Type string `yaml:"type"`

	// The hostname of this node.
	Hostname string `yaml:"hostname"`

	// Connection string other nodes use to reach this node when primary.
	AdvertiseConnInfo string `yaml:"advertise-conninfo"`

	// Specifies if this node can become primary. Defaults to true.
	//
	// If using a "static" lease, setting this to true makes it the primary.
	// Replicas in a static lease should set this to false.
	Candidate bool `yaml:"candidate"`

	// Consul lease settings.
	Consul struct {
		URL       string        `yaml:"url"`
		Key       string        `yaml:"key"`
		TTL       time.Duration `yaml:"ttl"`
		LockDelay time.Duration `yaml:"lock-delay"`
	} `yaml:"consul"`
}

// Log rotation defaults.
const (
	DefaultLogMaxSize  = 64 // MB
	DefaultLogMaxCount = 8
	DefaultLogCompress = true
)

// LogConfig represents the configuration for the rolling on-disk log.
type LogConfig struct {
	Path     string `yaml:"path"`
	MaxSize  int    `yaml:"max-size"`
	MaxCount int    `yaml:"max-count"`
	Compress bool   `yaml:"compress"`
}

const (
	LeaseTypeConsul = "consul"
	LeaseTypeStatic = "static"
)

// IsValidLeaseType returns true if s is a valid lease type.
func IsValidLeaseType(s string) bool {
	switch s {
	case LeaseTypeConsul, LeaseTypeStatic:
		return true
	default:
		return false
	}
}

// SyncConfig converts the file representation into the library one.
func (c *Config) SyncConfig() pgslot.SyncConfig {
	return pgslot.SyncConfig{
		PrimaryConnInfo:      c.Sync.PrimaryConnInfo,
		PrimarySlotName:      c.Sync.PrimarySlotName,
		HotStandbyFeedback:   c.Sync.HotStandbyFeedback,
		SyncReplicationSlots: c.Sync.Enabled,
	}
}

// WALLevel parses the configured wal level.
func (c *Config) WALLevel() (pgslot.WALLevel, error) {
	return pgslot.ParseWALLevel(c.WAL.Level)
}

// UnmarshalConfig unmarshals config from data.
// If expandEnv is true then environment variables are expanded in the config.
func UnmarshalConfig(config *Config, data []byte, expandEnv bool) error {
	// Expand environment variables, if enabled.
	if expandEnv {
		data = []byte(ExpandEnv(string(data)))
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // strict checking
	if err := dec.Decode(&config); err != nil {
		return err
	}
	return nil
}

// ExpandEnv replaces environment variables just like os.ExpandEnv() but also
// allows for equality/inequality binary expressions within the ${} form.
func ExpandEnv(s string) string {
	return os.Expand(s, func(v string) string {
		v = strings.TrimSpace(v)

		if a := expandExprSingleQuote.FindStringSubmatch(v); a != nil {
			if a[2] == "==" {
				return strconv.FormatBool(os.Getenv(a[1]) == a[3])
			}
			return strconv.FormatBool(os.Getenv(a[1]) != a[3])
		}

		if a := expandExprDoubleQuote.FindStringSubmatch(v); a != nil {
			if a[2] == "==" {
				return strconv.FormatBool(os.Getenv(a[1]) == a[3])
			}
			return strconv.FormatBool(os.Getenv(a[1]) != a[3])
		}

		if a := expandExprVar.FindStringSubmatch(v); a != nil {
			if a[2] == "==" {
				return strconv.FormatBool(os.Getenv(a[1]) == os.Getenv(a[3]))
			}
			return strconv.FormatBool(os.Getenv(a[1]) != os.Getenv(a[3]))
		}

		return os.Getenv(v)
	})
}

var (
	expandExprSingleQuote = regexp.MustCompile(`^(\w+)\s*(==|!=)\s*'(.*)'$`)
	expandExprDoubleQuote = regexp.MustCompile(`^(\w+)\s*(==|!=)\s*"(.*)"$`)
	expandExprVar         = regexp.MustCompile(`^(\w+)\s*(==|!=)\s*(\w+)$`)
)

// ParseConfigPath parses the configuration file from configPath, if specified.
//
// Otherwise searches the standard list of search paths. Returns an error if
// no configuration files could be found.
func ParseConfigPath(configPath string, expandEnv bool, config *Config) (err error) {
	// Only read from explicit path, if specified. Report any error.
	if configPath != "" {
		buf, err := os.ReadFile(configPath)
		if err != nil {
			return err
		}
		return UnmarshalConfig(config, buf, expandEnv)
	}

	// Otherwise attempt to read each config path until we succeed.
	for _, path := range configSearchPaths() {
		if path, err = filepath.Abs(path); err != nil {
			return err
		}

		buf, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		} else if err != nil {
			return fmt.Errorf("cannot read config file at %s: %s", path, err)
		}

		if err := UnmarshalConfig(config, buf, expandEnv); err != nil {
			return fmt.Errorf("cannot unmarshal config file at %s: %s", path, err)
		}

		fmt.Printf("config file read from %s\n", path)
		return nil
	}

	return fmt.Errorf("config file not found")
}

// configSearchPaths returns paths to search for the config file. It starts with
// the current directory, then home directory, if available. And finally it tries
// to read from the /etc directory.
func configSearchPaths() []string {
	a := []string{"pgslot.yml"}
	if u, _ := user.Current(); u != nil && u.HomeDir != "" {
		a = append(a, filepath.Join(u.HomeDir, "pgslot.yml"))
	}
	a = append(a, "/etc/pgslot.yml")
	return a
}
