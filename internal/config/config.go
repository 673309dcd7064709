// Package config defines noded's typed configuration and the
// viper/pflag-backed loader that produces it, following the conventions
// oasis-core's node binaries use for their own config surface.
package config

import (
	"net"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully resolved node configuration.
type Config struct {
	Addr        string `mapstructure:"addr"`
	Port        uint16 `mapstructure:"port"`
	Zone        int64  `mapstructure:"zone"`
	NrVnodes    uint16 `mapstructure:"nr_vnodes"`
	NrCopies    int    `mapstructure:"nr_copies"`
	StoreName   string `mapstructure:"store_name"`
	EpochLogDir string `mapstructure:"epoch_log_dir"`
	LogLevel    string `mapstructure:"log_level"`
}

// ResolvedZone returns cfg.Zone, deriving it from the low 4 bytes of Addr
// when Zone == -1, the documented "auto" sentinel.
func (c Config) ResolvedZone() (uint32, error) {
	if c.Zone != -1 {
		return uint32(c.Zone), nil
	}
	ip := net.ParseIP(c.Addr)
	if ip == nil {
		return 0, errors.Errorf("config: cannot derive zone from invalid address %q", c.Addr)
	}
	v4 := ip.To4()
	if v4 == nil {
		v16 := ip.To16()
		v4 = v16[12:16]
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3]), nil
}

// RegisterFlags binds the CLI flags Load reads config from.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "path to a YAML/TOML/JSON config file")
	flags.String("addr", "127.0.0.1", "address this node binds and advertises")
	flags.Uint16("port", 7000, "port this node listens on")
	flags.Int64("zone", -1, "failure zone id; -1 derives it from the low 4 bytes of addr")
	flags.Uint16("nr-vnodes", 128, "number of placement-ring tokens this node contributes")
	flags.Int("nr-copies", 3, "configured redundancy level")
	flags.String("store-name", "default", "object store namespace")
	flags.String("epoch-log-dir", "./epoch", "directory holding the on-disk epoch log")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
}

// Load builds a Config from flag defaults, a config file (if present via
// --config), NODED_-prefixed environment variables, and flags given on the
// command line, in that ascending precedence order (viper's own ordering).
func Load(flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("noded")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flags); err != nil {
		return Config{}, errors.Wrap(err, "config: bind flags")
	}

	if cfgFile, err := flags.GetString("config"); err == nil && cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrap(err, "config: read config file")
		}
	}

	var cfg Config
	cfg.Addr = v.GetString("addr")
	cfg.Port = uint16(v.GetInt("port"))
	cfg.Zone = v.GetInt64("zone")
	cfg.NrVnodes = uint16(v.GetInt("nr-vnodes"))
	cfg.NrCopies = v.GetInt("nr-copies")
	cfg.StoreName = v.GetString("store-name")
	cfg.EpochLogDir = v.GetString("epoch-log-dir")
	cfg.LogLevel = v.GetString("log-level")

	if cfg.NrCopies < 1 {
		return Config{}, errors.New("config: nr-copies must be >= 1")
	}
	return cfg, nil
}
