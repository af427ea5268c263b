// Package config holds the settings shared by the extfs daemon and CLI.
// Values come from defaults, an optional yaml file, EXTFS_* environment
// variables and command line flags, in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jnwhiteh/extfs/common"
	"github.com/jnwhiteh/extfs/device"
	"github.com/jnwhiteh/extfs/fs"
	"github.com/jnwhiteh/extfs/sched"
)

const EnvPrefix = "EXTFS"

type Cache struct {
	Slots          int `mapstructure:"slots"`
	MaxBufferBytes int `mapstructure:"max_buffer_bytes"`
}

type Inodes struct {
	Slots int `mapstructure:"slots"`
}

type Sched struct {
	CPUs    int           `mapstructure:"cpus"`
	Quantum time.Duration `mapstructure:"quantum"`
}

type Device struct {
	Kind         string        `mapstructure:"kind"` // file, ram or pebble
	Path         string        `mapstructure:"path"`
	Sectors      uint64        `mapstructure:"sectors"`
	ReadOnly     bool          `mapstructure:"read_only"`
	IRQ          bool          `mapstructure:"irq"`
	IRQTimeout   time.Duration `mapstructure:"irq_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type Server struct {
	Network    string `mapstructure:"network"`
	Addr       string `mapstructure:"addr"`
	Workers    int    `mapstructure:"workers"`
	MaxNameLen int    `mapstructure:"max_name_len"`
	Allocator  string `mapstructure:"allocator"`
	UID        uint32 `mapstructure:"uid"` // identity of unauthenticated clients
	GID        uint32 `mapstructure:"gid"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

type Config struct {
	Cache  Cache  `mapstructure:"cache"`
	Inodes Inodes `mapstructure:"inodes"`
	Sched  Sched  `mapstructure:"sched"`
	Device Device `mapstructure:"device"`
	Server Server `mapstructure:"server"`
	Log    Log    `mapstructure:"log"`
}

func Default() Config {
	fc := fs.DefaultConfig()
	return Config{
		Cache:  Cache{Slots: fc.CacheSlots, MaxBufferBytes: fc.MaxBufferBytes},
		Inodes: Inodes{Slots: fc.InodeSlots},
		Sched:  Sched{CPUs: 2, Quantum: 10 * time.Millisecond},
		Device: Device{
			Kind:         "file",
			Path:         "extfs.img",
			Sectors:      16384,
			IRQ:          true,
			IRQTimeout:   500 * time.Millisecond,
			PollInterval: time.Millisecond,
		},
		Server: Server{
			Network:    "tcp",
			Addr:       "127.0.0.1:7070",
			Workers:    fc.Workers,
			MaxNameLen: fc.MaxNameLen,
			Allocator:  "bitmap",
			UID:        fc.RemoteUID,
			GID:        fc.RemoteGID,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// defaults lists every key with its default so that environment variables
// are seen by Unmarshal.
func defaults(v *viper.Viper) {
	d := Default()
	for k, val := range map[string]interface{}{
		"cache.slots":            d.Cache.Slots,
		"cache.max_buffer_bytes": d.Cache.MaxBufferBytes,
		"inodes.slots":           d.Inodes.Slots,
		"sched.cpus":             d.Sched.CPUs,
		"sched.quantum":          d.Sched.Quantum,
		"device.kind":            d.Device.Kind,
		"device.path":            d.Device.Path,
		"device.sectors":         d.Device.Sectors,
		"device.read_only":       d.Device.ReadOnly,
		"device.irq":             d.Device.IRQ,
		"device.irq_timeout":     d.Device.IRQTimeout,
		"device.poll_interval":   d.Device.PollInterval,
		"server.network":         d.Server.Network,
		"server.addr":            d.Server.Addr,
		"server.workers":         d.Server.Workers,
		"server.max_name_len":    d.Server.MaxNameLen,
		"server.allocator":       d.Server.Allocator,
		"server.uid":             d.Server.UID,
		"server.gid":             d.Server.GID,
		"log.level":              d.Log.Level,
		"log.format":             d.Log.Format,
	} {
		v.SetDefault(k, val)
	}
}

// Flags registers the command line flags that override configuration keys.
// Bind them with BindFlags once they are parsed into cmd's flag set.
func Flags(f *pflag.FlagSet) {
	d := Default()
	f.String("config", "", "yaml configuration file")
	f.String("device", d.Device.Path, "image file or pebble directory")
	f.String("kind", d.Device.Kind, "device kind: file, ram or pebble")
	f.String("addr", d.Server.Addr, "address the daemon listens on")
	f.String("network", d.Server.Network, "tcp or unix")
	f.String("log-level", d.Log.Level, "log level")
	f.String("log-format", d.Log.Format, "log format: text or json")
}

var flagKeys = map[string]string{
	"device":     "device.path",
	"kind":       "device.kind",
	"addr":       "server.addr",
	"network":    "server.network",
	"log-level":  "log.level",
	"log-format": "log.format",
}

func BindFlags(v *viper.Viper, f *pflag.FlagSet) error {
	for name, key := range flagKeys {
		if fl := f.Lookup(name); fl != nil {
			if err := v.BindPFlag(key, fl); err != nil {
				return err
			}
		}
	}
	return nil
}

// Load reads the configuration from v. If file is not empty it is read as
// yaml first.
func Load(v *viper.Viper, file string) (Config, error) {
	defaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading %s: %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding configuration: %w", err)
	}
	return cfg, cfg.Validate()
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("config: "+format+": %w", append(args, common.EINVAL)...)
}

func (c Config) Validate() error {
	pow2 := func(n int) bool { return n > 0 && n&(n-1) == 0 }
	switch {
	case !pow2(c.Cache.Slots):
		return invalid("cache.slots %d is not a power of two", c.Cache.Slots)
	case c.Cache.MaxBufferBytes < 0:
		return invalid("cache.max_buffer_bytes is negative")
	case c.Inodes.Slots <= 0:
		return invalid("inodes.slots must be positive")
	case c.Sched.CPUs <= 0:
		return invalid("sched.cpus must be positive")
	case c.Sched.Quantum < 0:
		return invalid("sched.quantum is negative")
	case c.Server.Workers <= 0:
		return invalid("server.workers must be positive")
	case c.Server.MaxNameLen <= 0 || c.Server.MaxNameLen > common.MaxNameLen:
		return invalid("server.max_name_len must be in 1..%d", common.MaxNameLen)
	case c.Server.Network != "tcp" && c.Server.Network != "unix":
		return invalid("unknown network %q", c.Server.Network)
	case c.Log.Format != "text" && c.Log.Format != "json":
		return invalid("unknown log format %q", c.Log.Format)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return invalid("%v", err)
	}
	switch c.Device.Kind {
	case "file", "pebble":
		if c.Device.Path == "" {
			return invalid("device.path is required for %s devices", c.Device.Kind)
		}
	case "ram":
	default:
		return invalid("unknown device kind %q", c.Device.Kind)
	}
	if c.Device.Kind != "file" && c.Device.Sectors == 0 {
		return invalid("device.sectors must be positive")
	}
	return nil
}

// FS returns the filesystem service settings.
func (c Config) FS() fs.Config {
	return fs.Config{
		CacheSlots:     c.Cache.Slots,
		MaxBufferBytes: c.Cache.MaxBufferBytes,
		InodeSlots:     c.Inodes.Slots,
		Workers:        c.Server.Workers,
		MaxNameLen:     c.Server.MaxNameLen,
		Allocator:      c.Server.Allocator,
		RemoteUID:      c.Server.UID,
		RemoteGID:      c.Server.GID,
	}
}

func (c Config) Scheduler() sched.Config {
	return sched.Config{CPUs: c.Sched.CPUs, Quantum: c.Sched.Quantum}
}

// Logger builds the root logger.
func (c Config) Logger() *log.Logger {
	l := log.New()
	l.SetOutput(os.Stderr)
	if lvl, err := log.ParseLevel(c.Log.Level); err == nil {
		l.SetLevel(lvl)
	}
	if c.Log.Format == "json" {
		l.SetFormatter(&log.JSONFormatter{})
	} else {
		l.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return l
}

// Open opens the configured device behind a controller. A ram device starts
// out zeroed.
func (d Device) Open(logger *log.Entry) (common.BlockDevice, error) {
	var dev common.BlockDevice
	switch d.Kind {
	case "ram":
		dev = device.NewRamdisk(d.Sectors)
	case "file":
		f, err := device.OpenFile(d.Path, d.ReadOnly)
		if err != nil {
			return nil, err
		}
		dev = f
	case "pebble":
		p, err := device.OpenPebble(d.Path, d.Sectors, vfs.Default, true)
		if err != nil {
			return nil, err
		}
		dev = p
	default:
		return nil, invalid("unknown device kind %q", d.Kind)
	}
	return device.NewController(dev, device.ControllerConfig{
		IRQ:          d.IRQ,
		IRQTimeout:   d.IRQTimeout,
		PollInterval: d.PollInterval,
	}, logger.WithField("component", "controller")), nil
}
