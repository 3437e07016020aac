package tcc

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
)

const (
	defaultAddr                = "127.0.0.1:9470"
	defaultDataDir             = "tcc_data"
	defaultParallelism         = 16
	defaultRetryTimes          = 3
	defaultRetryInterval       = 10 * time.Second
	defaultRetryTimer          = "fixed"
	defaultInvokeTimeout       = 5 * time.Second
	defaultExpireTimeout       = 60 * time.Second
	defaultExpireCheckInterval = 10 * time.Second
	defaultRecoverPollInterval = time.Second
	defaultStorageType         = "leveldb"
	defaultLogLevel            = "info"
)

// Duration is a time.Duration that is written as "10s" in config files.
type Duration struct {
	time.Duration
}

func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.WithStack(err)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// StorageConfig selects the durable transaction log.
type StorageConfig struct {
	// Type is "leveldb" or "db".
	Type string `toml:"type" json:"type"`
	// Path of the leveldb directory, defaults to <data-dir>/txlog.
	Path string `toml:"path" json:"path"`
	// Dialect and DSN are passed to gorm.Open when Type is "db".
	Dialect string `toml:"dialect" json:"dialect"`
	DSN     string `toml:"dsn" json:"dsn"`
}

// Config is the configuration of the coordinator.
type Config struct {
	*flag.FlagSet `toml:"-" json:"-"`

	Addr    string `toml:"addr" json:"addr"`
	DataDir string `toml:"data-dir" json:"data-dir"`

	// Parallelism is the number of retries that may be in flight.
	Parallelism int `toml:"parallelism" json:"parallelism"`
	// RetryTimes is the attempt budget of a failed confirm or cancel.
	RetryTimes    int      `toml:"retry-times" json:"retry-times"`
	RetryInterval Duration `toml:"retry-interval" json:"retry-interval"`
	// RetryTimer is "fixed" or "double".
	RetryTimer    string   `toml:"retry-timer" json:"retry-timer"`
	InvokeTimeout Duration `toml:"invoke-timeout" json:"invoke-timeout"`

	// Registered transactions older than ExpireTimeout are expired.
	ExpireTimeout       Duration `toml:"expire-timeout" json:"expire-timeout"`
	ExpireCheckInterval Duration `toml:"expire-check-interval" json:"expire-check-interval"`

	RecoverPollInterval Duration `toml:"recover-poll-interval" json:"recover-poll-interval"`

	Storage StorageConfig `toml:"storage" json:"storage"`
	Log     log.Config    `toml:"log" json:"log"`

	configFile string
}

// NewConfig creates a config with its command line flags.
func NewConfig() *Config {
	cfg := &Config{}
	cfg.FlagSet = flag.NewFlagSet("tccd", flag.ContinueOnError)
	fs := cfg.FlagSet

	fs.StringVar(&cfg.configFile, "config", "", "Config file")
	fs.StringVar(&cfg.Addr, "addr", "", "Address to serve begin/confirm/cancel on")
	fs.StringVar(&cfg.DataDir, "data-dir", "", "Path to the data directory")
	fs.StringVar(&cfg.Log.Level, "L", "", "Log level: debug, info, warn, error, fatal")
	fs.StringVar(&cfg.Log.File.Filename, "log-file", "", "Log file path")

	return cfg
}

// NewDefaultConfig returns a config with every item set to its default.
func NewDefaultConfig() *Config {
	cfg := &Config{}
	if err := cfg.Adjust(nil); err != nil {
		panic(err)
	}
	return cfg
}

// Parse parses flag definitions from the argument list.
func (c *Config) Parse(arguments []string) error {
	// Parse first to get config file.
	err := c.FlagSet.Parse(arguments)
	if err != nil {
		return errors.WithStack(err)
	}

	var meta *toml.MetaData
	if c.configFile != "" {
		meta, err = c.configFromFile(c.configFile)
		if err != nil {
			return err
		}
	}

	// Parse again to replace with command line options.
	err = c.FlagSet.Parse(arguments)
	if err != nil {
		return errors.WithStack(err)
	}

	if len(c.FlagSet.Args()) != 0 {
		return errors.Errorf("'%s' is an invalid flag", c.FlagSet.Arg(0))
	}

	return c.Adjust(meta)
}

func (c *Config) configFromFile(path string) (*toml.MetaData, error) {
	meta, err := toml.DecodeFile(path, c)
	return &meta, errors.WithStack(err)
}

// Adjust fills the unset items with defaults and rejects unknown items.
func (c *Config) Adjust(meta *toml.MetaData) error {
	if meta != nil {
		if undecoded := meta.Undecoded(); len(undecoded) != 0 {
			var keys []string
			for _, key := range undecoded {
				keys = append(keys, key.String())
			}
			return errors.Errorf("config contains undefined item: %s", strings.Join(keys, ", "))
		}
	}

	adjustString(&c.Addr, defaultAddr)
	adjustString(&c.DataDir, defaultDataDir)
	adjustInt(&c.Parallelism, defaultParallelism)
	adjustInt(&c.RetryTimes, defaultRetryTimes)
	adjustDuration(&c.RetryInterval, defaultRetryInterval)
	adjustString(&c.RetryTimer, defaultRetryTimer)
	adjustDuration(&c.InvokeTimeout, defaultInvokeTimeout)
	adjustDuration(&c.ExpireTimeout, defaultExpireTimeout)
	adjustDuration(&c.ExpireCheckInterval, defaultExpireCheckInterval)
	adjustDuration(&c.RecoverPollInterval, defaultRecoverPollInterval)
	adjustString(&c.Storage.Type, defaultStorageType)
	adjustString(&c.Storage.Path, c.DataDir+"/txlog")
	adjustString(&c.Log.Level, defaultLogLevel)

	return c.Validate()
}

// Validate is used to validate if some configurations are right.
func (c *Config) Validate() error {
	if c.Parallelism <= 0 {
		return errors.Errorf("parallelism must be positive, got %d", c.Parallelism)
	}
	if c.RetryTimes <= 0 {
		return errors.Errorf("retry-times must be positive, got %d", c.RetryTimes)
	}
	if c.RetryTimer != "fixed" && c.RetryTimer != "double" {
		return errors.Errorf("unknown retry-timer %q", c.RetryTimer)
	}
	switch c.Storage.Type {
	case "leveldb":
	case "db":
		if c.Storage.Dialect == "" || c.Storage.DSN == "" {
			return errors.New("storage type db needs dialect and dsn")
		}
	default:
		return errors.Errorf("unknown storage type %q", c.Storage.Type)
	}
	return nil
}

func (c *Config) String() string {
	return fmt.Sprintf("Config(addr:%s, data-dir:%s, parallelism:%d, retry-times:%d, retry-interval:%v, storage:%s)",
		c.Addr, c.DataDir, c.Parallelism, c.RetryTimes, c.RetryInterval.Duration, c.Storage.Type)
}

func adjustString(v *string, defValue string) {
	if len(*v) == 0 {
		*v = defValue
	}
}

func adjustInt(v *int, defValue int) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustDuration(v *Duration, defValue time.Duration) {
	if v.Duration == 0 {
		v.Duration = defValue
	}
}
