package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/neopool/jormaster/src/common"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultSecretFile is the default name of the YAML document containing
	// the node secret used to promote a runner to leader.
	DefaultSecretFile = "node_secret.yaml"
)

// Default configuration values. All durations are wall-clock; the height
// delay is in blocks.
const (
	DefaultLogLevel       = "info"
	DefaultRunners        = 3
	DefaultPortPrefix     = 310
	DefaultUnitTemplate   = "jorm_runner@%d.service"
	DefaultTipURL         = "https://api.pooltool.io/v0/sharemytip"
	DefaultStatsURL       = "https://pooltool.s3-us-west-2.amazonaws.com/stats/stats.json"
	DefaultPoolToolWait   = 30 * time.Second
	DefaultMaxHeightDelay = 5
	DefaultCatchUpGrace   = 30 * time.Second
	DefaultMaxBootTime    = 900 * time.Second
	DefaultEventThreshold = 30 * time.Second
	DefaultSafeStartLead  = 300 * time.Second
	DefaultLoopPeriod     = 2 * time.Second
	DefaultServiceAddr    = "127.0.0.1:8000"
	DefaultNoService      = false
)

// Config contains all the configuration properties of a jormaster process.
type Config struct {
	// DataDir is the directory searched for the config file and the node
	// secret.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, duplicates the log stream to a file.
	LogFile string `mapstructure:"log-file"`

	// Runners is the number of supervised node instances. Runner ids are
	// 0..Runners-1 and are fixed for the life of the process.
	Runners int `mapstructure:"runners"`

	// PortPrefix is the REST API port without its last digit; runner id i
	// listens on <PortPrefix><i>.
	PortPrefix int `mapstructure:"port-prefix"`

	// UnitTemplate is the supervisor unit name template, instantiated with
	// the runner id.
	UnitTemplate string `mapstructure:"unit-template"`

	// SecretFile is the path of the node secret document. Empty means
	// <datadir>/node_secret.yaml.
	SecretFile string `mapstructure:"secret-file"`

	// PoolID is the pool identifier registered with PoolTool.
	PoolID string `mapstructure:"pool-id"`

	// UserID is the PoolTool account identifier.
	UserID string `mapstructure:"user-id"`

	// GenesisHash is the chain's genesis block hash.
	GenesisHash string `mapstructure:"genesis"`

	// TipURL and StatsURL are the PoolTool endpoints.
	TipURL   string `mapstructure:"tip-url"`
	StatsURL string `mapstructure:"stats-url"`

	// PoolToolWait is the minimum time between PoolTool requests, applied
	// to sends and receives independently.
	PoolToolWait time.Duration `mapstructure:"pooltool-wait"`

	// MaxHeightDelay is the number of blocks a Running node may lag behind
	// the known maximum before it is considered stuck.
	MaxHeightDelay int64 `mapstructure:"max-height-delay"`

	// CatchUpGrace is how long a freshly-synced node is given to catch up
	// before stuck detection applies to it.
	CatchUpGrace time.Duration `mapstructure:"catchup-grace"`

	// MaxBootTime is how long a bootstrap may take before the runner is
	// restarted.
	MaxBootTime time.Duration `mapstructure:"max-boot-time"`

	// EventThreshold is how long before a scheduled event the master starts
	// preparing for it (suspending bootstrappers, hibernating).
	EventThreshold time.Duration `mapstructure:"event-threshold"`

	// SafeStartLead is the minimum slack before the next scheduled event
	// required to consider a restart safe.
	SafeStartLead time.Duration `mapstructure:"safe-start-lead"`

	// LoopPeriod is the control loop tick period.
	LoopPeriod time.Duration `mapstructure:"loop-period"`

	// NoService disables the HTTP stats service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the HTTP stats service.
	ServiceAddr string `mapstructure:"service-listen"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	return &Config{
		DataDir:        DefaultDataDir(),
		LogLevel:       DefaultLogLevel,
		Runners:        DefaultRunners,
		PortPrefix:     DefaultPortPrefix,
		UnitTemplate:   DefaultUnitTemplate,
		TipURL:         DefaultTipURL,
		StatsURL:       DefaultStatsURL,
		PoolToolWait:   DefaultPoolToolWait,
		MaxHeightDelay: DefaultMaxHeightDelay,
		CatchUpGrace:   DefaultCatchUpGrace,
		MaxBootTime:    DefaultMaxBootTime,
		EventThreshold: DefaultEventThreshold,
		SafeStartLead:  DefaultSafeStartLead,
		LoopPeriod:     DefaultLoopPeriod,
		NoService:      DefaultNoService,
		ServiceAddr:    DefaultServiceAddr,
	}
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SecretPath returns the full path of the node secret document.
func (c *Config) SecretPath() string {
	if c.SecretFile != "" {
		return c.SecretFile
	}
	return filepath.Join(c.DataDir, DefaultSecretFile)
}

// Logger returns a formatted logrus Entry with prefix set to "jormaster".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogFile != "" {
			pathMap := lfshook.PathMap{}
			for _, l := range logrus.AllLevels {
				pathMap[l] = c.LogFile
			}
			c.logger.Hooks.Add(lfshook.NewHook(pathMap, &logrus.TextFormatter{
				DisableColors: true,
			}))
		}
	}
	return c.logger.WithField("prefix", "jormaster")
}

// DefaultDataDir returns the default directory for jormaster configuration,
// attempting to respect OS conventions.
func DefaultDataDir() string {
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Jormaster")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Jormaster")
		} else {
			return filepath.Join(home, ".jormaster")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel maps a level name to a logrus level. Unknown names fall back to
// debug.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
