// Package config parses the daemon's command-line and config-file
// options and turns the pool options into the Config type the tempbucket
// package consumes, the way the teacher's own root config.go turns
// flags-parsed fields into the per-subsystem structs the rest of lnd
// wires up.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/opennet-go/opennetd/tempbucket"
)

const daemonVersion = "0.1.0"

const (
	defaultConfigFilename = "opennetd.conf"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"

	defaultMaxHTL = 18

	// The four literal timeouts named in the wire message disjunctions:
	// admission, body transfer, the body stage's NoderefRejected
	// alternative, and the drain phase's absolute deadline.
	defaultAdmissionTimeout      = 5000 * time.Millisecond
	defaultBodyTimeout           = 240000 * time.Millisecond
	defaultNoderefRejectTimeout  = 5000 * time.Millisecond
	defaultDrainTimeout          = 30000 * time.Millisecond
	defaultMaxRAMBucketSize      = 256 * 1024
	defaultMaxRAMUsed            = 16 * 1024 * 1024
	defaultConversionFactor      = 4
	defaultMaxAge                = 5 * time.Minute
	defaultSweepWorkers          = 2
	defaultNotWantedRateLimit    = 5.0
	defaultNotWantedBurst        = 10
)

var (
	defaultHomeDir   = btcHomeDir()
	DefaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultHomeDir, defaultDataDirname)
)

func btcHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "."
	}
	return filepath.Join(home, ".opennetd")
}

// Config is the flat set of options accepted on the command line or in an
// ini-style config file. TempBucketConfig fans the pool options out into a
// tempbucket.Config; the daemon copies the announce options into its
// announce.Config itself.
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"Directory to store the daemon's data within"`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical}"`

	ListenAddr string `long:"listen" description:"Address to accept peer connections on"`

	MaxHTL uint16 `long:"maxhtl" description:"Process-wide ceiling on hops-to-live for originated and relayed announcements"`

	AdmissionTimeout     time.Duration `long:"admissiontimeout" description:"How long to wait for a peer to accept or reject an announcement request"`
	BodyTimeout          time.Duration `long:"bodytimeout" description:"How long to wait for a noderef reply body once admitted"`
	NoderefRejectTimeout time.Duration `long:"noderefrejecttimeout" description:"How long to wait for a NoderefRejected during body upload"`
	DrainTimeout         time.Duration `long:"draintimeout" description:"Absolute deadline for late replies once the next hop has sent AnnounceCompleted"`

	MaxRAMBucketSize int64         `long:"maxrambucketsize" description:"Largest estimated buffer size that still starts out RAM-backed"`
	MaxRAMUsed       int64         `long:"maxramused" description:"Pool-wide cap on RAM-backed bytes in use; 0 disables RAM-backed buffers"`
	ConversionFactor int64         `long:"conversionfactor" description:"Multiple of maxrambucketsize a RAM-backed buffer may grow to before forced migration"`
	MaxAge           time.Duration `long:"maxbucketage" description:"How long a RAM-backed buffer may live before the sweep migrates it regardless of size"`
	ReallyEncrypt    bool          `long:"reallyencrypt" description:"Encrypt file-backed buffers with an ephemeral per-bucket AES-CTR key"`
	SweepWorkers     int           `long:"sweepworkers" description:"Number of concurrent migration batches the pool's worker pool will run"`

	NotWantedRateLimit float64 `long:"notwantedratelimit" description:"Maximum NodeNotWanted messages relayed upstream per second"`
	NotWantedBurst     int     `long:"notwantedburst" description:"Burst allowance for the NodeNotWanted relay rate limiter"`
}

// DefaultConfig returns the daemon's defaults, matching the literal
// timeouts and pool thresholds named in the wire message disjunctions and
// the tempbucket pool's own DefaultConfig.
func DefaultConfig() Config {
	return Config{
		ConfigFile:           DefaultConfigFile,
		DataDir:              defaultDataDir,
		DebugLevel:           defaultLogLevel,
		MaxHTL:               defaultMaxHTL,
		AdmissionTimeout:     defaultAdmissionTimeout,
		BodyTimeout:          defaultBodyTimeout,
		NoderefRejectTimeout: defaultNoderefRejectTimeout,
		DrainTimeout:         defaultDrainTimeout,
		MaxRAMBucketSize:     defaultMaxRAMBucketSize,
		MaxRAMUsed:           defaultMaxRAMUsed,
		ConversionFactor:     defaultConversionFactor,
		MaxAge:               defaultMaxAge,
		ReallyEncrypt:        false,
		SweepWorkers:         defaultSweepWorkers,
		NotWantedRateLimit:   defaultNotWantedRateLimit,
		NotWantedBurst:       defaultNotWantedBurst,
	}
}

// LoadConfig parses the command line, then any config file it names, then
// the command line again so flags take precedence over the file, mirroring
// the teacher's own two-pass flags.Parse/flags.IniParse/flags.Parse
// sequence.
func LoadConfig() (*Config, error) {
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	if preCfg.ShowVersion {
		fmt.Println("opennetd version", daemonVersion)
		os.Exit(0)
	}

	cfg := preCfg
	if err := flags.IniParse(cfg.ConfigFile, &cfg); err != nil {
		if _, ok := err.(*flags.IniError); ok {
			return nil, err
		}
		// Missing config file is fine; anything else is a parse error
		// already reported above.
	}

	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("unable to create data directory: %w", err)
	}

	return &cfg, nil
}

// TempBucketConfig fans this Config out into the tempbucket pool's own
// Config shape.
func (c *Config) TempBucketConfig() tempbucket.Config {
	return tempbucket.Config{
		MaxRAMBucketSize: c.MaxRAMBucketSize,
		MaxRAMUsed:       c.MaxRAMUsed,
		ConversionFactor: c.ConversionFactor,
		MaxAge:           c.MaxAge,
		ReallyEncrypt:    c.ReallyEncrypt,
		TempDir:          filepath.Join(c.DataDir, "tmp"),
		SweepWorkers:     c.SweepWorkers,
	}
}
