// Command mxkeys inspects and manages the local credential keys of a Matrix
// client session.
//
// Usage:
//
//	mxkeys pickle                    Show or create the device pickle key
//	mxkeys token-save <token>        Cache an access token
//	mxkeys token-load                Print the cached access token
//	mxkeys verify-device <dev>       Mark one of your devices as verified
//	mxkeys resolve-key [key-id...]   Unlock a secret storage key
//	mxkeys recovery-key              Generate a new recovery key
//	mxkeys request-secret <name>     Ask your other devices for a secret
package main

import (
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"

	"github.com/gwillem/mxkeys"
	"github.com/gwillem/mxkeys/internal/config"
	"github.com/gwillem/mxkeys/internal/mxapi"
)

type globalOpts struct {
	Config     string `long:"config" description:"Path to YAML config file"`
	DB         string `long:"db" description:"Path to key database"`
	User       string `short:"u" long:"user" description:"Matrix user ID (e.g. @alice:example.org)"`
	Device     string `short:"d" long:"device" description:"Device ID"`
	Homeserver string `long:"homeserver" description:"Homeserver base URL"`
	Verbose    bool   `short:"v" long:"verbose" description:"Enable debug logging"`

	Pickle        pickleCommand        `command:"pickle" description:"Show the device pickle key, creating it if needed"`
	TokenSave     tokenSaveCommand     `command:"token-save" description:"Cache an access token for this session"`
	TokenLoad     tokenLoadCommand     `command:"token-load" description:"Print the cached access token"`
	VerifyDevice  verifyDeviceCommand  `command:"verify-device" description:"Record one of your devices as verified"`
	ResolveKey    resolveKeyCommand    `command:"resolve-key" description:"Unlock a secret storage key with a passphrase or recovery key"`
	RecoveryKey   recoveryKeyCommand   `command:"recovery-key" description:"Generate a new random recovery key"`
	RequestSecret requestSecretCommand `command:"request-secret" description:"Request a secret from your other devices"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	path := opts.Config
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if opts.DB != "" {
		cfg.DBPath = opts.DB
	}
	if opts.User != "" {
		cfg.UserID = opts.User
	}
	if opts.Device != "" {
		cfg.DeviceID = opts.Device
	}
	if opts.Homeserver != "" {
		cfg.Homeserver = opts.Homeserver
	}
	if opts.Verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).
		With().Timestamp().Logger()
}

// openSession opens the session named by the config, with extra options.
func openSession(cfg *config.Config, extra ...mxkeys.Option) (*mxkeys.Session, error) {
	if cfg.UserID == "" || cfg.DeviceID == "" {
		return nil, fmt.Errorf("--user and --device are required (or set user_id and device_id in the config file)")
	}
	sopts := []mxkeys.Option{
		mxkeys.WithDBPath(cfg.DBPath),
		mxkeys.WithLegacyPath(cfg.LegacyPath),
		mxkeys.WithLogger(newLogger(cfg)),
	}
	return mxkeys.Open(cfg.UserID, cfg.DeviceID, append(sopts, extra...)...)
}

// apiClient returns a homeserver client authenticated with the cached access
// token, falling back to the configured one.
func apiClient(cfg *config.Config, s *mxkeys.Session, token string) (*mxapi.Client, error) {
	if cfg.Homeserver == "" {
		return nil, fmt.Errorf("--homeserver is required (or set homeserver in the config file)")
	}
	if token == "" {
		token = cfg.AccessToken
	}
	if token == "" {
		return nil, fmt.Errorf("no access token: run token-save first")
	}
	return mxapi.NewClient(cfg.Homeserver, s.UserID(), token, mxapi.WithLogger(newLogger(cfg))), nil
}
