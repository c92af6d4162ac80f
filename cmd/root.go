// Package cmd implements the palss CLI.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/palss/localsync/internal/autopull"
	"github.com/palss/localsync/internal/config"
	"github.com/palss/localsync/internal/metrics"
	"github.com/palss/localsync/internal/models"
	"github.com/palss/localsync/internal/outbox"
	"github.com/palss/localsync/internal/remote"
	"github.com/palss/localsync/internal/repo"
	"github.com/palss/localsync/internal/session"
	"github.com/palss/localsync/internal/store"
	"github.com/palss/localsync/internal/syncmanager"
)

var version string

// SetVersion sets the version string shown by --version.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

var rootCmd = &cobra.Command{
	Use:   "palss",
	Short: "Local-first data sync for the dashboard",
	Long: `palss keeps a local cache of dashboard data in sync with the remote
data service: queued writes with retry, background replication and
operator-driven reconciliation.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initLogger)
}

// initLogger configures the default slog logger.
// PALSS_LOG_LEVEL selects the level, PALSS_LOG_FORMAT=json switches the
// handler; the default is text at info, quiet enough for interactive use.
func initLogger() {
	var level slog.Level
	switch strings.ToLower(os.Getenv("PALSS_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("PALSS_LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// engine is the fully wired sync engine behind every command.
type engine struct {
	store    *store.Store
	factory  *repo.Factory
	queue    *outbox.Queue
	writer   *outbox.Writer
	states   *autopull.States
	settings *autopull.Settings
	puller   *autopull.Puller
	memory   *metrics.MemorySink
	manager  *syncmanager.Manager
}

// openEngine wires the engine from the on-disk config. The caller must
// Close it.
func openEngine() (*engine, error) {
	path, err := config.DataPath()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, err
	}

	logger := slog.Default()

	local := repo.LocalBackends(st)
	var remoteBackends repo.Backends
	var identity session.Provider = session.Static{}
	if creds, err := config.LoadAuth(); err == nil && creds != nil && creds.APIKey != "" {
		client := remote.New(config.RemoteURL(), creds.APIKey, creds.OrgID)
		client.HTTP.Timeout = config.RemoteTimeout()
		remoteBackends = remote.Backends(client)
		identity = session.Static{Identity: session.Identity{
			UserID: creds.UserID,
			OrgID:  creds.OrgID,
			Email:  creds.Email,
		}}
	}

	mode, err := repo.ParseMode(config.Mode())
	if err != nil {
		st.Close()
		return nil, err
	}
	if mode == repo.ModeRemote && remoteBackends == nil {
		st.Close()
		return nil, fmt.Errorf("remote mode configured but not logged in; run: palss auth login")
	}

	factory, err := repo.NewFactory(local, remoteBackends, mode)
	if err != nil {
		st.Close()
		return nil, err
	}

	queue := outbox.NewQueue(st)
	writer := outbox.NewWriter(queue, factory, identity, logger)
	states := autopull.NewStates(st)
	settings := autopull.NewSettings(st)
	memory := &metrics.MemorySink{}
	sink := metrics.MultiSink{metrics.SlogSink{Logger: logger}, memory}
	puller := autopull.NewPuller(st, factory, states, sink, logger)
	snapshots := syncmanager.NewSnapshots(st)
	manager := syncmanager.New(st, factory, snapshots, states, logger)

	return &engine{
		store:    st,
		factory:  factory,
		queue:    queue,
		writer:   writer,
		states:   states,
		settings: settings,
		puller:   puller,
		memory:   memory,
		manager:  manager,
	}, nil
}

func (e *engine) Close() error {
	return e.store.Close()
}

func (e *engine) logger() *slog.Logger {
	return slog.Default()
}

// requireRemote fails fast for commands that only make sense against
// the remote service.
func (e *engine) requireRemote() error {
	if e.factory.Remote(models.EntityClients) == nil {
		return fmt.Errorf("no remote service configured; run: palss auth login")
	}
	return nil
}
