package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chameleoncloud/portalsync/internal/config"
	"github.com/chameleoncloud/portalsync/internal/directory"
	"github.com/chameleoncloud/portalsync/internal/store"
	"github.com/chameleoncloud/portalsync/internal/tas"
)

// env is what a command needs after its config file has been loaded.
type env struct {
	cfg    config.Config
	logger *slog.Logger
	out    *OutputFormatter
}

// loadEnv reads the config file and targets dbName (empty keeps the
// configured database name). Config problems are command errors.
func loadEnv(opts *RootOptions, cmd *cobra.Command, path, dbName string) (*env, error) {
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)
	out := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return &env{cfg: cfg.WithName(dbName), logger: logger, out: out}, nil
}

// newLogger returns a text logger on w, at debug level when verbose.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openStore opens the configured Local Store. An unreachable database is a
// connectivity failure.
func (e *env) openStore(ctx context.Context) (*store.Store, error) {
	e.logger.Info("opening database", "driver", e.cfg.Database.Driver, "name", e.cfg.Database.Name)
	st, err := store.OpenDriver(ctx, e.cfg.Database.Driver, e.cfg.Database.ResolvedDSN())
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to open database", err)
	}
	return st, nil
}

func (e *env) tasClient() *tas.Client {
	return tas.NewClient(tas.Config{
		BaseURL:      e.cfg.TAS.URL,
		ClientKey:    e.cfg.TAS.ClientKey,
		ClientSecret: e.cfg.TAS.ClientSecret,
		Timeout:      e.cfg.TAS.RequestTimeout(),
	})
}

// dialDirectory connects to LDAP. A config without an ldap section is a
// command error.
func (e *env) dialDirectory() (*directory.Directory, error) {
	if e.cfg.LDAP == nil {
		return nil, NewExitError(ExitCommandError, "config has no ldap section")
	}
	d, err := directory.Dial(directory.Config{
		URL:          e.cfg.LDAP.URL,
		BindDN:       e.cfg.LDAP.BindDN,
		BindPassword: e.cfg.LDAP.BindPassword,
		BaseDN:       e.cfg.LDAP.BaseDN,
	}, e.logger)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to connect to ldap", err)
	}
	return d, nil
}

func closeStore(st *store.Store, logger *slog.Logger) {
	if err := st.Close(); err != nil {
		logger.Error("error closing database", "error", err)
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command, logger *slog.Logger) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}
