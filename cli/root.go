// Package cli wires configuration, session, gateway and view into the todo
// command.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yoga-python/coding-projects-todo/config"
	"github.com/yoga-python/coding-projects-todo/gateway"
	"github.com/yoga-python/coding-projects-todo/session"
	"github.com/yoga-python/coding-projects-todo/tasklist"
	"github.com/yoga-python/coding-projects-todo/tui"
)

var errNotSignedIn = errors.New("not signed in; run `todo login` first")

// Options tune the root command. Zero values use the real terminal.
type Options struct {
	Version string
	Out     io.Writer
	Err     io.Writer
	// NewProvider replaces the identity provider chosen from config.
	NewProvider func(cfg config.Client, app *App) (session.Provider, error)
}

// App holds what every subcommand needs once the config is loaded.
type App struct {
	cfg     config.Client
	logger  *log.Logger
	logFile io.Closer

	provider session.Provider
	tracker  *session.Tracker
	sync     *tasklist.Synchronizer

	mu      sync.Mutex
	showURL func(string)
	errOut  io.Writer
}

// OpenURL presents a sign-in URL, inside the view when one is running.
func (a *App) OpenURL(u string) error {
	a.mu.Lock()
	show := a.showURL
	a.mu.Unlock()
	if show != nil {
		show(u)
		return nil
	}
	_, err := fmt.Fprintf(a.errOut, "Open the following URL in your browser to sign in:\n%s\n", u)
	return err
}

func (a *App) setShowURL(fn func(string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.showURL = fn
}

// NewRootCommand builds the todo command tree.
func NewRootCommand(opts Options) *cobra.Command {
	var (
		configPath string
		verbose    bool
		app        = &App{}
	)

	root := &cobra.Command{
		Use:   "todo",
		Short: "Todo Meister - your tasks, in the terminal",
		Long: `Todo Meister keeps a personal task list in the cloud.

Run without a subcommand to open the interactive view.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			app.errOut = cmd.ErrOrStderr()
			return app.init(configPath, verbose, opts)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			app.close()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return tui.Run(cmd.Context(), app.tracker, app.sync, app.logger, app.setShowURL)
		},
	}
	root.Version = opts.Version
	if opts.Out != nil {
		root.SetOut(opts.Out)
	}
	if opts.Err != nil {
		root.SetErr(opts.Err)
	}

	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultClientConfigPath(), "path to the config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging to the log file")

	root.AddCommand(
		newLoginCmd(app),
		newLogoutCmd(app),
		newListCmd(app),
		newAddCmd(app),
		newToggleCmd(app),
	)
	return root
}

// Execute runs the todo command and returns the process exit code.
func Execute(ctx context.Context, version string) int {
	root := NewRootCommand(Options{Version: version})
	if err := root.ExecuteContext(ctx); err != nil {
		fail(root.ErrOrStderr(), err.Error())
		return 1
	}
	return 0
}

func (a *App) init(configPath string, verbose bool, opts Options) error {
	cfg, err := config.LoadClient(configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, closer, err := openLog(cfg.LogFile, verbose)
	if err != nil {
		return err
	}
	a.logger, a.logFile = logger, closer

	newProvider := opts.NewProvider
	if newProvider == nil {
		newProvider = defaultProvider
	}
	provider, err := newProvider(cfg, a)
	if err != nil {
		return err
	}
	a.provider = provider
	a.tracker = session.NewTracker(provider, logger)
	gw := gateway.New(cfg.APIURL, provider, cfg.Timeout.Duration, logger)
	a.sync = tasklist.New(gw, logger)
	logger.WithField("api", cfg.APIURL).Debug("client configured")
	return nil
}

func (a *App) close() {
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

// defaultProvider uses a pre-issued token when one is configured and the
// Google sign-in flow otherwise.
func defaultProvider(cfg config.Client, app *App) (session.Provider, error) {
	if cfg.Token != "" {
		return session.NewStaticProvider(cfg.Token), nil
	}
	return session.NewOAuthProvider(session.OAuthOptions{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectPort: cfg.RedirectPort,
		TokenFile:    cfg.TokenFile,
		OpenURL:      app.OpenURL,
		Logger:       app.logger,
	})
}

// openLog sends client logs to a file; the terminal belongs to the view.
func openLog(path string, verbose bool) (*log.Logger, io.Closer, error) {
	logger := log.New()
	logger.SetFormatter(&log.TextFormatter{DisableColors: true, FullTimestamp: true})
	if verbose {
		logger.SetLevel(log.DebugLevel)
	}
	if path == "" {
		logger.SetOutput(io.Discard)
		return logger, nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger.SetOutput(f)
	return logger, f, nil
}

// signedIn restores the cached session and loads the task list.
func (a *App) signedIn(ctx context.Context) (session.Signal, error) {
	a.tracker.Start(ctx)
	sig := a.tracker.Current()
	if sig.Status != session.StatusSignedIn {
		return sig, errNotSignedIn
	}
	if err := a.sync.Apply(ctx, sig); err != nil {
		return sig, fmt.Errorf("load tasks: %w", err)
	}
	return sig, nil
}
