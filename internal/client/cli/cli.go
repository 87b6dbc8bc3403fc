// Package cli implements the campusmarket command line client on top of app.App.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iudanet/campusmarket/internal/client/app"
	"github.com/iudanet/campusmarket/internal/client/iocli"
	"github.com/iudanet/campusmarket/internal/client/reconcile"
	"github.com/iudanet/campusmarket/internal/config"
	"github.com/iudanet/campusmarket/internal/errs"
	"github.com/iudanet/campusmarket/internal/logger"
)

// EnvPassword позволяет передать пароль без интерактивного ввода
const EnvPassword = "CAMPUSMARKET_PASSWORD"

// annotationRealtime помечает команды, которым нужно realtime соединение
const annotationRealtime = "realtime"

type globalFlags struct {
	configPath string
	serverURL  string
	dbPath     string
	logLevel   string
	offline    bool
}

// Cli держит состояние одного запуска клиента
type Cli struct {
	io     iocli.IO
	app    *app.App
	logger *zap.Logger
	flags  globalFlags
	// newApp подменяется в тестах
	newApp func(cfg config.Client, opts app.Options) *app.App
}

// New создает CLI с заданным вводом-выводом
func New(io iocli.IO) *Cli {
	return &Cli{io: io, newApp: app.New}
}

// Execute runs the command line and releases the App afterwards.
func (c *Cli) Execute(ctx context.Context, args []string, version string) error {
	root := c.RootCommand(version)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if c.app != nil {
		if terr := c.app.Teardown(); terr != nil {
			err = errors.Join(err, terr)
		}
		c.app = nil
	}
	if c.logger != nil {
		_ = c.logger.Sync()
	}
	return err
}

// RootCommand собирает дерево команд
func (c *Cli) RootCommand(version string) *cobra.Command {
	root := &cobra.Command{
		Use:           "campusmarket",
		Short:         "Campus marketplace client with offline sync",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.start(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.flags.configPath, "config", "", "path to YAML config")
	pf.StringVar(&c.flags.serverURL, "server", "", "server URL (overrides config)")
	pf.StringVar(&c.flags.dbPath, "db", "", "path to local database (overrides config)")
	pf.StringVar(&c.flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.BoolVar(&c.flags.offline, "offline", false, "do not contact the server; changes stay queued")

	root.AddCommand(
		c.registerCommand(),
		c.loginCommand(),
		c.logoutCommand(),
		c.statusCommand(),
		c.listCommand(),
		c.createCommand(),
		c.updateCommand(),
		c.deleteCommand(),
		c.favoriteCommand(),
		c.sendCommand(),
		c.watchCommand(),
		c.queueCommand(),
		c.flushCommand(),
		c.uploadCommand(),
	)
	return root
}

func (c *Cli) start(cmd *cobra.Command) error {
	cfg, err := config.LoadClient(c.flags.configPath)
	if err != nil {
		return err
	}
	if c.flags.serverURL != "" {
		cfg.ServerURL = c.flags.serverURL
	}
	if c.flags.dbPath != "" {
		cfg.DBPath = c.flags.dbPath
	}
	if c.flags.logLevel != "" {
		cfg.LogLevel = c.flags.logLevel
	}

	l, err := logger.New(cfg.LogLevel, "console")
	if err != nil {
		return err
	}
	c.logger = l

	realtime := cmd.Annotations[annotationRealtime] == "true"
	c.app = c.newApp(cfg, app.Options{
		Logger:   l,
		Offline:  c.flags.offline || !realtime,
		Notifier: c.notify,
	})
	if err := c.app.Init(cmd.Context()); err != nil {
		c.app = nil
		return err
	}
	return nil
}

// flush отправляет очередь, если клиент не в офлайн режиме
func (c *Cli) flush(ctx context.Context) error {
	if c.flags.offline {
		c.io.Println("Offline: change queued, run 'campusmarket flush' when connected.")
		return nil
	}
	c.app.SetOnline(true)
	if err := c.app.Outbox().Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush queue: %w", err)
	}
	return nil
}

// ready ждет первичную загрузку; в офлайн режиме работает по локальному состоянию
func (c *Cli) ready(ctx context.Context, engine *reconcile.Engine) error {
	err := engine.Ready(ctx)
	if err == nil {
		return nil
	}
	if errs.Retryable(err) || c.flags.offline {
		c.io.Printf("Warning: server unavailable, showing local state (%v)\n", err)
		return nil
	}
	return err
}

func (c *Cli) notify(n reconcile.Notification) {
	switch n.Kind {
	case reconcile.NotifyConflict:
		c.io.Printf("! conflict on %s/%s: %v\n", n.Collection, n.EntityID, n.Err)
	case reconcile.NotifySyncError:
		c.logger.Debug("sync failed", zap.String("collection", n.Collection), zap.Error(n.Err))
	default:
		c.io.Printf("! %s %s/%s rolled back: %v\n", n.Operation, n.Collection, n.EntityID, n.Err)
	}
}

// readPassword reads the password from the environment or prompts for it.
func (c *Cli) readPassword(prompt string) (string, error) {
	if p := os.Getenv(EnvPassword); p != "" {
		return p, nil
	}
	p, err := c.io.ReadPassword(prompt)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if strings.TrimSpace(p) == "" {
		return "", errors.New("password cannot be empty")
	}
	return p, nil
}
