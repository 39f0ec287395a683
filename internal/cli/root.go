// Package cli provides the command-line interface for photarc.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/photarc/photarc/internal/api"
	"github.com/photarc/photarc/internal/archive"
	"github.com/photarc/photarc/internal/channel"
	"github.com/photarc/photarc/internal/config"
	"github.com/photarc/photarc/internal/diskspace"
	"github.com/photarc/photarc/internal/events"
	"github.com/photarc/photarc/internal/logging"
	"github.com/photarc/photarc/internal/policy"
	"github.com/photarc/photarc/internal/run"
	"github.com/photarc/photarc/internal/version"
)

var (
	// Global flags
	cfgFile   string
	serverURL string
	token     string
	verbose   bool

	// Global logger
	logger *logging.Logger

	// Global context for signal handling
	rootContext context.Context
	cancelFunc  context.CancelFunc
)

// sessionTimeout bounds the wait for the initial policy list and for
// action outcomes that should resolve quickly.
const sessionTimeout = 30 * time.Second

// minArchiveSpace is the free-space floor checked before a streamed
// archive opens. The server never announces the archive size up front.
const minArchiveSpace int64 = 256 * 1024 * 1024

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "photarc",
		Short: "photarc - manage photo download policies from the terminal",
		Long: `photarc ` + version.Version + ` - Built: ` + version.BuildTime + `
Client for a photarc policy server. Policies name a photo library download:
the account, the album, the destination. The server runs them; this client
creates, starts, watches and interrupts them.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = logging.NewDefault()
			if verbose {
				logging.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Server URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Session token (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (shows debug messages)")

	rootCmd.Version = version.Version + " (" + version.BuildTime + ")"

	rootCmd.AddCommand(newLoginCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newCreateCmd())
	rootCmd.AddCommand(newSaveCmd())
	rootCmd.AddCommand(newDeleteCmd())
	rootCmd.AddCommand(newDuplicateCmd())
	rootCmd.AddCommand(newImportCmd())
	rootCmd.AddCommand(newExportCmd())
	rootCmd.AddCommand(newAuthCmd())
	rootCmd.AddCommand(newMFACmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newInterruptCmd())
	rootCmd.AddCommand(newCancelScheduleCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newLogsCmd())

	return rootCmd
}

// Execute runs the root command with signal-aware context.
func Execute() int {
	rootContext, cancelFunc = context.WithCancel(context.Background())
	defer cancelFunc()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancelFunc()
	}()

	if err := NewRootCmd().Execute(); err != nil {
		return 1
	}
	return 0
}

// session bundles everything an online command needs.
type session struct {
	cfg  *config.Config
	ch   *channel.Channel
	ctrl *run.Controller
	bus  *events.Bus
}

// openSession loads config, probes the server, dials the channel and waits
// for the initial policy list.
func openSession(ctx context.Context) (*session, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if token != "" {
		cfg.Token = token
	}

	client := api.NewClient(cfg.ServerURL, cfg.Token, logger)
	if _, err := client.Health(ctx); err != nil {
		return nil, fmt.Errorf("server unreachable: %w", err)
	}

	ch, err := channel.Dial(channel.Config{
		URL:        cfg.ServerURL,
		Token:      cfg.Token,
		ClientID:   cfg.ClientID,
		MaxRetries: cfg.Reconnect.MaxRetries,
		RetryDelay: cfg.Reconnect.Duration(),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(0)
	replaced := bus.Subscribe(events.EventPoliciesReplaced)

	sinks := func(name string) (archive.Sink, error) {
		if err := diskspace.Check(cfg.DownloadDir, minArchiveSpace); err != nil {
			return nil, err
		}
		return archive.NewFileSink(cfg.DownloadDir, name)
	}
	ctrl := run.NewController(ch, policy.NewSet(), bus, logger, sinks)
	if err := ctrl.Start(); err != nil {
		ch.Close()
		return nil, err
	}

	select {
	case <-replaced:
	case <-time.After(sessionTimeout):
		ch.Close()
		return nil, errors.New("timed out waiting for policy list")
	case <-ctx.Done():
		ch.Close()
		return nil, ctx.Err()
	}

	return &session{cfg: cfg, ch: ch, ctrl: ctrl, bus: bus}, nil
}

func (s *session) close() {
	_ = s.ch.Close()
	s.bus.Close()
}

// await blocks until an action's outcome arrives, the timeout passes, or
// the context is cancelled.
func await(ctx context.Context, outcomes <-chan run.Outcome, timeout time.Duration) (run.Outcome, error) {
	select {
	case out := <-outcomes:
		return out, nil
	case <-time.After(timeout):
		return run.Outcome{}, errors.New("timed out waiting for server response")
	case <-ctx.Done():
		return run.Outcome{}, ctx.Err()
	}
}

// outcomeChan returns a DoneFunc feeding a buffered channel.
func outcomeChan() (chan run.Outcome, run.DoneFunc) {
	ch := make(chan run.Outcome, 1)
	return ch, func(out run.Outcome) {
		select {
		case ch <- out:
		default:
		}
	}
}
