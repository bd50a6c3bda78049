// Command warden runs the agent process supervisor: an HTTP intake API,
// the periodic watchdog sweep, and a repository lock wrapper for CLIs.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opsforge/warden/internal/admission"
	"github.com/opsforge/warden/internal/config"
	"github.com/opsforge/warden/internal/coordflag"
	"github.com/opsforge/warden/internal/notify"
	"github.com/opsforge/warden/internal/probe"
	"github.com/opsforge/warden/internal/repolock"
	"github.com/opsforge/warden/internal/server"
	"github.com/opsforge/warden/internal/store"
	"github.com/opsforge/warden/internal/supervisor"
	"github.com/opsforge/warden/internal/watchdog"
)

var version = "0.3.0"

const (
	// Exit codes reserved by the lock wrapper. A wrapped command exiting
	// with one of these is remapped so callers can always tell lock
	// failures from command failures.
	exitLockTimeout     = 124
	exitInvalidResource = 125
	exitCodeCollision   = 126
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "warden",
		Short:         "Process supervisor for AI agent workers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file path")

	root.AddCommand(newServeCmd())
	root.AddCommand(newWatchdogCmd())
	root.AddCommand(newLockCmd())
	root.AddCommand(newFlagCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func parseDur(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("config_event=bad_duration value=%q fallback=%s", value, fallback)
		return fallback
	}
	return d
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor API and the watchdog sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			st, err := store.NewFileStore(cfg.Supervisor.StorePath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			sysProbe := probe.NewSystemProbe()
			flag := coordflag.New(cfg.Watchdog.FlagPath, parseDur(cfg.Watchdog.FlagStaleAfter, coordflag.DefaultStaleAfter))
			notifier := notify.FromURL(cfg.Notify.WebhookURL)

			sup := supervisor.New(supervisor.Options{
				WorkerCommand: cfg.Supervisor.WorkerCommand,
				RoleTag:       cfg.Supervisor.RoleTag,
				LogDir:        cfg.Supervisor.LogDir,
				AdmitWait:     parseDur(cfg.Supervisor.AdmitWait, supervisor.DefaultAdmitWait),
				Limits: admission.Limits{
					MaxConcurrent: cfg.Supervisor.MaxConcurrent,
					MinFreeGB:     float64(cfg.Supervisor.MinFreeGB),
				},
			}, st, sysProbe, flag, notifier)

			wd := watchdog.New(
				watchdogOptions(cfg),
				sysProbe,
				flag,
				sup.Registry().PrimaryPID,
				notifier,
			)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go wd.Run(ctx)

			srv := server.New(sup)
			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start(cfg.Address())
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				log.Printf("main_event=shutdown signal=%s", sig)
			}

			cancel()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf("main_event=server_shutdown_failed error=%q", err)
			}
			sup.Shutdown()
			return st.ForceSave()
		},
	}
}

func watchdogOptions(cfg *config.Config) watchdog.Options {
	return watchdog.Options{
		Interval:         parseDur(cfg.Watchdog.Interval, watchdog.DefaultInterval),
		RoleTag:          cfg.Supervisor.RoleTag,
		MaxWorkers:       cfg.Watchdog.MaxWorkers,
		SessionDir:       cfg.Watchdog.SessionDir,
		SessionPattern:   cfg.Watchdog.SessionPattern,
		SessionRetention: cfg.Watchdog.SessionRetention,
		BuildTag:         cfg.Watchdog.BuildTag,
		BuildAgeLimit:    parseDur(cfg.Watchdog.BuildAgeLimit, 300*time.Second),
		BuildAgeExtended: parseDur(cfg.Watchdog.BuildAgeExtended, 600*time.Second),
		CriticalFreeGB:   float64(cfg.Watchdog.CriticalFreeGB),
		HealthURL:        cfg.Watchdog.HealthURL,
		RestartCommand:   cfg.Watchdog.RestartCommand,
		ActionLog:        cfg.Watchdog.ActionLog,
	}
}

func newWatchdogCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "watchdog",
		Short: "Run the enforcement sweep without the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			flag := coordflag.New(cfg.Watchdog.FlagPath, parseDur(cfg.Watchdog.FlagStaleAfter, coordflag.DefaultStaleAfter))
			wd := watchdog.New(
				watchdogOptions(cfg),
				probe.NewSystemProbe(),
				flag,
				nil,
				notify.FromURL(cfg.Notify.WebhookURL),
			)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if once {
				wd.Sweep(ctx)
				return nil
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				cancel()
			}()

			wd.Run(ctx)
			return nil
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and exit")
	return cmd
}

func newLockCmd() *cobra.Command {
	var repoPath string
	var timeoutStr string

	cmd := &cobra.Command{
		Use:   "lock --repo <path> [--timeout <dur>] -- <command> [args...]",
		Short: "Run a command holding the repository's advisory lock",
		Long: `Runs a command while holding an exclusive advisory lock on the
repository, so concurrent mutating commands from any process or container
sharing the filesystem are serialized.

Exit codes: the wrapped command's own exit code on success; 124 when the
lock could not be acquired in time; 125 when the path is not a repository.
A wrapped command exiting 124 or 125 itself is reported as 126.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if repoPath == "" {
				repoPath, err = os.Getwd()
				if err != nil {
					return fmt.Errorf("resolve working directory: %w", err)
				}
			}

			timeout := parseDur(timeoutStr, parseDur(cfg.Lock.Timeout, repolock.DefaultTimeout))

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			broker := repolock.NewBroker()
			result, err := broker.WithLock(ctx, repoPath, args, timeout)

			switch result.Status {
			case repolock.StatusLockTimeout:
				fmt.Fprintf(os.Stderr, "warden: lock timeout after %s on %s\n", timeout, repoPath)
				os.Exit(exitLockTimeout)
			case repolock.StatusInvalidResource:
				fmt.Fprintf(os.Stderr, "warden: %v\n", err)
				os.Exit(exitInvalidResource)
			}
			if err != nil {
				return err
			}

			code := result.ExitCode
			if code == exitLockTimeout || code == exitInvalidResource {
				code = exitCodeCollision
			}
			if code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&repoPath, "repo", "", "repository path (default: current directory)")
	cmd.Flags().StringVar(&timeoutStr, "timeout", "", "lock acquisition timeout")
	return cmd
}

func newFlagCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flag <on|off|status>",
		Short: "Manage the protected-mode coordination marker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flag := coordflag.New(cfg.Watchdog.FlagPath, parseDur(cfg.Watchdog.FlagStaleAfter, coordflag.DefaultStaleAfter))

			switch args[0] {
			case "on":
				if err := flag.Activate(); err != nil {
					return err
				}
				fmt.Printf("protected mode on (%s)\n", flag.Path())
			case "off":
				if err := flag.Clear(); err != nil {
					return err
				}
				fmt.Printf("protected mode off (%s)\n", flag.Path())
			case "status":
				if flag.Active() {
					fmt.Println("active")
				} else {
					fmt.Println("inactive")
				}
			default:
				return fmt.Errorf("unknown flag action: %s", args[0])
			}
			return nil
		},
	}
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("warden %s\n", version)
		},
	}
}
