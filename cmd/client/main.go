package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/treesync/internal/client"
	"github.com/openmined/treesync/internal/client/config"
	"github.com/openmined/treesync/internal/utils"
	"github.com/openmined/treesync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var home, _ = os.UserHomeDir()

const envPrefix = "TREESYNC"

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "treesync [dir]",
		Short:   "Keep a local directory in sync with a remote app tree",
		Version: version.Detailed(),
		Args:    cobra.MaximumNArgs(1),
		// main prints errors with guidance
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, args)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			prompter, err := newPrompter(cmd)
			if err != nil {
				return err
			}

			// all good now, show header
			cmd.SilenceUsage = true
			showHeader(cmd.OutOrStdout(), cfg)

			c, err := client.New(cfg, prompter)
			if err != nil {
				return err
			}

			defer slog.Info("Bye!")
			return runClient(cmd.Context(), c)
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().StringP("dir", "d", "", "Directory to sync")
	cmd.Flags().StringP("app", "a", "", "Application id on the server")
	cmd.Flags().StringP("server", "s", config.DefaultServerURL, "Sync server URL")
	cmd.Flags().String("token", "", "Access token for the sync server")
	cmd.Flags().Int("debounce", config.DefaultPublishDebounceMs, "Publish debounce in milliseconds")
	cmd.Flags().Int("stability", config.DefaultStabilityThresholdMs, "Write stability threshold in milliseconds")
	cmd.Flags().Int("poll", config.DefaultPollIntervalMs, "Write stability poll interval in milliseconds")
	cmd.Flags().String("on-conflict", "", "Answer for local changes at startup: cancel, merge or reset")
	cmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "treesync config file")

	return cmd
}

func main() {
	closeLogs, err := setupLogging(config.DefaultLogFilePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to setup logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLogs()

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		printError(err)
		closeLogs()
		os.Exit(1)
	}
}

func setupLogging(logFile string) (func(), error) {
	if err := utils.EnsureParent(logFile); err != nil {
		return nil, err
	}

	rotator := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
	}

	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	logInterceptor := utils.NewLogInterceptor(rotator)
	fileHandler := slog.NewTextHandler(logInterceptor, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// Do not include time as it is added by the log interceptor.
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler)))

	closed := false
	return func() {
		if closed {
			return
		}
		closed = true
		logInterceptor.Close()
		rotator.Close()
	}, nil
}

// runClient maps every SIGINT/SIGTERM to one graceful stop of the client.
func runClient(ctx context.Context, c *client.Client) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case sig := <-sigCh:
				slog.Info("received signal, stopping", "signal", sig)
				c.Stop()
			case <-done:
				return
			}
		}
	}()

	return c.Start(ctx)
}

func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	// an optional .env in the working directory
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	configPath := resolveConfigPath(cmd)

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return nil, fmt.Errorf("config read '%s': %w", configPath, err)
		}
	}

	flags := cmd.Flags()
	bindings := map[string]string{
		"dir":                    "dir",
		"app_id":                 "app",
		"server_url":             "server",
		"access_token":           "token",
		"publish_debounce_ms":    "debounce",
		"stability_threshold_ms": "stability",
		"poll_interval_ms":       "poll",
	}
	for key, flag := range bindings {
		if f := flags.Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	cfg := &config.Config{
		Dir:                  v.GetString("dir"),
		AppID:                v.GetString("app_id"),
		ServerURL:            v.GetString("server_url"),
		AccessToken:          v.GetString("access_token"),
		PublishDebounceMs:    v.GetInt("publish_debounce_ms"),
		StabilityThresholdMs: v.GetInt("stability_threshold_ms"),
		PollIntervalMs:       v.GetInt("poll_interval_ms"),
		Path:                 configPath,
	}
	if len(args) > 0 {
		cfg.Dir = args[0]
	}

	return cfg, nil
}

func showHeader(w io.Writer, cfg *config.Config) {
	color.New(color.FgHiCyan, color.Bold).Fprintln(w, "treesync "+version.Short())
	fmt.Fprintf(w, "%s %s\n", lightGray.Render("dir   "), cyan.Render(cfg.Dir))
	fmt.Fprintf(w, "%s %s\n", lightGray.Render("app   "), cyan.Render(cfg.AppID))
	fmt.Fprintf(w, "%s %s\n", lightGray.Render("server"), cyan.Render(cfg.ServerURL))
	fmt.Fprintf(w, "%s %s\n", lightGray.Render("logs  "), gray.Render(filepath.Clean(config.DefaultLogFilePath)))
}

func printError(err error) {
	fmt.Fprintf(os.Stderr, "%s %s\n", color.New(color.FgHiRed, color.Bold).Sprint("ERROR"), err)
	if errors.Is(err, client.ErrSessionExpired) {
		fmt.Fprintf(os.Stderr, "The stored access token was removed. Provide a new one with %s or %s_ACCESS_TOKEN.\n",
			green.Render("--token"), envPrefix)
	}
}
