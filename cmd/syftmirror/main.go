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

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/syftmirror/internal/utils"
	"github.com/openmined/syftmirror/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	home, _          = os.UserHomeDir()
	defaultConfigDir = filepath.Join(home, ".config", "syftmirror")
	configFileName   = "config"
	envPrefix        = "SYFTMIRROR"
	logTimeFormat    = "2006-01-02T15:04:05.000Z07:00"
)

// logOutput is closed once the command returns.
var logOutput io.Closer

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "syftmirror",
		Short:        "One-way directory mirror",
		Version:      version.Detailed(),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, _ := cmd.Flags().GetString("log-level")
			logFile, _ := cmd.Flags().GetString("log-file")
			closer, err := setupLogger(cmd.ErrOrStderr(), level, logFile)
			if err != nil {
				return err
			}
			logOutput = closer
			return nil
		},
	}

	cmd.PersistentFlags().StringP("config", "c", "", "config file (json or yaml)")
	cmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn or error")
	cmd.PersistentFlags().String("log-file", "", "also write logs to this file")

	cmd.AddCommand(
		newSourceCmd(),
		newTargetCmd(),
		newLocalCmd(),
		newJournalCmd(),
		newVersionCmd(),
	)
	return cmd
}

func main() {
	if utils.FileExists(".env") {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
		}
	}

	// Setup root context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if logOutput != nil {
		logOutput.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}

// setupLogger installs a tint handler on w and, when logFile is set, a text
// handler writing to it through a LogInterceptor.
func setupLogger(w io.Writer, levelName, logFile string) (io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", levelName)
	}

	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}
	handlers := []slog.Handler{
		tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: logTimeFormat,
			NoColor:    noColor,
		}),
	}

	var closer io.Closer
	if logFile != "" {
		if err := utils.EnsureParent(logFile); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		interceptor := utils.NewLogInterceptor(file)
		handlers = append(handlers, slog.NewTextHandler(interceptor, &slog.HandlerOptions{
			Level: level,
			// time is added by the interceptor
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey && len(groups) == 0 {
					return slog.Attr{}
				}
				return a
			},
		}))
		closer = multiCloser{interceptor, file}
	}

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(handlers...)))
	return closer, nil
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var errs []error
	for _, c := range m {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// loadConfig reads the config file, binds the given flags and enables
// SYFTMIRROR_* environment overrides. bindings maps viper keys to flag names.
func loadConfig(cmd *cobra.Command, v *viper.Viper, bindings map[string]string) error {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(defaultConfigDir)
		v.SetConfigName(configFileName)
	}

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		var notFound viper.ConfigFileNotFoundError
		if !enoent && !errors.As(err, &notFound) {
			return fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	} else {
		slog.Debug("config loaded", "path", v.ConfigFileUsed())
	}

	for key, flag := range bindings {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	return nil
}
