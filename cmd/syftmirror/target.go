package main

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/openmined/syftmirror/internal/config"
	"github.com/openmined/syftmirror/internal/fsys"
	"github.com/openmined/syftmirror/internal/ignore"
	"github.com/openmined/syftmirror/internal/journal"
	"github.com/openmined/syftmirror/internal/replication"
	"github.com/openmined/syftmirror/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newTargetCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "target",
		Short: "Serve a mirror directory for a source to replicate into",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, v, map[string]string{
				"root":      "root",
				"addr":      "bind",
				"journal":   "journal",
				"lock":      "lock",
				"cert_file": "cert",
				"key_file":  "key",
			})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := &config.TargetConfig{
				Root:        v.GetString("root"),
				Addr:        v.GetString("addr"),
				JournalPath: v.GetString("journal"),
				LockPath:    v.GetString("lock"),
				CertFile:    v.GetString("cert_file"),
				KeyFile:     v.GetString("key_file"),
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runTarget(cmd.Context(), cfg)
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().StringP("root", "r", "", "mirror directory")
	cmd.Flags().StringP("bind", "b", config.DefaultAddr, "address to bind the server")
	cmd.Flags().String("journal", "", "journal database (default: per-root state dir)")
	cmd.Flags().String("lock", "", "lock file (default: per-root state dir)")
	cmd.Flags().String("cert", "", "path to the certificate file")
	cmd.Flags().String("key", "", "path to the key file")
	return cmd
}

func runTarget(ctx context.Context, cfg *config.TargetConfig) error {
	j, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return err
	}
	defer j.Close()

	keep := ignore.New(cfg.Root)
	if err := keep.Load(); err != nil {
		return err
	}

	osfs := fsys.NewOSFS()
	defer osfs.Close()

	target := replication.NewTarget(osfs, filepath.ToSlash(cfg.Root),
		replication.WithRecorder(j),
		replication.WithTargetIgnore(keep),
	)

	srv, err := server.New(&server.Config{
		Http: &server.HttpServerConfig{
			Addr:     cfg.Addr,
			CertFile: cfg.CertFile,
			KeyFile:  cfg.KeyFile,
		},
		LockPath: cfg.LockPath,
	}, target)
	if err != nil {
		return err
	}

	slog.Info("target start", "root", cfg.Root, "journal", cfg.JournalPath)
	defer slog.Info("Bye!")
	return srv.Start(ctx)
}
