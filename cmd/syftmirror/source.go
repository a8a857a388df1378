package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/openmined/syftmirror/internal/config"
	"github.com/openmined/syftmirror/internal/fsys"
	"github.com/openmined/syftmirror/internal/replication"
	"github.com/openmined/syftmirror/internal/transport"
	"github.com/openmined/syftmirror/internal/wsproto"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newSourceCmd() *cobra.Command {
	v := viper.New()
	v.SetDefault("prune", true)

	cmd := &cobra.Command{
		Use:   "source",
		Short: "Mirror a local directory to a target server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, v, map[string]string{
				"root":        "root",
				"server_url":  "server",
				"transport":   "transport",
				"encoding":    "encoding",
				"ignore_file": "ignore",
				"prune":       "prune",
			})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := &config.SourceConfig{
				Root:       v.GetString("root"),
				ServerURL:  v.GetString("server_url"),
				Transport:  v.GetString("transport"),
				Encoding:   v.GetString("encoding"),
				IgnoreFile: v.GetString("ignore_file"),
				Prune:      v.GetBool("prune"),
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runSource(cmd.Context(), cfg)
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().StringP("root", "r", "", "directory to mirror")
	cmd.Flags().StringP("server", "s", config.DefaultServerURL, "target server url")
	cmd.Flags().String("transport", config.TransportWS, "transport: ws or http")
	cmd.Flags().String("encoding", "json", "websocket encoding: json or msgpack")
	cmd.Flags().String("ignore", "", "extra ignore file")
	cmd.Flags().Bool("prune", true, "remove target entries missing from the source after the initial sync")
	return cmd
}

func runSource(ctx context.Context, cfg *config.SourceConfig) error {
	ignoreList, err := cfg.IgnoreList()
	if err != nil {
		return err
	}

	t, closeTransport, err := newTransport(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeTransport()

	osfs := fsys.NewOSFS()
	defer osfs.Close()

	src, err := replication.NewSource(osfs, filepath.ToSlash(cfg.Root), t,
		replication.WithIgnore(ignoreList),
		replication.WithPrune(cfg.Prune),
	)
	if err != nil {
		return err
	}
	defer src.Close()

	slog.Info("source start", "root", cfg.Root, "server", cfg.ServerURL, "transport", cfg.Transport, "ignore rules", ignoreList.Rules())
	if err := src.Initialize(ctx); err != nil {
		return err
	}
	slog.Info("source watching", "dirs", len(src.WatchedDirs()))

	<-ctx.Done()

	stats := src.Stats()
	slog.Info("source stop", "sent", stats.Sent, "failed", stats.Failed, "dropped", stats.Dropped)
	return nil
}

func newTransport(ctx context.Context, cfg *config.SourceConfig) (replication.Transport, func(), error) {
	switch cfg.Transport {
	case config.TransportHTTP:
		return transport.NewHTTPClient(cfg.ServerURL), func() {}, nil

	case config.TransportWS:
		enc, err := wsproto.ParseEncoding(cfg.Encoding)
		if err != nil {
			return nil, nil, err
		}
		client, err := transport.NewWSClient(cfg.ServerURL, enc)
		if err != nil {
			return nil, nil, err
		}
		if err := client.Connect(ctx); err != nil {
			return nil, nil, err
		}
		return client, func() { client.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
