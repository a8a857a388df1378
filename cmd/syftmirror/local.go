package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/openmined/syftmirror/internal/config"
	"github.com/openmined/syftmirror/internal/fsys"
	"github.com/openmined/syftmirror/internal/ignore"
	"github.com/openmined/syftmirror/internal/replication"
	"github.com/openmined/syftmirror/internal/transport"
	"github.com/openmined/syftmirror/internal/utils"
	"github.com/openmined/syftmirror/internal/wsproto"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newLocalCmd() *cobra.Command {
	var src, dst, ignoreFile string
	var prune bool

	cmd := &cobra.Command{
		Use:   "local",
		Short: "Mirror one local directory into another in a single process",
		RunE: func(cmd *cobra.Command, args []string) error {
			srcCfg := &config.SourceConfig{
				Root:       src,
				ServerURL:  config.DefaultServerURL,
				IgnoreFile: ignoreFile,
				Prune:      prune,
			}
			if err := srcCfg.Validate(); err != nil {
				return err
			}
			dstRoot, err := utils.ResolvePath(dst)
			if err != nil {
				return fmt.Errorf("dst: %w", err)
			}
			if utils.IsWithin(srcCfg.Root, dstRoot) || utils.IsWithin(dstRoot, srcCfg.Root) {
				return fmt.Errorf("src %s and dst %s must not contain one another", srcCfg.Root, dstRoot)
			}
			return runLocal(cmd.Context(), srcCfg, dstRoot)
		},
	}

	cmd.Flags().StringVar(&src, "src", "", "directory to mirror")
	cmd.Flags().StringVar(&dst, "dst", "", "mirror directory")
	cmd.Flags().StringVar(&ignoreFile, "ignore", "", "extra ignore file")
	cmd.Flags().BoolVar(&prune, "prune", true, "remove dst entries missing from src after the initial sync")
	cmd.MarkFlagRequired("src")
	cmd.MarkFlagRequired("dst")
	return cmd
}

func runLocal(ctx context.Context, cfg *config.SourceConfig, dstRoot string) error {
	ignoreList, err := cfg.IgnoreList()
	if err != nil {
		return err
	}
	keep := ignore.New(dstRoot)
	if err := keep.Load(); err != nil {
		return err
	}

	osfs := fsys.NewOSFS()
	defer osfs.Close()

	target := replication.NewTarget(osfs, filepath.ToSlash(dstRoot), replication.WithTargetIgnore(keep))
	src, err := replication.NewSource(osfs, filepath.ToSlash(cfg.Root),
		transport.NewLoopback(target, wsproto.EncodingJSON),
		replication.WithIgnore(ignoreList),
		replication.WithPrune(cfg.Prune),
	)
	if err != nil {
		return err
	}
	defer src.Close()

	slog.Info("local mirror start", "src", cfg.Root, "dst", dstRoot)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := src.Initialize(egCtx); err != nil {
			return fmt.Errorf("local mirror initial sync: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		return src.Close()
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("local mirror failure", "error", err)
		return err
	}

	stats := target.Stats()
	slog.Info("local mirror stop", "applied", stats.Applied, "failed", stats.Failed, "skipped writes", stats.SkippedWrites, "pruned", stats.Pruned)
	return nil
}
