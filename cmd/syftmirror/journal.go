package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/syftmirror/internal/config"
	"github.com/openmined/syftmirror/internal/journal"
	"github.com/openmined/syftmirror/internal/utils"
	"github.com/spf13/cobra"
)

func newJournalCmd() *cobra.Command {
	var root, path string
	var limit int

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Print the most recent requests applied by a target",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				if root == "" {
					return errors.New("either --journal or --root is required")
				}
				resolved, err := utils.ResolvePath(root)
				if err != nil {
					return err
				}
				path = config.StatePath(resolved, "journal.db")
			}
			if !utils.FileExists(path) {
				return fmt.Errorf("journal %s not found", path)
			}

			j, err := journal.Open(path)
			if err != nil {
				return err
			}
			defer j.Close()

			entries, err := j.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			total, err := j.Count(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "APPLIED\tEVENT\tPATH\tSIZE\tSTATUS")
			for _, e := range entries {
				status := e.Status
				switch {
				case e.Error != "":
					status += ": " + e.Error
				case e.Skipped:
					status += " (unchanged)"
				}
				size := "-"
				if !e.IsDir && e.Event != "REMOVED" {
					size = humanize.Bytes(uint64(e.Size))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.AppliedAt.Local().Format(time.DateTime), e.Event, displayPath(e.Path, e.IsDir), size, status)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d of %d entries\n", len(entries), total)
			return err
		},
	}

	cmd.Flags().StringVar(&path, "journal", "", "journal database")
	cmd.Flags().StringVarP(&root, "root", "r", "", "target root, to locate its default journal")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to print")
	return cmd
}

func displayPath(p string, isDir bool) string {
	if p == "" {
		p = "."
	}
	if isDir {
		return p + "/"
	}
	return p
}
