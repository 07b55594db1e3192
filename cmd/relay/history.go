package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mikequentel/threadrelay/internal/journal"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the most recently relayed threads from the journal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cfg.Journal.Path == "" {
				return errors.New("journal.path is not set")
			}
			j, err := journal.Open(cfg.Journal.Path)
			if err != nil {
				return err
			}
			defer j.Close()
			return printHistory(cmd.Context(), cmd.OutOrStdout(), j, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of threads to list")
	return cmd
}

func printHistory(ctx context.Context, w io.Writer, j *journal.Journal, n int) error {
	entries, err := j.Recent(ctx, n)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "no threads recorded")
		return nil
	}
	for _, e := range entries {
		media := ""
		if e.HasMedia {
			media = " +photo"
		}
		fmt.Fprintf(w, "%s  message %d -> %d posts%s: %s\n",
			e.PostedAt.UTC().Format("2006-01-02 15:04:05"), e.MessageID, len(e.PostIDs), media, strings.Join(e.PostIDs, ","))
	}
	return nil
}
