package main

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/mikequentel/threadrelay/internal/markup"
	"github.com/mikequentel/threadrelay/internal/segment"
)

func newSplitCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "split [text...]",
		Short: "Print how text would be split into a thread (reads stdin without args)",
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if len(args) == 0 {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				text = string(b)
			}
			return printSegments(cmd.OutOrStdout(), markup.StripHTML(text), limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", segment.DefaultLimit, "maximum characters per post")
	return cmd
}

func printSegments(w io.Writer, text string, limit int) error {
	segments, err := segment.Split(text, limit)
	if err != nil {
		return err
	}
	for i, s := range segments {
		fmt.Fprintf(w, "--- %d/%d (%d chars)\n%s\n", i+1, len(segments), utf8.RuneCountInString(s), s)
	}
	return nil
}
