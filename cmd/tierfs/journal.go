package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/INLOpen/tierfs/journal"
	"github.com/INLOpen/tierfs/master"
	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newJournalCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the metadata journal",
	}
	cmd.AddCommand(
		newJournalSegmentsCmd(flags),
		newJournalDumpCmd(flags),
		newJournalVerifyCmd(flags),
	)
	return cmd
}

// openJournal opens the journal of the configured master directory for
// reading. It refuses to create a journal where there is none.
func openJournal(cmd *cobra.Command, flags *rootFlags) (*journal.Journal, error) {
	cfg, err := flags.loadConfig()
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(cfg.Master.DataDir, master.JournalDirName)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("no journal at %s: %w", dir, err)
	}
	return journal.Open(journal.Options{Dir: dir, Logger: toolLogger(cmd.ErrOrStderr())})
}

func firstSeq(j *journal.Journal) uint64 {
	if segs := j.Segments(); len(segs) > 0 {
		return segs[0]
	}
	return 1
}

func newJournalSegmentsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "segments",
		Short: "List journal segments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := openJournal(cmd, flags)
			if err != nil {
				return err
			}
			defer j.Close()

			t := newTable(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"First Seq", "Path", "Size", "Modified"})
			var total uint64
			for _, first := range j.Segments() {
				path := j.SegmentPath(first)
				info, err := os.Stat(path)
				if err != nil {
					return err
				}
				total += uint64(info.Size())
				t.AppendRow(table.Row{first, filepath.Base(path), humanize.IBytes(uint64(info.Size())), humanize.Time(info.ModTime())})
			}
			t.AppendFooter(table.Row{"", fmt.Sprintf("%d segments", len(j.Segments())), humanize.IBytes(total), ""})
			t.Render()
			return nil
		},
	}
}

func newJournalDumpCmd(flags *rootFlags) *cobra.Command {
	var (
		from       uint64
		limit      int
		bestEffort bool
	)
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print journal entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := openJournal(cmd, flags)
			if err != nil {
				return err
			}
			defer j.Close()
			if from == 0 {
				from = firstSeq(j)
			}

			entries := j.Replay(from)
			if bestEffort {
				entries = j.ReplayBestEffort(from)
			}
			t := newTable(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Seq", "Type", "Version", "Payload"})
			n := 0
			for e, err := range entries {
				if err != nil {
					t.Render()
					return err
				}
				t.AppendRow(table.Row{e.SeqNum, e.Type(), e.Version, fmt.Sprintf("%+v", e.Payload)})
				n++
				if limit > 0 && n >= limit {
					break
				}
			}
			t.AppendFooter(table.Row{"", "", "", fmt.Sprintf("%d entries", n)})
			t.Render()
			return nil
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 0, "First sequence number to print (default: start of the journal)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of entries to print (0 means all)")
	cmd.Flags().BoolVar(&bestEffort, "best-effort", false, "Skip unknown entry types and stop quietly at corruption")
	return cmd
}

func newJournalVerifyCmd(flags *rootFlags) *cobra.Command {
	var bestEffort bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check every journal record and the sequence numbering",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := openJournal(cmd, flags)
			if err != nil {
				return err
			}
			defer j.Close()

			from := firstSeq(j)
			entries := j.Replay(from)
			if bestEffort {
				entries = j.ReplayBestEffort(from)
			}
			counts := make(map[journal.EntryType]int)
			var types []journal.EntryType
			var last uint64
			for e, err := range entries {
				if err != nil {
					return fmt.Errorf("journal verification failed after seq %d: %w", last, err)
				}
				if counts[e.Type()] == 0 {
					types = append(types, e.Type())
				}
				counts[e.Type()]++
				last = e.SeqNum
			}

			t := newTable(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Entry Type", "Count"})
			total := 0
			for _, typ := range types {
				t.AppendRow(table.Row{typ, humanize.Comma(int64(counts[typ]))})
				total += counts[typ]
			}
			t.AppendFooter(table.Row{"Total", humanize.Comma(int64(total))})
			t.Render()
			if total == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Journal OK: empty")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Journal OK: seq %d to %d\n", from, last)
			return nil
		},
	}
	cmd.Flags().BoolVar(&bestEffort, "best-effort", false, "Skip unknown entry types and stop quietly at corruption")
	return cmd
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}
