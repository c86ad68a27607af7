package main

import (
	"fmt"
	"path/filepath"

	"github.com/INLOpen/tierfs/checkpoint"
	"github.com/INLOpen/tierfs/core"
	"github.com/INLOpen/tierfs/master"
	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newCheckpointCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Create and inspect checkpoints",
	}
	cmd.AddCommand(newCheckpointCreateCmd(flags), newCheckpointListCmd(flags))
	return cmd
}

func newCheckpointCreateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Open the master directory offline and write a checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			opts, err := masterOptions(cfg, toolLogger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			m, err := master.Open(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("failed to open master: %w", err)
			}
			info, err := m.Checkpoint(cmd.Context())
			if closeErr := m.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Checkpoint %s covers seq %d (%s, %s raw)\n",
				filepath.Base(info.Path), info.SeqNum, humanize.IBytes(uint64(info.CompressedBytes)), humanize.IBytes(uint64(info.RawBytes)))
			return nil
		},
	}
}

func newCheckpointListCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List checkpoints and check that each one is readable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			dir := filepath.Join(cfg.Master.DataDir, master.CheckpointDirName)
			seqs, err := checkpoint.List(dir)
			if err != nil {
				return fmt.Errorf("failed to list checkpoints in %s: %w", dir, err)
			}

			t := newTable(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Seq", "File", "Compression", "State Size", "Status"})
			for _, seq := range seqs {
				name := checkpoint.FileName(seq)
				cp, err := checkpoint.Read(filepath.Join(dir, name))
				switch {
				case core.IsCorruptionError(err):
					t.AppendRow(table.Row{seq, name, "", "", "corrupt"})
				case err != nil:
					return err
				default:
					t.AppendRow(table.Row{seq, name, cp.Compression, humanize.IBytes(uint64(len(cp.Body))), "ok"})
				}
			}
			t.AppendFooter(table.Row{"", fmt.Sprintf("%d checkpoints", len(seqs)), "", "", ""})
			t.Render()
			return nil
		},
	}
}
