package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/agenthands/descedge/pkg/casstore"
	"github.com/agenthands/descedge/pkg/cidutil"
	"github.com/agenthands/descedge/pkg/core"
	"github.com/spf13/cobra"
)

func pickCmd() *cobra.Command {
	var prefer string

	cmd := &cobra.Command{
		Use:   "pick <key>...",
		Short: "Print the exit chosen for each key",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ring, err := buildRing(cfg.Exits)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, key := range args {
				fmt.Fprintf(out, "%s\t%s\n", key, ring.Pick(key, prefer))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&prefer, "prefer", "", "locality hint")
	return cmd
}

func getCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Resolve a descriptor through every configured tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := core.ParseKey(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.Log, verbose)
			defer logger.Sync()

			n, err := buildNode(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer n.Close(context.Background())

			d, tier, err := n.store.Resolve(cmd.Context(), key)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d bytes from %s tier (%s)\n", key, len(d.Data), tier, d.ContentType)

			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(d.Data)
				return err
			}
			return os.WriteFile(output, d.Data, 0o644)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write the descriptor to a file instead of stdout")
	return cmd
}

func putCmd() *cobra.Command {
	var contentType string

	cmd := &cobra.Command{
		Use:   "put <key> <file>",
		Short: "Seed the durable tier with a descriptor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := core.ParseKey(args[0])
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.Log, verbose)
			defer logger.Sync()

			durable, closer, err := openDurable(cmd.Context(), cfg.Durable, logger)
			if err != nil {
				return err
			}
			if durable == nil {
				return fmt.Errorf("%w: no durable backend configured", core.ErrInvalidInput)
			}
			defer closer.Close()

			if err := durable.Put(cmd.Context(), key, core.Object{Data: data, ContentType: contentType}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s (%d bytes)\n", key, len(data))
			return nil
		},
	}

	cmd.Flags().StringVar(&contentType, "content-type", "", "content type recorded with the descriptor")
	return cmd
}

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List descriptors in the cas durable store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.Log, verbose)
			defer logger.Sync()

			s, err := openCAS(cmd.Context(), cfg.Durable, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "KEY\tBYTES\tCHUNKS\tCONTENT-TYPE\tSTORED\tMANIFEST")
			err = s.Keys(cmd.Context(), func(key core.Key) error {
				st, err := s.Stat(cmd.Context(), key)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%s\n",
					st.Key, st.Length, st.ChunkCount, st.ContentType,
					st.StoredAt.UTC().Format(time.RFC3339), cidutil.String(st.ManifestCID))
				return nil
			})
			if err != nil {
				return err
			}
			return w.Flush()
		},
	}
}

func fsckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fsck",
		Short: "Verify every block and manifest in the cas durable store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.Log, verbose)
			defer logger.Sync()

			s, err := openCAS(cmd.Context(), cfg.Durable, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			report, err := s.Fsck(cmd.Context())
			if err != nil {
				return err
			}
			return printFsck(cmd, report)
		},
	}
}

func printFsck(cmd *cobra.Command, report casstore.FsckReport) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "packs: %d\nblocks: %d\nkeys: %d\n", report.Packs, report.Blocks, report.Keys)
	for _, p := range report.Problems {
		fmt.Fprintf(out, "problem: %s\n", p)
	}
	if !report.OK() {
		return fmt.Errorf("%w: %d problems found", core.ErrCorrupt, len(report.Problems))
	}
	fmt.Fprintln(out, "ok")
	return nil
}
