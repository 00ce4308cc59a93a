package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/andywolf/taskflow/internal/snapshot"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect and move the episodic memory snapshot",
	Long: `Inspect, export and import the memories taskflow keeps between runs.

The snapshot file is snapshot.path from the config unless --db is given.

Example:
  taskflow memory stats
  taskflow memory export memories.json
  taskflow memory import memories.json --replace`,
}

var memoryStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize stored memories",
	Args:  cobra.NoArgs,
	RunE:  memoryStats,
}

var memoryExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write memories as JSON (stdout when no file is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  memoryExport,
}

var memoryImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Merge memories from a JSON export",
	Args:  cobra.ExactArgs(1),
	RunE:  memoryImport,
}

func init() {
	rootCmd.AddCommand(memoryCmd)
	memoryCmd.AddCommand(memoryStatsCmd, memoryExportCmd, memoryImportCmd)

	memoryCmd.PersistentFlags().String("db", "", "Snapshot file (overrides snapshot.path)")
	memoryImportCmd.Flags().Bool("replace", false, "Replace the snapshot instead of merging into it")
}

func openSnapshot(cmd *cobra.Command) (*snapshot.Store, error) {
	path, _ := cmd.Flags().GetString("db")
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		path = cfg.Snapshot.Path
	}
	if path == "" {
		return nil, errors.New("no snapshot configured (set snapshot.path or pass --db)")
	}
	return snapshot.Open(path)
}

func memoryStats(cmd *cobra.Command, args []string) error {
	store, err := openSnapshot(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	stats, err := store.Stats(cmd.Context())
	if err != nil {
		return err
	}
	printStats(cmd.OutOrStdout(), store.Path(), stats)
	return nil
}

func printStats(w io.Writer, path string, s snapshot.Stats) {
	fmt.Fprintf(w, "Snapshot: %s\n", path)
	fmt.Fprintf(w, "Memories: %d\n", s.Total)
	if s.Total == 0 {
		return
	}
	fmt.Fprintf(w, "Oldest:   %s\n", s.Oldest.Format(time.RFC3339))
	fmt.Fprintf(w, "Newest:   %s\n", s.Newest.Format(time.RFC3339))
	printCounts(w, "By domain:", s.ByDomain)
	printCounts(w, "By outcome:", s.ByOutcome)
}

func printCounts(w io.Writer, title string, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintln(w, title)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-12s %d\n", k, counts[k])
	}
}

func memoryExport(cmd *cobra.Command, args []string) error {
	store, err := openSnapshot(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	memories, err := store.Load(cmd.Context())
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if len(args) == 1 {
		f, err := os.Create(args[0])
		if err != nil {
			return fmt.Errorf("failed to create export file: %w", err)
		}
		defer func() { _ = f.Close() }()
		w = f
	}
	if err := snapshot.WriteJSON(w, memories); err != nil {
		return err
	}
	if len(args) == 1 {
		fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d memories to %s\n", len(memories), args[0])
	}
	return nil
}

func memoryImport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open import file: %w", err)
	}
	defer func() { _ = f.Close() }()

	memories, err := snapshot.ReadJSON(f)
	if err != nil {
		return err
	}

	store, err := openSnapshot(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	replace, _ := cmd.Flags().GetBool("replace")
	if replace {
		err = store.Save(cmd.Context(), memories)
	} else {
		err = store.Merge(cmd.Context(), memories)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d memories into %s\n", len(memories), store.Path())
	return nil
}
