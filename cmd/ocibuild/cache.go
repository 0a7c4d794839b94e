package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/onkernel/ocibuild/lib/builder"
	"github.com/onkernel/ocibuild/lib/layercache"
)

func newCacheCmd(cliCfg *cliConfig) *cobra.Command {
	var cacheDir string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the layer cache",
	}
	cmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "layer cache directory (required)")
	_ = cmd.MarkPersistentFlagRequired("cache-dir")

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print the cache's entry count and total size",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := builder.New(builder.Config{UseCache: true, CacheDir: cacheDir})
			if err != nil {
				return err
			}
			stats := b.CacheStats()
			fmt.Printf("entries: %d\ntotal_size_bytes: %d\n", stats.Entries, stats.TotalSize)
			for _, runtime := range sortedRuntimeKeys(stats.ByRuntime) {
				rs := stats.ByRuntime[runtime]
				label := runtime
				if label == "" {
					label = "untagged"
				}
				fmt.Printf("  %s: entries=%d total_size_bytes=%d\n", label, rs.Entries, rs.TotalSize)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every cached layer",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := builder.New(builder.Config{UseCache: true, CacheDir: cacheDir})
			if err != nil {
				return err
			}
			return b.ClearCache()
		},
	})

	return cmd
}

func sortedRuntimeKeys(byRuntime map[string]layercache.RuntimeStats) []string {
	keys := make([]string, 0, len(byRuntime))
	for k := range byRuntime {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
