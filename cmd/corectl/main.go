// Command corectl operates one storage-core process: serve runs the
// transaction engine, scheduled-jobs executor, garbage collector, and
// retention loop together; gc runs a single retention pass; bench runs a
// small synthetic write/read workload against a backend for local sizing.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "corectl",
	Short: "Operate a pelagodb/core storage-core process",
	Long: `corectl starts and inspects one storage-core process: an MVCC
document store, its secondary indexes, the scheduled-jobs executor, and
the retention garbage collector.`,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to a TOML config file (overridden by CORE_* env vars)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(benchCmd)
}
