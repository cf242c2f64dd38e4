package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cehteh/rmrfd/pkg/client"
)

var rmCmd = &cobra.Command{
	Use:   "rm PATH...",
	Short: "Stage paths for deletion through a running daemon",
	Long: `Stage each PATH for deletion. The data disappears from its original
location immediately; storage is reclaimed in the background.

The sync level controls how long the command waits:
  -1     return as soon as the data is staged (default)
   0     return once the total size is known
  1-100  return once that percentage of tracked bytes is freed`,
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRm,
}

func init() {
	rmCmd.Flags().String("socket", "/run/rmrfd.sock", "daemon socket")
	rmCmd.Flags().Int("sync", client.Async, "sync level: -1, 0, or 1-100")
}

func runRm(cmd *cobra.Command, args []string) error {
	socket, _ := cmd.Flags().GetString("socket") //nolint:errcheck // flag name is hardcoded
	level, _ := cmd.Flags().GetInt("sync")       //nolint:errcheck // flag name is hardcoded

	c := client.New(socket)
	for _, path := range args {
		blocks, err := c.Remove(context.Background(), path, level)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if level >= 0 {
			fmt.Printf("%s: %d KiB\n", path, blocks)
		}
	}
	return nil
}
