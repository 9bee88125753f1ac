package commands

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var peersWait time.Duration

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List the nodes that have announced themselves",
	Long: `Join the server name group, wait for peer announcements, and print the
node table.

Announcements are sent once per node startup, so only nodes that started
after this command joined (or re-announced) appear. The table is
observability only; message routing never depends on it.`,
	RunE: runPeers,
}

func init() {
	peersCmd.Flags().DurationVar(&peersWait, "wait", 3*time.Second, "How long to collect announcements")
	rootCmd.AddCommand(peersCmd)
}

func runPeers(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ps, err := startNode(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer func() { _ = ps.Close() }()

	select {
	case <-time.After(peersWait):
	case <-ctx.Done():
	}

	cyan := color.New(color.FgCyan)
	cyan.Printf("this node: %s (%s)\n", ps.Node(), ps.NodeID())

	peers := ps.Peers()
	if len(peers) == 0 {
		fmt.Println("no peer announcements received")
		return nil
	}
	for id, name := range peers {
		fmt.Printf("%s  %s\n", id, name)
	}
	return nil
}
