package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	pubsub "github.com/atlas-forks/phoenix-pubsub-redis"
)

var (
	publishTarget   string
	publishFastlane string
)

var publishCmd = &cobra.Command{
	Use:   "publish TOPIC [PAYLOAD]",
	Short: "Broadcast a payload to a topic on every node",
	Long: `Publish a payload to a topic. The message reaches the matching subscribers
on every node of the server name group, including this one.

The payload is taken from the second argument, or from stdin when the
argument is "-" or omitted.

Examples:
  # Broadcast to all nodes
  pubsubctl publish events '{"kind":"deploy","version":42}'

  # Send to a single node by name
  pubsubctl publish jobs run-cleanup --target node-b

  # Attach an opaque fastlane hint
  pubsubctl publish events hello --fastlane '{"serializer":"msgpack"}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().StringVar(&publishTarget, "target", "", "Deliver only on the node with this name")
	publishCmd.Flags().StringVar(&publishFastlane, "fastlane", "", "Opaque JSON hint carried with the message")
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	topic := args[0]
	payload, err := readPayload(args)
	if err != nil {
		return err
	}

	var fastlane json.RawMessage
	if publishFastlane != "" {
		if !json.Valid([]byte(publishFastlane)) {
			return fmt.Errorf("--fastlane must be valid JSON")
		}
		fastlane = json.RawMessage(publishFastlane)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ps, err := startNode(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer func() { _ = ps.Close() }()

	var opts []pubsub.BroadcastOption
	if fastlane != nil {
		opts = append(opts, pubsub.WithFastlane(fastlane))
	}

	if publishTarget != "" {
		err = ps.DirectBroadcast(ctx, publishTarget, topic, payload, opts...)
	} else {
		err = ps.Broadcast(ctx, topic, payload, opts...)
	}
	if err != nil {
		return fmt.Errorf("publish %q: %w", topic, err)
	}

	green := color.New(color.FgGreen)
	if publishTarget != "" {
		green.Printf("✓ published %d byte(s) to %q on node %q\n", len(payload), topic, publishTarget)
	} else {
		green.Printf("✓ published %d byte(s) to %q\n", len(payload), topic)
	}
	return nil
}

func readPayload(args []string) ([]byte, error) {
	if len(args) == 2 && args[1] != "-" {
		return []byte(args[1]), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("read payload from stdin: %w", err)
	}
	return data, nil
}
