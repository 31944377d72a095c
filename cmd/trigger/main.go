// Command trigger is the minimal external client that injects one
// INCREMENT_REQUEST into a running node, standing in for the queueing
// substrate and dispatcher the core specification treats as an external
// collaborator (§1, §6).
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quorum5/counter/internal/message"
	"github.com/quorum5/counter/internal/transport/wsnet"
)

func main() {
	var (
		targetNodeID string
		targetURL    string
		timeout      time.Duration
	)

	root := &cobra.Command{
		Use:   "trigger",
		Short: "Submit one increment request to a counter node.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return submit(targetNodeID, targetURL, timeout)
		},
	}
	root.Flags().StringVar(&targetNodeID, "node", "", "target node id (required)")
	root.Flags().StringVar(&targetURL, "url", "", "target node's websocket URL, e.g. ws://node1:7946/quorum (required)")
	root.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for the send to complete")
	_ = root.MarkFlagRequired("node")
	_ = root.MarkFlagRequired("url")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// submit dials targetURL directly and sends a single INCREMENT_REQUEST. It
// does not wait for a COMMIT — the trigger is fire-and-forget per §1's
// "external trigger utility" collaborator boundary; checking whether the
// increment landed is a job for a status/metrics query against the node,
// not this tool.
func submit(nodeID, targetURL string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	selfID := "trigger-" + fmt.Sprint(time.Now().UnixNano())
	// The trigger only dials out; it binds an ephemeral loopback port
	// purely to satisfy wsnet.Transport's symmetric listen/dial contract.
	tr, err := wsnet.New(selfID, "127.0.0.1:0", []wsnet.PeerAddr{{NodeID: nodeID, URL: targetURL}}, zap.NewNop())
	if err != nil {
		return fmt.Errorf("trigger: connect: %w", err)
	}
	defer tr.Close()

	req := message.NewIncrementRequest(nodeID)
	if err := tr.SendTo(ctx, nodeID, req); err != nil {
		return fmt.Errorf("trigger: send increment request to %s: %w", nodeID, err)
	}

	fmt.Printf("increment request sent to %s\n", nodeID)
	return nil
}
