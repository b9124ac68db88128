package main

import (
	"bufio"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

type replayEventsFlags struct {
	root      *rootFlags
	serverURL string
	planID    string
	timeout   time.Duration
}

// newReplayEventsCmd connects to a running orchestratord's plan event
// stream and prints the replayed history plus any live events until the
// stream closes or --timeout elapses. internal/sse.EventLog is in-process,
// per-instance state; there is no shared store to replay from directly, so
// this is an SSE client against the HTTP endpoint rather than a process
// that reaches into another instance's memory.
func newReplayEventsCmd(root *rootFlags) *cobra.Command {
	flags := &replayEventsFlags{root: root}

	cmd := &cobra.Command{
		Use:   "replay-events <planId>",
		Short: "Stream a plan's event history and live events from a running orchestratord",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.planID = args[0]
			return runReplayEvents(flags)
		},
	}

	cmd.Flags().StringVar(&flags.serverURL, "server", "http://localhost:8080", "orchestratord base URL")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "stop after this long (0 = until the stream closes)")

	return cmd
}

func runReplayEvents(flags *replayEventsFlags) error {
	u, err := url.Parse(flags.serverURL)
	if err != nil {
		return fmt.Errorf("replay-events: invalid --server url: %w", err)
	}
	u.Path = fmt.Sprintf("/plan/%s/events", flags.planID)

	client := &http.Client{}
	if flags.timeout > 0 {
		client.Timeout = flags.timeout
	}

	resp, err := client.Get(u.String())
	if err != nil {
		return fmt.Errorf("replay-events: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("replay-events: server returned %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fmt.Println(scanner.Text())
	}
	return scanner.Err()
}
