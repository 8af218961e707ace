package main

import (
	"errors"
	"fmt"
	"time"

	"voxpipe/internal/queue"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newEnqueueCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <conversation-id>...",
		Short: "Request processing of conversations through the queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			q, err := a.openQueue()
			if err != nil {
				return err
			}
			if q == nil {
				return errors.New("rabbitmq.url is required for enqueue")
			}

			for _, id := range args {
				req := &queue.ProcessRequest{
					RequestID:      uuid.NewString(),
					ConversationID: id,
					RequestedAt:    time.Now().UTC(),
				}
				if err := q.PublishRequest(cmd.Context(), req); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "queued %s (%s)\n", id, req.RequestID)
			}
			return nil
		},
	}
}
