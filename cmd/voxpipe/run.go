package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"voxpipe/internal/metrics"
	"voxpipe/internal/pipeline"
	"voxpipe/internal/queue"
	"voxpipe/internal/report"
	"voxpipe/internal/status"
	"voxpipe/pkg/logger"
	"voxpipe/pkg/model"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCommand(a *app) *cobra.Command {
	var (
		stage    string
		limit    int
		watch    bool
		interval time.Duration
		workers  int
		ids      []string
		user     string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process pending conversations",
		Long: "Runs one pass of the pipeline over pending conversations, or keeps " +
			"running passes with --watch. --stage limits the pass to one step.",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()

			st, err := pipeline.ParseStage(stage)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			coord, _, err := a.buildCoordinator(ctx)
			if err != nil {
				return err
			}

			opts := pipeline.Options{
				Stage:   st,
				Limit:   limit,
				Workers: workers,
				Scope:   status.Scope{IDs: ids, UserName: user},
			}

			if watch {
				stopMetrics := a.startMetrics()
				defer stopMetrics()
				return coord.Watch(ctx, opts, interval)
			}

			sum, err := coord.Run(ctx, opts)
			if sum != nil {
				fmt.Fprintln(cmd.OutOrStdout(), report.SummaryTable(sum))
			}
			return err
		},
	}

	cmd.Flags().StringVar(&stage, "stage", "full", "Stage to run: full, download, transcribe or sync")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum conversations per pass (default pipeline.batch_limit)")
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep running passes until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Delay between passes in watch mode (default pipeline.interval)")
	cmd.Flags().IntVar(&workers, "workers", 0, "Conversations processed in parallel (default pipeline.workers)")
	cmd.Flags().StringSliceVar(&ids, "ids", nil, "Only process these conversation ids")
	cmd.Flags().StringVar(&user, "user", "", "Only process conversations of this user")
	return cmd
}

// startMetrics serves /metrics when an address is configured.
func (a *app) startMetrics() func() {
	if a.cfg.Metrics.Addr == "" {
		return func() {}
	}
	srv := metrics.NewServer(a.cfg.Metrics.Addr)
	srv.Start()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func newSweepCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim stale processing claims and remove abandoned temp files",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			coord, _, err := a.buildCoordinator(ctx)
			if err != nil {
				return err
			}
			res, err := coord.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d message(s) in %d conversation(s), removed %d partial file(s)\n",
				res.Reclaimed.Messages, res.Reclaimed.Conversations, res.Partials)
			return nil
		},
	}
}

func newConsumeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Process conversations requested on the transcription_requests queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			if a.cfg.RabbitMQ.URL == "" {
				return errors.New("rabbitmq.url is required for consume")
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			coord, _, err := a.buildCoordinator(ctx)
			if err != nil {
				return err
			}
			q, err := a.openQueue()
			if err != nil {
				return err
			}

			stopMetrics := a.startMetrics()
			defer stopMetrics()

			err = q.Consume(ctx, queue.QueueTranscriptionRequests, func(ctx context.Context, body []byte) error {
				return handleRequest(ctx, coord, body)
			})
			if errors.Is(err, context.Canceled) {
				logger.Info("Consumer stopped")
				return nil
			}
			return err
		},
	}
}

func handleRequest(ctx context.Context, coord *pipeline.Coordinator, body []byte) error {
	req, err := queue.ParseProcessRequest(body)
	if err != nil {
		return err
	}

	log := logger.With(
		zap.String("request_id", req.RequestID),
		zap.String("conversation_id", req.ConversationID))
	log.Info("Processing requested conversation")

	sum, err := coord.ProcessConversation(ctx, req.ConversationID)
	if errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("%w: %v", queue.ErrReject, err)
	}
	if err != nil {
		return err
	}
	log.Info("Requested conversation processed", sum.Fields()...)
	return nil
}
