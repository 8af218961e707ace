package main

import (
	"errors"

	"voxpipe/internal/notify"
	"voxpipe/pkg/logger"

	"github.com/spf13/cobra"
)

func newBotCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "bot",
		Short: "Serve the Telegram operator bot (/stats, /reset, /process)",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			tg := a.cfg.Telegram
			if tg.Token == "" || tg.ChatID == 0 {
				return errors.New("telegram.token and telegram.chat_id are required for the bot")
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			tracker, _, err := a.openTracker(ctx)
			if err != nil {
				return err
			}
			q, err := a.openQueue()
			if err != nil {
				return err
			}
			var publisher notify.RequestPublisher
			if q != nil {
				publisher = q
			}

			op, err := notify.NewOperator(tg.Token, tg.ChatID, tracker, tracker, publisher)
			if err != nil {
				return err
			}

			go op.Start()
			<-ctx.Done()
			logger.Info("Received shutdown signal")
			op.Stop()
			return nil
		},
	}
}
