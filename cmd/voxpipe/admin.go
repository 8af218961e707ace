package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"voxpipe/internal/artifact"
	"voxpipe/internal/docstore"
	"voxpipe/internal/report"
	"voxpipe/internal/status"
	"voxpipe/internal/storage"
	"voxpipe/pkg/logger"
	"voxpipe/pkg/model"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newResetCommand(a *app) *cobra.Command {
	var (
		all       bool
		retryable bool
		list      bool
		message   string
		user      string
	)

	cmd := &cobra.Command{
		Use:   "reset [conversation-id]...",
		Short: "Send errored messages back to the start of the pipeline",
		Long: "Resets errored audio messages of the given conversations, or of every " +
			"conversation with --all. --retryable keeps errors that can never succeed. " +
			"--list only prints the errored messages.",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			if !all && len(args) == 0 {
				return errors.New("give conversation ids or --all")
			}
			if message != "" && len(args) != 1 {
				return errors.New("--message needs exactly one conversation id")
			}

			ctx := cmd.Context()
			tracker, store, err := a.openTracker(ctx)
			if err != nil {
				return err
			}
			scope := status.Scope{IDs: args, UserName: user}

			if list {
				convs, err := loadConversations(ctx, store, docstore.Query{
					MessageStatus: docstore.StatusPtr(model.MessageError),
					IDs:           scope.IDs,
					UserName:      scope.UserName,
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), report.FailuresTable(report.Failures(convs)))
				return nil
			}

			if message != "" {
				if err := tracker.ResetMessage(ctx, args[0], message); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset %s/%s\n", args[0], message)
				return nil
			}

			n, err := tracker.ResetAllErrors(ctx, scope, retryable)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d message(s)\n", n)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Reset errors in every conversation")
	cmd.Flags().BoolVar(&retryable, "retryable", false, "Only reset errors whose reason may succeed on retry")
	cmd.Flags().BoolVar(&list, "list", false, "List errored messages instead of resetting them")
	cmd.Flags().StringVar(&message, "message", "", "Reset only this message id")
	cmd.Flags().StringVar(&user, "user", "", "Only conversations of this user")
	return cmd
}

func newStatusCommand(a *app) *cobra.Command {
	var failures bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show conversation totals per status and artifact usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			ctx := cmd.Context()

			tracker, store, err := a.openTracker(ctx)
			if err != nil {
				return err
			}
			st, err := tracker.Stats(ctx)
			if err != nil {
				return err
			}

			var files *artifact.Stats
			if arts, err := a.openArtifacts(); err == nil {
				if fs, err := arts.Stats(); err == nil {
					files = &fs
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), report.StatsTable(st, files))

			if failures {
				convs, err := loadConversations(ctx, store, docstore.Query{
					MessageStatus: docstore.StatusPtr(model.MessageError),
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), report.FailuresTable(report.Failures(convs)))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&failures, "failures", false, "Also list errored messages")
	return cmd
}

func newExportCommand(a *app) *cobra.Command {
	var (
		output string
		ids    []string
		user   string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export synced transcriptions to an XLSX workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			ctx := cmd.Context()

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			convs, err := loadConversations(ctx, store, docstore.Query{
				MessageStatus: docstore.StatusPtr(model.MessageSynced),
				IDs:           ids,
				UserName:      user,
			})
			if err != nil {
				return err
			}

			f, err := os.Create(output)
			if err != nil {
				return err
			}
			n, err := report.WriteXLSX(f, convs)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d transcription(s) from %d conversation(s) to %s\n", n, len(convs), output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "transcriptions.xlsx", "Output file")
	cmd.Flags().StringSliceVar(&ids, "ids", nil, "Only export these conversation ids")
	cmd.Flags().StringVar(&user, "user", "", "Only export conversations of this user")
	return cmd
}

func newCleanupCommand(a *app) *cobra.Command {
	var (
		completed bool
		archive   bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup [conversation-id]...",
		Short: "Remove local artifacts of conversations",
		Long: "Removes the audio and transcript files of the given conversations, or of " +
			"every completed conversation with --completed. The store keeps the " +
			"transcripts. --archive also deletes the archived transcript copies.",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			if !completed && len(args) == 0 {
				return errors.New("give conversation ids or --completed")
			}
			ctx := cmd.Context()

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			arts, err := a.openArtifacts()
			if err != nil {
				return err
			}
			if err := a.lockArtifacts(arts); err != nil {
				return err
			}

			q := docstore.Query{IDs: args}
			if completed {
				q.Statuses = []model.ConversationStatus{model.ConversationCompleted}
			}
			convs, err := loadConversations(ctx, store, q)
			if err != nil {
				return err
			}

			var s3 *storage.S3Archive
			if archive {
				if s3, err = a.openArchive(ctx); err != nil {
					return err
				}
				if s3 == nil {
					return errors.New("--archive needs s3.bucket")
				}
			}

			for _, c := range convs {
				if err := arts.RemoveConversation(c.ID); err != nil {
					return err
				}
				if s3 != nil {
					deleteArchived(ctx, s3, c)
				}
				logger.Info("Artifacts removed", zap.String("conversation_id", c.ID))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleaned %d conversation(s)\n", len(convs))
			return nil
		},
	}

	cmd.Flags().BoolVar(&completed, "completed", false, "Clean every completed conversation")
	cmd.Flags().BoolVar(&archive, "archive", false, "Also delete archived transcripts")
	return cmd
}

func deleteArchived(ctx context.Context, s3 *storage.S3Archive, c *model.Conversation) {
	for _, ref := range c.AudioMessages() {
		if err := s3.DeleteTranscript(ctx, c.ID, ref.Message.ID); err != nil {
			logger.Warn("Failed to delete archived transcript",
				zap.String("conversation_id", c.ID),
				zap.String("message_id", ref.Message.ID),
				zap.Error(err))
		}
	}
}

func newMigrateCommand(a *app) *cobra.Command {
	var reset bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply PostgreSQL migrations or create MongoDB indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			sc := a.cfg.Store

			switch sc.Driver {
			case "postgres":
				if reset {
					return storage.ResetMigrations(sc.URI, sc.Migrations)
				}
				return storage.RunMigrations(sc.URI, sc.Migrations)
			case "mongo":
				ms, err := storage.NewMongoStore(cmd.Context(), sc.URI, sc.Database, sc.Collection)
				if err != nil {
					return err
				}
				defer ms.Close(context.Background())
				return ms.EnsureIndexes(cmd.Context())
			default:
				logger.Info("Nothing to migrate", zap.String("driver", sc.Driver))
				return nil
			}
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "Drop and recreate the PostgreSQL schema (destroys data)")
	return cmd
}

func newImportCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.json>",
		Short: "Load conversations from a JSON array into the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			ctx := cmd.Context()

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var convs []*model.Conversation
			if err := json.Unmarshal(raw, &convs); err != nil {
				return fmt.Errorf("decode %s: %w", args[0], err)
			}

			tracker, store, err := a.openTracker(ctx)
			if err != nil {
				return err
			}
			importer, ok := store.(docstore.Importer)
			if !ok {
				return fmt.Errorf("store driver %q does not support import", a.cfg.Store.Driver)
			}

			for _, c := range convs {
				if c.ID == "" {
					return errors.New("every conversation needs an id")
				}
				if err := importer.PutConversation(ctx, c); err != nil {
					return err
				}
				if _, _, err := tracker.Finish(ctx, c.ID); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d conversation(s)\n", len(convs))
			return nil
		},
	}
}
