// Package report renders pipeline state as terminal tables and exports
// transcriptions to spreadsheets.
package report

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"voxpipe/internal/artifact"
	"voxpipe/internal/docstore"
	"voxpipe/internal/pipeline"
	"voxpipe/pkg/model"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

func newTable(headers ...string) table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)
	return tw
}

func alignRight(tw table.Writer, columns ...int) {
	configs := make([]table.ColumnConfig, 0, len(columns))
	for _, n := range columns {
		configs = append(configs, table.ColumnConfig{Number: n, Align: text.AlignRight, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)
}

// StatsTable shows conversation totals per status and, when given, the
// artifact area usage.
func StatsTable(st docstore.Stats, files *artifact.Stats) string {
	tw := newTable("Metric", "Value")
	tw.AppendRow(table.Row{"conversations", st.Total})
	tw.AppendRow(table.Row{"with audio", st.WithAudio})

	statuses := make([]string, 0, len(st.ByStatus))
	for s := range st.ByStatus {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		tw.AppendRow(table.Row{"status " + s, st.ByStatus[model.ConversationStatus(s)]})
	}

	if files != nil {
		tw.AppendSeparator()
		tw.AppendRow(table.Row{"artifact conversations", files.Conversations})
		tw.AppendRow(table.Row{"audio files", files.AudioFiles})
		tw.AppendRow(table.Row{"transcript files", files.Transcripts})
		tw.AppendRow(table.Row{"artifact size", humanBytes(files.Bytes)})
	}
	alignRight(tw, 2)
	return tw.Render()
}

// SummaryTable renders per-stage outcomes of a pass.
func SummaryTable(sum *pipeline.Summary) string {
	tw := newTable("Stage", "Succeeded", "Failed", "Skipped")
	for _, row := range []struct {
		name   string
		counts pipeline.StageCounts
	}{
		{"download", sum.Download},
		{"transcribe", sum.Transcribe},
		{"sync", sum.Sync},
	} {
		tw.AppendRow(table.Row{row.name, row.counts.Succeeded, row.counts.Failed, row.counts.Skipped})
	}
	tw.AppendFooter(table.Row{
		fmt.Sprintf("%d conversations", sum.Conversations),
		fmt.Sprintf("%d completed", sum.Completed),
		fmt.Sprintf("%d errored", sum.Errored),
		sum.Duration.Round(time.Millisecond).String(),
	})
	alignRight(tw, 2, 3, 4)
	return tw.Render()
}

// Failure is one errored audio message.
type Failure struct {
	ConversationID string
	MessageID      string
	Reason         string
	Attempts       int
	Retryable      bool
	Detail         string
}

// Failures lists the errored audio messages of the given conversations.
func Failures(convs []*model.Conversation) []Failure {
	var out []Failure
	for _, c := range convs {
		for _, ref := range c.AudioMessages() {
			msg := ref.Message
			if msg.Status != model.MessageError {
				continue
			}
			out = append(out, Failure{
				ConversationID: c.ID,
				MessageID:      msg.ID,
				Reason:         msg.ErrorReason,
				Attempts:       msg.DownloadAttempts + msg.TranscribeAttempts,
				Retryable:      model.IsRetryableReason(msg.ErrorReason),
				Detail:         msg.ErrorDetail,
			})
		}
	}
	return out
}

func FailuresTable(failures []Failure) string {
	tw := newTable("Conversation", "Message", "Reason", "Attempts", "Retryable", "Detail")
	for _, f := range failures {
		tw.AppendRow(table.Row{f.ConversationID, f.MessageID, f.Reason, f.Attempts, strconv.FormatBool(f.Retryable), truncate(f.Detail, 60)})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "total", len(failures)})
	alignRight(tw, 4)
	return tw.Render()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
