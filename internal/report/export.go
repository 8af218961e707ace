package report

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"voxpipe/pkg/model"

	"github.com/xuri/excelize/v2"
)

const sheetName = "Transcriptions"

var exportHeader = []string{
	"conversation_id", "user_name", "date", "contact", "message_id",
	"status", "language", "duration", "confidence", "transcribed_at", "text",
}

// Rows flattens the synced audio messages into export rows.
func Rows(convs []*model.Conversation) [][]string {
	var rows [][]string
	for _, c := range convs {
		for _, ref := range c.AudioMessages() {
			msg := ref.Message
			if msg.Status != model.MessageSynced {
				continue
			}
			row := []string{c.ID, c.UserName, c.Date, ref.ContactName, msg.ID, string(msg.Status), "", "", "", "", msg.Text}
			if tr := msg.Transcript; tr != nil {
				row[6] = tr.Language
				row[7] = strconv.FormatFloat(tr.Duration, 'f', 2, 64)
				if tr.Confidence != 0 {
					row[8] = strconv.FormatFloat(tr.Confidence, 'f', 3, 64)
				}
			}
			if msg.TranscribedAt != nil {
				row[9] = msg.TranscribedAt.UTC().Format(time.RFC3339)
			}
			rows = append(rows, row)
		}
	}
	return rows
}

// WriteXLSX writes the transcription export as a workbook and returns the
// number of data rows.
func WriteXLSX(w io.Writer, convs []*model.Conversation) (int, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return 0, fmt.Errorf("rename sheet: %w", err)
	}

	header := make([]interface{}, len(exportHeader))
	for i, h := range exportHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}

	rows := Rows(convs)
	for i, row := range rows {
		cells := make([]interface{}, len(row))
		for j, v := range row {
			cells[j] = v
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return 0, err
		}
		if err := f.SetSheetRow(sheetName, cell, &cells); err != nil {
			return 0, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := f.SetPanes(sheetName, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return 0, fmt.Errorf("freeze header: %w", err)
	}
	if err := f.SetColWidth(sheetName, "K", "K", 80); err != nil {
		return 0, err
	}

	if _, err := f.WriteTo(w); err != nil {
		return 0, fmt.Errorf("write workbook: %w", err)
	}
	return len(rows), nil
}
