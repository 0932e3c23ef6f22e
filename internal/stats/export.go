package stats

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/aura-webinar/bbb-monitor/internal/models"
	"github.com/aura-webinar/bbb-monitor/internal/registry"
)

// Format is an export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

const exportTimeLayout = "2006-01-02 15:04:05"

// ExportColumns is the fixed column order of every export.
var ExportColumns = []string{
	"Session Name", "Course", "Lecturer", "Start Time", "End Time",
	"Duration (min)", "Peak Participants", "Recording Status", "Recording URL",
}

// ParseFormat accepts csv or xlsx, case-insensitively. Empty means csv.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

// FileName names an export generated at t.
func (f Format) FileName(t time.Time) string {
	return "bbb_sessions_" + t.Format("2006-01-02_15-04-05") + "." + string(f)
}

// Export serializes the historical sessions matching filter. It returns ErrNoData for an empty result.
func (e *Engine) Export(ctx context.Context, filter registry.Filter, format Format) ([]byte, error) {
	sessions, err := e.History(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, ErrNoData
	}
	rows := make([][]string, 0, len(sessions))
	for i := range sessions {
		rows = append(rows, e.row(&sessions[i]))
	}
	switch format {
	case FormatCSV:
		return writeCSV(rows)
	case FormatXLSX:
		return writeXLSX(rows)
	}
	return nil, fmt.Errorf("unsupported export format %q", format)
}

func (e *Engine) row(s *models.Session) []string {
	course := s.CourseName
	if course == "" && s.CourseID > 0 {
		course = strconv.FormatInt(s.CourseID, 10)
	}
	var end, duration, url string
	if s.EndTime != nil {
		end = s.EndTime.In(e.loc).Format(exportTimeLayout)
	}
	if s.DurationMinutes != nil {
		duration = strconv.Itoa(*s.DurationMinutes)
	}
	if s.RecordingURL != nil {
		url = *s.RecordingURL
	}
	return []string{
		s.SessionName,
		course,
		s.ModeratorName,
		s.StartTime.In(e.loc).Format(exportTimeLayout),
		end,
		duration,
		strconv.Itoa(s.PeakParticipants),
		string(s.RecordingStatus),
		url,
	}
}

func writeCSV(rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(ExportColumns); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	return buf.Bytes(), nil
}

func writeXLSX(rows [][]string) ([]byte, error) {
	const sheet = "Sessions"
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	header := make([]interface{}, len(ExportColumns))
	for i, c := range ExportColumns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("header style: %w", err)
	}
	if err := f.SetRowStyle(sheet, 1, 1, bold); err != nil {
		return nil, fmt.Errorf("apply header style: %w", err)
	}

	for i, r := range rows {
		cells := make([]interface{}, len(r))
		for j, v := range r {
			cells[j] = v
		}
		// Duration and peak are numeric cells.
		if n, err := strconv.Atoi(r[5]); err == nil {
			cells[5] = n
		}
		if n, err := strconv.Atoi(r[6]); err == nil {
			cells[6] = n
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write xlsx: %w", err)
	}
	return buf.Bytes(), nil
}
