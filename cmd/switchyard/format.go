package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/ShayCichocki/switchyard/pkg/models"
)

var (
	dim     = color.New(color.Faint)
	bold    = color.New(color.Bold)
	warning = color.New(color.FgYellow)
)

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

func statusColor(s models.ExecutionStatus) *color.Color {
	switch s {
	case models.ExecutionCompleted:
		return color.New(color.FgGreen)
	case models.ExecutionFailed:
		return color.New(color.FgRed)
	case models.ExecutionCancelled:
		return color.New(color.FgMagenta)
	case models.ExecutionInProgress:
		return color.New(color.FgYellow)
	default:
		return dim
	}
}

func taskColor(s models.TaskStatus) *color.Color {
	switch s {
	case models.TaskStatusSucceeded:
		return color.New(color.FgGreen)
	case models.TaskStatusFailed:
		return color.New(color.FgRed)
	case models.TaskStatusCancelled:
		return color.New(color.FgMagenta)
	case models.TaskStatusRunning:
		return color.New(color.FgYellow)
	default:
		return dim
	}
}

// colorStatus pads before coloring so escape codes do not break alignment.
func colorStatus(s models.ExecutionStatus) string {
	return statusColor(s).Sprintf("%-11s", s)
}

// formatDuration renders d for tables: "-" for zero, milliseconds below a
// second, otherwise rounded to the nearest 10ms.
func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(10 * time.Millisecond).String()
	}
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func formatPercent(v float64) string {
	return fmt.Sprintf("%.0f%%", v*100)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseStatuses accepts comma-separated or repeated --status values.
func parseStatuses(values []string) ([]models.ExecutionStatus, error) {
	var out []models.ExecutionStatus
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			s := models.ExecutionStatus(part)
			if !s.Valid() {
				return nil, fmt.Errorf("unknown status %q", part)
			}
			out = append(out, s)
		}
	}
	return out, nil
}

// sinceTime turns a lookback window into an absolute start time. Zero means no bound.
func sinceTime(window time.Duration, now time.Time) time.Time {
	if window <= 0 {
		return time.Time{}
	}
	return now.Add(-window)
}
