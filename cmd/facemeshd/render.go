package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/health"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/journal"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/types"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("63")).
			Padding(0, 1)
	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(18)
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	headStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

func row(label string, value any) string {
	return lipgloss.JoinHorizontal(lipgloss.Top,
		labelStyle.Render(label),
		valueStyle.Render(fmt.Sprint(value)),
	)
}

func upDown(up bool) string {
	if up {
		return okStyle.Render("up")
	}
	return badStyle.Render("down")
}

// renderStatus renders a health report and the aggregate metrics
func renderStatus(server string, report health.Report, m types.MetricsSnapshot) string {
	status := okStyle.Render(report.Status)
	if !report.Ready() {
		status = badStyle.Render(report.Status)
	}

	lines := []string{
		titleStyle.Render("facemeshd") + " " + mutedStyle.Render(server),
		"",
		row("status", status),
		row("backend", report.Backend),
		row("model", upDown(report.Components.Model)),
		row("preprocessor", upDown(report.Components.Preprocessor)),
		row("detector", upDown(report.Components.Detector)),
		row("uptime", (time.Duration(report.UptimeSeconds) * time.Second).String()),
		row("sessions", report.Sessions),
		"",
		row("frames", m.FrameCount),
		row("dropped", m.DroppedFrames),
		row("skipped", m.SkippedFrames),
		row("fps", fmt.Sprintf("%.1f", m.FPS)),
		row("latency avg", fmt.Sprintf("%.1f ms", m.AvgLatencyMS)),
		row("latency min/max", fmt.Sprintf("%.1f / %.1f ms", m.MinLatencyMS, m.MaxLatencyMS)),
		row("cpu / mem", fmt.Sprintf("%.1f%% / %.1f%%", m.CPUPercent, m.MemPercent)),
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

// renderSessions renders journaled sessions as a table
func renderSessions(recs []journal.Record, totals journal.Totals) string {
	if len(recs) == 0 {
		return mutedStyle.Italic(true).Render("no sessions journaled")
	}

	cols := []struct {
		title string
		width int
	}{
		{"SESSION", 10}, {"BACKEND", 12}, {"STARTED", 20}, {"DURATION", 10},
		{"FRAMES", 8}, {"MESHES", 8}, {"DROPPED", 8}, {"AVG MS", 8},
	}
	cell := func(i int, v string) string {
		return lipgloss.NewStyle().Width(cols[i].width).Render(v)
	}

	var header []string
	for i, c := range cols {
		header = append(header, headStyle.Render(cell(i, c.title)))
	}
	lines := []string{lipgloss.JoinHorizontal(lipgloss.Top, header...)}

	for _, r := range recs {
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		duration := okStyle.Render("live")
		if !r.EndedAt.IsZero() {
			duration = r.Duration().Round(time.Second).String()
		}
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top,
			cell(0, id),
			cell(1, r.Backend),
			cell(2, r.StartedAt.Local().Format("2006-01-02 15:04:05")),
			cell(3, duration),
			cell(4, fmt.Sprint(r.FramesProcessed)),
			cell(5, fmt.Sprint(r.Meshes)),
			cell(6, fmt.Sprint(r.DroppedFrames)),
			cell(7, fmt.Sprintf("%.1f", r.AvgLatencyMS)),
		))
	}

	lines = append(lines, "", mutedStyle.Render(fmt.Sprintf(
		"%d sessions (%d live), %d frames processed, %d meshes, %d dropped",
		totals.Sessions, totals.Live, totals.FramesProcessed, totals.Meshes, totals.DroppedFrames,
	)))
	return strings.Join(lines, "\n")
}

// renderReplay renders a replay summary
func renderReplay(s replaySummary) string {
	lines := []string{
		titleStyle.Render("replay") + " " + mutedStyle.Render(s.SessionID),
		"",
		row("frames sent", s.Sent),
		row("meshes applied", s.Applied),
		row("meshes stale", s.Stale),
		row("no face", s.NoFace),
		row("errors", s.Errors),
		row("elapsed", s.Elapsed.Round(time.Millisecond).String()),
	}
	if s.Metrics != nil {
		lines = append(lines,
			"",
			row("server frames", s.Metrics.FrameCount),
			row("server dropped", s.Metrics.DroppedFrames),
			row("server skipped", s.Metrics.SkippedFrames),
			row("latency avg", fmt.Sprintf("%.1f ms", s.Metrics.AvgLatencyMS)),
		)
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}
