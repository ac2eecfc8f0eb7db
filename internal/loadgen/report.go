package loadgen

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	labelStyle   = lipgloss.NewStyle().Width(18)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6EF4A1"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F45E6E"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6EC4F4"))
)

// Render formats res as the end-of-run report.
func Render(res *Result) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("=== Load Test Results ===") + "\n")

	line := func(label string, style lipgloss.Style, format string, a ...any) {
		b.WriteString(labelStyle.Render(label+":") + style.Render(fmt.Sprintf(format, a...)) + "\n")
	}
	line("Total Requests", infoStyle, "%d", res.Total)
	line("Successful", successStyle, "%d", res.Success)
	failed := infoStyle
	if res.Failed > 0 {
		failed = errorStyle
	}
	line("Failed", failed, "%d", res.Failed)
	line("Total Time", infoStyle, "%.2f s", res.Elapsed.Seconds())
	line("Throughput", infoStyle, "%.1f req/s", res.Throughput())
	line("Latency p50", infoStyle, "%.1f ms", millis(res.Percentile(0.50)))
	line("Latency p95", infoStyle, "%.1f ms", millis(res.Percentile(0.95)))
	line("Latency p99", infoStyle, "%.1f ms", millis(res.Percentile(0.99)))

	if len(res.Failures) > 0 {
		reasons := make([]string, 0, len(res.Failures))
		for reason := range res.Failures {
			reasons = append(reasons, reason)
		}
		sort.Slice(reasons, func(i, j int) bool { return res.Failures[reasons[i]] > res.Failures[reasons[j]] })
		b.WriteString(titleStyle.Render("Failure reasons") + "\n")
		for _, reason := range reasons {
			b.WriteString(errorStyle.Render(fmt.Sprintf("  %6d  %s", res.Failures[reason], reason)) + "\n")
		}
	}
	return b.String()
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
