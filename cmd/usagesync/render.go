package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/usagesync/internal/snapshot"
)

const rule = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"

// Window lengths that get a named label.
const (
	sessionWindowMaxMinutes = 360
	weeklyWindowMinutes     = 10_080
)

// renderSnapshot writes a human readable view of s. A nil s renders the
// waiting state.
func renderSnapshot(w io.Writer, s *snapshot.Snapshot, now time.Time) {
	cyan := color.New(color.FgCyan, color.Bold)
	bold := color.New(color.Bold)

	_, _ = fmt.Fprintln(w)
	_, _ = cyan.Fprintln(w, rule)
	_, _ = cyan.Fprintln(w, "AI USAGE")
	_, _ = cyan.Fprintln(w, rule)
	_, _ = fmt.Fprintln(w)

	if s == nil {
		_, _ = bold.Fprintln(w, "Waiting for Sync")
		_, _ = fmt.Fprintln(w, "No usage has been published yet. Run \"usagesync publish\" on the device that")
		_, _ = fmt.Fprintln(w, "tracks your providers and make sure sync is enabled there.")
		_, _ = fmt.Fprintln(w)
		return
	}

	_, _ = fmt.Fprintf(w, "Device:     %s\n", s.DeviceName)
	_, _ = fmt.Fprintf(w, "Synced:     %s (%s)\n", snapshot.FormatAge(s.Age(now)), s.SyncTimestamp.Local().Format("2006-01-02 15:04"))
	_, _ = fmt.Fprintln(w)

	if len(s.Providers) == 0 {
		_, _ = bold.Fprintln(w, "No Providers Enabled")
		_, _ = fmt.Fprintln(w, "Enable at least one provider on the publishing device.")
		_, _ = fmt.Fprintln(w)
		return
	}

	for _, p := range s.Providers {
		renderProvider(w, p, now)
	}
}

func renderProvider(w io.Writer, p snapshot.ProviderUsage, now time.Time) {
	bold := color.New(color.Bold)
	red := color.New(color.FgRed)
	faint := color.New(color.Faint)

	_, _ = bold.Fprint(w, p.ProviderName)
	if p.LoginMethod != nil && *p.LoginMethod != "" {
		_, _ = fmt.Fprintf(w, " (%s)", *p.LoginMethod)
	}
	_, _ = fmt.Fprintln(w)

	if p.AccountEmail != nil && *p.AccountEmail != "" {
		_, _ = faint.Fprintf(w, "  %s\n", *p.AccountEmail)
	}

	if p.IsError {
		message := "Usage unavailable"
		if p.StatusMessage != nil && *p.StatusMessage != "" {
			message = *p.StatusMessage
		}
		_, _ = red.Fprintf(w, "  ✗ %s\n", message)
	} else if p.StatusMessage != nil && *p.StatusMessage != "" {
		_, _ = faint.Fprintf(w, "  %s\n", *p.StatusMessage)
	}

	if p.Primary != nil {
		renderWindow(w, windowLabel(p.Primary, "Session"), *p.Primary, now)
	}
	if p.Secondary != nil {
		renderWindow(w, windowLabel(p.Secondary, "Weekly"), *p.Secondary, now)
	}

	_, _ = faint.Fprintf(w, "  Updated %s\n", snapshot.FormatAge(now.Sub(p.LastUpdated)))
	_, _ = fmt.Fprintln(w)
}

func renderWindow(w io.Writer, label string, window snapshot.RateWindow, now time.Time) {
	_, _ = fmt.Fprintf(w, "  %-14s ", label+":")
	_, _ = usageColor(window.UsedPercent).Fprintf(w, "%s %5.1f%% used", usageBar(window.UsedPercent), window.UsedPercent)
	_, _ = fmt.Fprintf(w, "  (%.0f%% left)\n", window.RemainingPercent())

	if reset := resetLine(window, now); reset != "" {
		_, _ = fmt.Fprintf(w, "  %-14s %s\n", "", reset)
	}
}

// windowLabel names a window by its length, or fallback when unknown.
func windowLabel(window *snapshot.RateWindow, fallback string) string {
	if window == nil || window.WindowMinutes == nil || *window.WindowMinutes <= 0 {
		return fallback
	}

	minutes := *window.WindowMinutes
	switch {
	case minutes <= sessionWindowMaxMinutes:
		return fmt.Sprintf("Session (%dh)", max(1, minutes/60))
	case minutes <= weeklyWindowMinutes:
		return "Weekly"
	default:
		return fmt.Sprintf("Period (%dd)", minutes/(24*60))
	}
}

// resetLine prefers the absolute reset time over the free-form description.
func resetLine(window snapshot.RateWindow, now time.Time) string {
	if window.ResetsAt != nil {
		until := window.ResetsAt.Sub(now)
		if until <= 0 {
			return "Resets now"
		}
		return "Resets in " + formatDuration(until)
	}
	if window.ResetDescription != nil {
		return *window.ResetDescription
	}
	return ""
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", max(1, minutes))
	}
}

// usageColor maps a used percentage to its severity colour.
func usageColor(usedPercent float64) *color.Color {
	switch {
	case usedPercent >= 90:
		return color.New(color.FgRed, color.Bold)
	case usedPercent >= 70:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgGreen)
	}
}

func usageBar(usedPercent float64) string {
	const width = 20
	filled := int(usedPercent / 100 * width)
	filled = min(max(filled, 0), width)
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}

func printSuccess(w io.Writer, msg string) {
	_, _ = color.New(color.FgGreen, color.Bold).Fprintf(w, "✅ %s\n", msg)
}

func printNotice(w io.Writer, msg string) {
	_, _ = color.New(color.FgYellow).Fprintf(w, "⚠️  %s\n", msg)
}
