package main

import (
	"fmt"
	"io"

	"github.com/benchbot/benchbot-go/internal/episode"
	"github.com/benchbot/benchbot-go/internal/events"
	"github.com/charmbracelet/lipgloss"
)

const (
	colorInfo    = "#9999CC"
	colorWarn    = "#FFCC00"
	colorError   = "#FF3333"
	colorSuccess = "#33FF33"
)

// progressPrinter writes operator-facing progress lines for lifecycle events.
// Colour is only emitted when out is a terminal.
func progressPrinter(out io.Writer) events.Handler {
	renderer := lipgloss.NewRenderer(out)
	styles := map[string]lipgloss.Style{
		events.SeverityInfo:  renderer.NewStyle().Foreground(lipgloss.Color(colorInfo)),
		events.SeverityWarn:  renderer.NewStyle().Foreground(lipgloss.Color(colorWarn)).Bold(true),
		events.SeverityError: renderer.NewStyle().Foreground(lipgloss.Color(colorError)).Bold(true),
	}
	finished := renderer.NewStyle().Foreground(lipgloss.Color(colorSuccess))

	return func(event events.Event) {
		line, ok := formatEvent(event)
		if !ok {
			return
		}
		style, known := styles[event.Severity]
		if !known {
			style = styles[events.SeverityInfo]
		}
		if event.Type == events.EventTypeEpisodeFinished && event.Severity == events.SeverityInfo {
			style = finished
		}
		_, _ = fmt.Fprintln(out, style.Render(line))
	}
}

func formatEvent(event events.Event) (string, bool) {
	switch payload := event.Payload.(type) {
	case episode.ConnectedPayload:
		return fmt.Sprintf("connected to supervisor at %s, waiting for a running simulator", payload.Address), true
	case episode.ReadyPayload:
		return fmt.Sprintf("simulator running after %d polls", payload.Polls), true
	case episode.StepPayload:
		if payload.Action == "" {
			return fmt.Sprintf("episode reset: %s, %d observations", payload.Result, len(payload.Observations)), true
		}
		return fmt.Sprintf("step %d: %s -> %s", payload.Step, payload.Action, payload.Result), true
	case episode.FinishedPayload:
		return fmt.Sprintf("episode finished after %d steps (%s), result saved to %s",
			payload.Steps, payload.Result, payload.ResultPath), true
	}
	if event.Type == events.EventTypeSimulatorRestarted {
		return "dirty simulator state detected, simulator restarted", true
	}
	return "", false
}
