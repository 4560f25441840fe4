// Package report renders publish reports and progress for the terminal.
package report

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"crosspost/pkg/bus"
	"crosspost/pkg/publish"
)

const minWidth = 40

// Renderer formats output with one theme.
type Renderer struct {
	theme theme
	width int
}

func New(width int) *Renderer {
	return &Renderer{theme: defaultTheme(), width: max(minWidth, width)}
}

// Report renders the header line followed by one card per outcome.
func (r *Renderer) Report(rep *publish.Report) string {
	header := lipgloss.JoinHorizontal(lipgloss.Top,
		r.theme.header.Render("crosspost "+string(rep.Status())),
		r.theme.headerMeta.Render(fmt.Sprintf("  %d ok / %d failed  %s", rep.SuccessCount(), rep.FailureCount(), rep.ID)),
	)
	parts := []string{header, r.theme.divider.Render(strings.Repeat("─", r.width))}

	for _, o := range rep.Outcomes() {
		parts = append(parts, r.outcome(o))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n"
}

func (r *Renderer) outcome(o publish.Outcome) string {
	label := fmt.Sprintf("%s · %s", o.Platform, o.AccountID)
	contentWidth := r.width - 4

	if o.Success {
		body := o.RemoteID
		if o.URL != "" {
			body = o.URL
		}
		return lipgloss.JoinVertical(lipgloss.Left,
			r.theme.okTitle.Render("OK "+label),
			r.theme.okBox.Width(contentWidth).Render(body),
		)
	}

	lines := []string{fmt.Sprintf("%s: %s", o.ErrorKind, strings.TrimSpace(o.ErrorDetail))}
	if hint := hintText(o); hint != "" {
		lines = append(lines, r.theme.hint.Render(hint))
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		r.theme.failTitle.Render("FAILED "+label),
		r.theme.failBox.Width(contentWidth).Render(strings.Join(lines, "\n")),
	)
}

func hintText(o publish.Outcome) string {
	if o.Hint == nil {
		return ""
	}
	switch {
	case o.Hint.RequiresReconnect:
		return "reconnect this account"
	case o.Hint.RequiresTokenRefresh:
		return "refresh the token and retry"
	case o.Hint.Retryable:
		return "safe to retry"
	default:
		return ""
	}
}

// Progress renders one bus event as a single line, or "" for events that
// are not worth showing.
func (r *Renderer) Progress(e bus.Event) string {
	target := e.Platform + "/" + e.AccountID
	switch e.Type {
	case bus.EventPipelineStarted:
		return r.theme.progress.Render("→ " + target)
	case bus.EventPipelineRetrying:
		return r.theme.progress.Render(fmt.Sprintf("↻ %s attempt %d", target, e.Attempt))
	case bus.EventTokenRefreshed:
		return r.theme.progress.Render("⚿ " + target + " token refreshed")
	case bus.EventPipelineSucceeded:
		return r.theme.progressOK.Render("✓ " + target)
	case bus.EventPipelineFailed:
		return r.theme.statusErr.Render(fmt.Sprintf("✗ %s %s", target, e.Kind))
	default:
		return ""
	}
}
