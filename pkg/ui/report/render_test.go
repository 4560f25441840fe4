package report

import (
	"strings"
	"testing"

	"crosspost/pkg/bus"
	"crosspost/pkg/platform"
	"crosspost/pkg/publish"
)

func TestReportListsEveryOutcome(t *testing.T) {
	t.Parallel()

	hint := platform.HintFor(platform.KindRequiresReconnect, false)
	rep := publish.NewReport("req-9", []publish.Outcome{
		{AccountID: "x-main", Platform: platform.X, Success: true, RemoteID: "17", URL: "https://x.com/i/status/17"},
		{AccountID: "guild", Platform: platform.Discord, ErrorKind: platform.KindRequiresReconnect, ErrorDetail: "bot removed", Hint: &hint},
	})

	out := New(80).Report(rep)
	for _, want := range []string{"partial", "1 ok / 1 failed", "req-9", "https://x.com/i/status/17", "bot removed", "reconnect this account"} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "x-main") > strings.Index(out, "guild") {
		t.Fatalf("outcomes out of target order:\n%s", out)
	}
}

func TestProgress(t *testing.T) {
	t.Parallel()

	r := New(0)
	tests := []struct {
		event bus.Event
		want  string
	}{
		{event: bus.Event{Type: bus.EventPipelineStarted, Platform: "x", AccountID: "a"}, want: "x/a"},
		{event: bus.Event{Type: bus.EventPipelineRetrying, Platform: "x", AccountID: "a", Attempt: 2}, want: "attempt 2"},
		{event: bus.Event{Type: bus.EventPipelineFailed, Platform: "reddit", AccountID: "b", Kind: "AuthExpired"}, want: "AuthExpired"},
		{event: bus.Event{Type: bus.EventRequestCompleted}, want: ""},
	}

	for _, tt := range tests {
		got := r.Progress(tt.event)
		if tt.want == "" {
			if got != "" {
				t.Fatalf("Progress(%s) = %q, want empty", tt.event.Type, got)
			}
			continue
		}
		if !strings.Contains(got, tt.want) {
			t.Fatalf("Progress(%s) = %q, want it to contain %q", tt.event.Type, got, tt.want)
		}
	}
}
