package style

import (
	"strings"
	"testing"

	"github.com/jpatrickfarrell/jat-sub014/internal/classify"
)

func TestTableRender(t *testing.T) {
	out := NewTable(
		Column{Name: "SESSION", Width: 14},
		Column{Name: "STATE", Width: 10},
		Column{Name: "PORT", Width: 5, Right: true},
	).
		Row("jat-FairBay", "working", "").
		Row("server-web", "running", "5173").
		Render()

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("rendered %d lines, want header+sep+2 rows", len(lines))
	}
	if !strings.Contains(lines[2], "jat-FairBay") {
		t.Errorf("row 1 = %q", lines[2])
	}
	if !strings.HasSuffix(lines[3], "5173") {
		t.Errorf("right-aligned port row = %q", lines[3])
	}
}

func TestTableTruncates(t *testing.T) {
	out := NewTable(Column{Name: "NAME", Width: 8}).
		Row("jat-VeryLongAgentName").
		Render()
	if !strings.Contains(out, "jat-Ver…") {
		t.Errorf("long cell not truncated: %q", out)
	}
}

func TestStateBadgeFallsBack(t *testing.T) {
	if got := State(classify.State("mystery")); got != "mystery" {
		t.Errorf("unknown state rendered as %q", got)
	}
	if State(classify.StateWorking) == "" {
		t.Error("known state rendered empty")
	}
}
