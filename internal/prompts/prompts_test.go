package prompts

import (
	"strings"
	"testing"
)

func TestCompactionPrompt(t *testing.T) {
	got := CompactionPrompt("User: where is order A1?", "")
	if !strings.Contains(got, "User: where is order A1?") {
		t.Error("prompt should contain the conversation text")
	}
	if strings.Contains(got, "Earlier summary") {
		t.Error("prompt should not mention an earlier summary when there is none")
	}

	got = CompactionPrompt("User: hi", "- user asked about refunds")
	if !strings.Contains(got, "- user asked about refunds") {
		t.Error("prompt should carry the earlier summary forward")
	}
}

func TestBudgetExceededMessage(t *testing.T) {
	if got := BudgetExceededMessage(8); !strings.Contains(got, "8 rounds") {
		t.Errorf("BudgetExceededMessage(8) = %q", got)
	}
}

func TestSummaryHeader(t *testing.T) {
	if got := SummaryHeader(12); !strings.Contains(got, "12 earlier messages") {
		t.Errorf("SummaryHeader(12) = %q", got)
	}
}
