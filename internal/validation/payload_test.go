package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/mmeshcher/somatic-system/internal/model"
)

func intPtr(v int) *int { return &v }

func TestIsValidSeqIndex(t *testing.T) {
	tests := []struct {
		seqIndex int
		want     bool
	}{
		{seqIndex: 1, want: true},
		{seqIndex: 15, want: true},
		{seqIndex: 0, want: false},
		{seqIndex: -3, want: false},
	}

	for _, tt := range tests {
		if got := IsValidSeqIndex(tt.seqIndex); got != tt.want {
			t.Fatalf("IsValidSeqIndex(%d) = %v, want %v", tt.seqIndex, got, tt.want)
		}
	}
}

func TestValidateCompletionPayload(t *testing.T) {
	valid := model.CompletionPayload{
		Responses: []model.PromptResponse{
			{PromptID: "breath-check", Value: "calm"},
			{PromptID: "tension-scale", Value: float64(4)},
			{PromptID: "grounded", Value: true},
		},
		Notes:      "short note",
		MoodRating: intPtr(7),
	}

	if err := ValidateCompletionPayload(valid); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}

	tests := []struct {
		name    string
		payload model.CompletionPayload
	}{
		{
			name:    "empty responses",
			payload: model.CompletionPayload{},
		},
		{
			name: "blank prompt id",
			payload: model.CompletionPayload{
				Responses: []model.PromptResponse{{PromptID: "", Value: "x"}},
			},
		},
		{
			name: "nil value",
			payload: model.CompletionPayload{
				Responses: []model.PromptResponse{{PromptID: "p1", Value: nil}},
			},
		},
		{
			name: "unsupported value type",
			payload: model.CompletionPayload{
				Responses: []model.PromptResponse{{PromptID: "p1", Value: []string{"a"}}},
			},
		},
		{
			name: "notes too long",
			payload: model.CompletionPayload{
				Responses: []model.PromptResponse{{PromptID: "p1", Value: "x"}},
				Notes:     strings.Repeat("я", 5001),
			},
		},
		{
			name: "mood rating below range",
			payload: model.CompletionPayload{
				Responses:  []model.PromptResponse{{PromptID: "p1", Value: "x"}},
				MoodRating: intPtr(0),
			},
		},
		{
			name: "mood rating above range",
			payload: model.CompletionPayload{
				Responses:  []model.PromptResponse{{PromptID: "p1", Value: "x"}},
				MoodRating: intPtr(11),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateCompletionPayload(tt.payload); !errors.Is(err, ErrMissingResponse) {
				t.Fatalf("expected ErrMissingResponse, got %v", err)
			}
		})
	}
}

func TestValidateCompletionPayload_NotesBoundary(t *testing.T) {
	payload := model.CompletionPayload{
		Responses: []model.PromptResponse{{PromptID: "p1", Value: "x"}},
		Notes:     strings.Repeat("a", 5000),
	}

	if err := ValidateCompletionPayload(payload); err != nil {
		t.Fatalf("5000-char notes must pass, got %v", err)
	}
}
