package banter

import "testing"

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  Hello World  ", "hello world"},
		{"КИЇВ", "київ"},
		{"", ""},
		{"already normal", "already normal"},
	}
	for _, tt := range tests {
		if got := NormalizeText(tt.in); got != tt.want {
			t.Errorf("NormalizeText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	// Idempotent.
	once := NormalizeText("  MiXeD  ")
	if NormalizeText(once) != once {
		t.Errorf("not idempotent: %q", once)
	}
}

func TestCanonicalValue(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Kiev", "kyiv"},
		{"Київ", "kyiv"},
		{"Київ ❤️", "kyiv"},
		{"Odessa", "odesa"},
		{"JS", "javascript"},
		{"golang", "go"},
		{"dev", "developer"},
		{"senior js dev", "senior javascript developer"},
		{"unknown city", "unknown city"},
		{"Marrakesh", "marrakesh"},
	}
	for _, tt := range tests {
		if got := CanonicalValue(tt.in); got != tt.want {
			t.Errorf("CanonicalValue(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("empty = %d", got)
	}
	if got := EstimateTokens("abcd"); got != 1 {
		t.Errorf("abcd = %d", got)
	}
	if got := EstimateTokens("abcde"); got != 2 {
		t.Errorf("abcde = %d", got)
	}
}

func TestEstimateTurnTokens(t *testing.T) {
	if got := EstimateTurnTokens(nil); got != 0 {
		t.Errorf("no turns = %d", got)
	}
	turns := []ChatMessage{
		{Role: "user", Content: "abcd"},
		{Role: "assistant", Content: "abcdefgh"},
	}
	// len/4 per turn plus 4 tokens of framing each.
	if got := EstimateTurnTokens(turns); got != 1+4+2+4 {
		t.Errorf("two turns = %d, want 11", got)
	}
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}

	if got := CosineSimilarity(a, a); got < 1-SimilarityTolerance {
		t.Errorf("identical = %v", got)
	}
	if got := CosineSimilarity(a, b); got > SimilarityTolerance {
		t.Errorf("orthogonal = %v", got)
	}
	if got := CosineSimilarity(a, []float32{1, 0}); got != 0 {
		t.Errorf("mismatched lengths = %v", got)
	}
	if got := CosineSimilarity(a, []float32{0, 0, 0}); got != 0 {
		t.Errorf("zero vector = %v", got)
	}
	if got := CosineSimilarity(a, []float32{-1, 0, 0}); got > -1+SimilarityTolerance {
		t.Errorf("opposite = %v", got)
	}
}
