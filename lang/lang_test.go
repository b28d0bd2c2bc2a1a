package lang

import (
	"testing"
)

func TestPlural(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"observation", "observations"},
		{"actor", "actors"},
		{"entry", "entries"},
		{"process", "processes"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := Plural(tt.input); got != tt.expected {
				t.Errorf("Plural(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestCapitalize(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"sensor", "Sensor"},
		{"hello world", "Hello world"},
		{"ALREADY", "ALREADY"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := Capitalize(tt.input); got != tt.expected {
				t.Errorf("Capitalize(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestCard(t *testing.T) {
	tests := []struct {
		count    int
		word     string
		expected string
	}{
		{0, "observation", "no observations"},
		{1, "observation", "one observation"},
		{2, "actor", "two actors"},
		{3, "entry", "three entries"},
		{12, "observation", "12 observations"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := Card(tt.count, tt.word); got != tt.expected {
				t.Errorf("Card(%d, %q) = %q, want %q", tt.count, tt.word, got, tt.expected)
			}
		})
	}
}

func TestEnumerator(t *testing.T) {
	tests := []struct {
		name     string
		enum     Enumerator
		elements []string
		expected string
	}{
		{
			name:     "single element",
			enum:     Enumerator{},
			elements: []string{"mimic"},
			expected: "mimic",
		},
		{
			name:     "two elements",
			enum:     Enumerator{},
			elements: []string{"mimic", "benthic"},
			expected: "mimic and benthic",
		},
		{
			name:     "three elements",
			enum:     Enumerator{},
			elements: []string{"mimic", "benthic", "hippolyzer"},
			expected: "mimic, benthic, and hippolyzer",
		},
		{
			name:     "with or operator",
			enum:     Enumerator{Operator: "or"},
			elements: []string{"local", "rest"},
			expected: "local or rest",
		},
		{
			name:     "with pattern",
			enum:     Enumerator{Pattern: "%q", Operator: "or"},
			elements: []string{"abort", "log", "alert"},
			expected: `"abort", "log", or "alert"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.enum.Do(tt.elements...); got != tt.expected {
				t.Errorf("Enumerator.Do(%v) = %q, want %q", tt.elements, got, tt.expected)
			}
		})
	}
}

func TestNumber(t *testing.T) {
	for count, want := range map[int]string{0: "none", 1: "one", 3: "three", 12: "12"} {
		if got := Number(count); got != want {
			t.Errorf("Number(%d) = %q, want %q", count, got, want)
		}
	}
}
