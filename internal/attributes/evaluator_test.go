package attributes

import (
	"testing"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/mrzor/usdt-capture/internal/config"
)

func TestEvaluator_Simple(t *testing.T) {
	attrs := []config.CustomAttribute{
		{Name: "cache.key", Expression: `key`},
		{Name: "cache.outcome", Expression: `method + ":" + event`},
		{Name: "thread", Expression: `tid`},
	}

	log, _ := test.NewNullLogger()
	evaluator, err := NewEvaluator(attrs, log)
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}

	result := evaluator.EvaluateCustomAttributes(eventWithTraceID("abc123"))
	if len(result) != 3 {
		t.Fatalf("Expected 3 attributes, got %d", len(result))
	}

	want := map[string]string{
		"cache.key":     "user:42",
		"cache.outcome": "store:ok",
		"thread":        "42",
	}
	for _, attr := range result {
		if got := attr.Value.AsString(); got != want[string(attr.Key)] {
			t.Errorf("%s = %q, want %q", attr.Key, got, want[string(attr.Key)])
		}
	}
}

func TestEvaluator_MapExpansion(t *testing.T) {
	attrs := []config.CustomAttribute{
		{Name: "expanded", Expression: `{"the-method": method, "event": event}`},
	}

	log, _ := test.NewNullLogger()
	evaluator, err := NewEvaluator(attrs, log)
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}

	result := evaluator.EvaluateCustomAttributes(eventWithTraceID(""))
	if len(result) != 2 {
		t.Errorf("Expected 2 attributes (map expansion), got %d", len(result))
	}

	foundMethod := false
	foundEvent := false
	for _, attr := range result {
		if attr.Key == "expanded.the_method" && attr.Value.AsString() == "store" {
			foundMethod = true
		}
		if attr.Key == "expanded.event" && attr.Value.AsString() == "ok" {
			foundEvent = true
		}
	}

	if !foundMethod {
		t.Error("Missing expanded.the_method attribute")
	}
	if !foundEvent {
		t.Error("Missing expanded.event attribute")
	}
}

func TestSanitizeAttributeName(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"simple", "simple"},
		{"with-dash", "with_dash"},
		{"with.dot", "with_dot"},
		{"with space", "with_space"},
		{"special!@#$%", "special_____"},
		{"mixed-123.test", "mixed_123_test"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := sanitizeAttributeName(tt.input)
			if got != tt.want {
				t.Errorf("sanitizeAttributeName(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestEvaluator_InvalidExpression(t *testing.T) {
	attrs := []config.CustomAttribute{
		{Name: "bad", Expression: `invalid syntax here`},
	}

	log, _ := test.NewNullLogger()
	if _, err := NewEvaluator(attrs, log); err == nil {
		t.Error("Expected error for invalid expression")
	}
}

func TestEvaluator_RuntimeErrorSkipsAttribute(t *testing.T) {
	attrs := []config.CustomAttribute{
		{Name: "good", Expression: `key`},
		{Name: "bad", Expression: `[1, 2][tid]`},
	}

	log, hook := test.NewNullLogger()
	evaluator, err := NewEvaluator(attrs, log)
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}

	result := evaluator.EvaluateCustomAttributes(eventWithTraceID(""))
	if len(result) != 1 {
		t.Fatalf("Expected 1 attribute, got %d", len(result))
	}
	if result[0].Key != "good" {
		t.Errorf("result[0].Key = %q, want good", result[0].Key)
	}
	if len(hook.Entries) != 1 {
		t.Errorf("Expected the failure to be logged once, got %d entries", len(hook.Entries))
	}
}

func TestEvaluator_NilEvent(t *testing.T) {
	attrs := []config.CustomAttribute{
		{Name: "test", Expression: `key`},
	}

	log, _ := test.NewNullLogger()
	evaluator, err := NewEvaluator(attrs, log)
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}

	if result := evaluator.EvaluateCustomAttributes(nil); result != nil {
		t.Error("Expected nil result for nil event")
	}
}
