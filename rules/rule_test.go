package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestCondEvaluator tests the condition micro-language.
func TestCondEvaluator(t *testing.T) {
	evaluator := NewCondEvaluator()

	tests := []struct {
		name       string
		condition  string
		payload    map[string]interface{}
		wantResult bool
		wantErr    bool
	}{
		{
			name:       "empty condition is always true",
			condition:  "",
			payload:    map[string]interface{}{"amount": 5},
			wantResult: true,
		},
		{
			name:       "whitespace condition is always true",
			condition:  "   ",
			payload:    nil,
			wantResult: true,
		},
		{
			name:       "numeric less-or-equal true",
			condition:  "payload.amount <= 1000",
			payload:    map[string]interface{}{"amount": 500},
			wantResult: true,
		},
		{
			name:       "numeric less-or-equal false",
			condition:  "payload.amount <= 1000",
			payload:    map[string]interface{}{"amount": 5000},
			wantResult: false,
		},
		{
			name:       "numeric greater than with float payload",
			condition:  "payload.leave_days > 3",
			payload:    map[string]interface{}{"leave_days": 3.5},
			wantResult: true,
		},
		{
			name:       "numeric string payload value compares numerically",
			condition:  "payload.amount < 10",
			payload:    map[string]interface{}{"amount": "7"},
			wantResult: true,
		},
		{
			name:       "numeric equality",
			condition:  "payload.count == 3",
			payload:    map[string]interface{}{"count": 3},
			wantResult: true,
		},
		{
			name:       "string equality with quoted literal",
			condition:  "payload.outcome == 'approved'",
			payload:    map[string]interface{}{"outcome": "approved"},
			wantResult: true,
		},
		{
			name:       "string inequality",
			condition:  "payload.outcome != rejected",
			payload:    map[string]interface{}{"outcome": "approved"},
			wantResult: true,
		},
		{
			name:       "unknown key is false",
			condition:  "payload.missing == 1",
			payload:    map[string]interface{}{"amount": 1},
			wantResult: false,
		},
		{
			name:       "nil payload value is false",
			condition:  "payload.amount > 0",
			payload:    map[string]interface{}{"amount": nil},
			wantResult: false,
		},
		{
			name:       "ordering operator on non-numeric is false with diagnostic",
			condition:  "payload.name <= bob",
			payload:    map[string]interface{}{"name": "alice"},
			wantResult: false,
			wantErr:    true,
		},
		{
			name:       "missing payload prefix is unsupported",
			condition:  "amount <= 1000",
			payload:    map[string]interface{}{"amount": 500},
			wantResult: false,
			wantErr:    true,
		},
		{
			name:       "unsupported operator",
			condition:  "payload.amount ~= 1000",
			payload:    map[string]interface{}{"amount": 500},
			wantResult: false,
			wantErr:    true,
		},
		{
			name:       "too many tokens is unsupported",
			condition:  "payload.amount <= 1000 extra",
			payload:    map[string]interface{}{"amount": 500},
			wantResult: false,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tt.condition, tt.payload)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			// Fail-closed: the boolean is authoritative regardless of the
			// diagnostic.
			assert.Equal(t, tt.wantResult, result)
		})
	}
}
