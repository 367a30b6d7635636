package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fixedTime(minute int) time.Time {
	return time.Date(2026, 3, 10, 12, minute, 0, 0, time.UTC)
}

func TestResolvePath(t *testing.T) {
	payload := map[string]any{
		"total": 42.5,
		"buyer": map[string]any{
			"name": "Acme",
			"tags": []any{"vip", "net30"},
		},
		"items": []any{
			map[string]any{"amount": 10.0},
			map[string]any{"amount": 32.5, "note": nil},
		},
	}

	tests := []struct {
		name  string
		path  string
		want  any
		found bool
	}{
		{"top level field", "total", 42.5, true},
		{"nested field", "buyer.name", "Acme", true},
		{"array index", "items[1].amount", 32.5, true},
		{"array in field", "buyer.tags[0]", "vip", true},
		{"stored null resolves", "items[1].note", nil, true},
		{"missing field", "buyer.age", nil, false},
		{"index out of range", "items[5].amount", nil, false},
		{"index into object", "buyer[0]", nil, false},
		{"field into scalar", "total.cents", nil, false},
		{"empty path returns payload", "", payload, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := ResolvePath(payload, tt.path)
			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCollectUniqueFields(t *testing.T) {
	payload := map[string]any{
		"invoice": map[string]any{
			"iban":   "DE02",
			"amount": 10.0,
		},
		"refund": map[string]any{
			"amount": 3.0,
		},
	}

	unique := CollectUniqueFields(payload)

	assert.Equal(t, "DE02", unique["iban"])
	assert.Contains(t, unique, "invoice")
	assert.Contains(t, unique, "refund")
	// "amount" appears twice and must not be exposed.
	assert.NotContains(t, unique, "amount")
}

func TestSortFindingsForDisplay(t *testing.T) {
	old := fixedTime(1)
	newer := fixedTime(2)

	findings := []*Finding{
		{ID: "i1", Severity: SeverityInfo, CreatedAt: old},
		{ID: "w1", Severity: SeverityWarning, CreatedAt: old},
		{ID: "e-old", Severity: SeverityError, CreatedAt: old},
		{ID: "e-new", Severity: SeverityError, CreatedAt: newer},
		{ID: "s1", Severity: SeveritySuccess, CreatedAt: newer},
	}

	SortFindingsForDisplay(findings)

	ids := make([]string, 0, len(findings))
	for _, f := range findings {
		ids = append(ids, f.ID)
	}

	assert.Equal(t, []string{"e-new", "e-old", "w1", "s1", "i1"}, ids)
}
