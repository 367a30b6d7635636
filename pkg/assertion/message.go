package assertion

import (
	"fmt"
	"math"
	"strings"
	"text/template"
)

// messageFuncs are the filters available inside custom message
// templates, applied pipeline-style: {{.actual | round 2}}.
var messageFuncs = template.FuncMap{
	"round": func(precision int, value any) any {
		number, ok := asNumber(value, true)
		if !ok {
			return value
		}

		factor := math.Pow(10, float64(precision))

		return math.Round(number*factor) / factor
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"title": func(s string) string {
		words := strings.Fields(s)
		for i, word := range words {
			words[i] = strings.ToUpper(word[:1]) + word[1:]
		}

		return strings.Join(words, " ")
	},
	"default": func(fallback, value any) any {
		if value == nil || value == "" {
			return fallback
		}

		return value
	},
}

// RenderMessage renders a custom message template against the assertion
// data map. On template errors the generated fallback message is
// returned together with the error, so a bad template never hides a
// finding.
func RenderMessage(templateText string, data map[string]any, fallback string) (string, error) {
	tmpl, err := template.New("message").Funcs(messageFuncs).Parse(templateText)
	if err != nil {
		return fallback, fmt.Errorf("failed to parse message template: %w", err)
	}

	var buf strings.Builder

	if err := tmpl.Execute(&buf, data); err != nil {
		return fallback, fmt.Errorf("failed to render message template: %w", err)
	}

	return strings.TrimSpace(buf.String()), nil
}
