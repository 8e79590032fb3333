package application

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	alarms "fleetwatch/internal/alarms/domain"
)

// DefaultMessageTemplate renders alarm messages when a rule supplies none.
const DefaultMessageTemplate = `[{{.Severity}}] {{.RuleName}}: {{.TargetKey}} observed {{.Value}} at {{.FiredAt}}`

// MessageData provides the placeholder fields of a rule's message template.
type MessageData struct {
	RuleName  string
	RuleID    string
	TargetKey string
	Severity  string
	Value     string
	FiredAt   string
}

// RenderMessage applies the rule's message template to a fired alarm. A
// broken template falls back to the default rather than blocking the fire.
func RenderMessage(rule alarms.AlarmRule, targetKey string, observed float64, firedAt time.Time) string {
	raw := rule.MessageTemplate
	if raw == "" {
		raw = DefaultMessageTemplate
	}
	data := MessageData{
		RuleName:  rule.Name,
		RuleID:    rule.ID,
		TargetKey: targetKey,
		Severity:  string(rule.Severity),
		Value:     fmt.Sprintf("%.2f", observed),
		FiredAt:   firedAt.UTC().Format(time.RFC3339),
	}
	if rendered, ok := render(raw, data); ok {
		return rendered
	}
	rendered, _ := render(DefaultMessageTemplate, data)
	return rendered
}

func render(raw string, data MessageData) (string, bool) {
	parsed, err := template.New("alarm-message").Parse(raw)
	if err != nil {
		return "", false
	}
	var buf bytes.Buffer
	if err := parsed.Execute(&buf, data); err != nil {
		return "", false
	}
	return buf.String(), true
}
