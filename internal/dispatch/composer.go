package dispatch

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/lalithlochan/nudge/internal/rules"
)

// Composer renders the subject and body for a notification on a channel.
// Subject is ignored by chat and SMS channels.
type Composer interface {
	Compose(n Notification, channel string) (subject, body string, err error)
}

type messageTemplate struct {
	subject *template.Template
	body    *template.Template
}

// TemplateComposer is the built-in composer with one short template per rule.
type TemplateComposer struct {
	loc       *time.Location
	templates map[rules.RuleType]messageTemplate
}

var defaultTemplates = map[rules.RuleType][2]string{
	rules.Reminder24h:   {"Reminder: {{.Service}} tomorrow", "Hi {{.Name}}, this is a reminder of your {{.Service}} at {{.Business}} tomorrow at {{.Time}}."},
	rules.Reminder12h:   {"Reminder: {{.Service}} today", "Hi {{.Name}}, your {{.Service}} at {{.Business}} is at {{.Time}} on {{.Date}}."},
	rules.Reminder2h:    {"Reminder: {{.Service}} in 2 hours", "Hi {{.Name}}, see you in 2 hours at {{.Business}} ({{.Time}})."},
	rules.Reminder1h:    {"Reminder: {{.Service}} in 1 hour", "Hi {{.Name}}, your {{.Service}} at {{.Business}} starts in 1 hour ({{.Time}})."},
	rules.Reminder30Min: {"Reminder: {{.Service}} in 30 minutes", "Hi {{.Name}}, your {{.Service}} at {{.Business}} starts in 30 minutes."},
	rules.PreExpire3D:   {"Your subscription ends in 3 days", "Hello {{.Business}}, your subscription ends on {{.Date}}. Renew now to keep reminders running."},
	rules.PreExpire1D:   {"Your subscription ends tomorrow", "Hello {{.Business}}, your subscription ends tomorrow ({{.Date}}). Renew today to avoid interruption."},
	rules.ExpireGrace:   {"Your subscription has expired", "Hello {{.Business}}, your subscription ended on {{.Date}} and your account has been paused. Renew to reactivate it."},
}

// NewTemplateComposer parses the built-in templates. Times are rendered in loc.
func NewTemplateComposer(loc *time.Location) (*TemplateComposer, error) {
	if loc == nil {
		loc = time.UTC
	}
	c := &TemplateComposer{loc: loc, templates: make(map[rules.RuleType]messageTemplate, len(defaultTemplates))}
	for rt, src := range defaultTemplates {
		subject, err := template.New(string(rt) + "_subject").Parse(src[0])
		if err != nil {
			return nil, fmt.Errorf("parse %s subject: %w", rt, err)
		}
		body, err := template.New(string(rt) + "_body").Parse(src[1])
		if err != nil {
			return nil, fmt.Errorf("parse %s body: %w", rt, err)
		}
		c.templates[rt] = messageTemplate{subject: subject, body: body}
	}
	return c, nil
}

type templateData struct {
	Name     string
	Business string
	Service  string
	Date     string
	Time     string
}

// Compose renders the template for n.Rule.
func (c *TemplateComposer) Compose(n Notification, channel string) (string, string, error) {
	tmpl, ok := c.templates[n.Rule]
	if !ok {
		return "", "", fmt.Errorf("no template for rule %s", n.Rule)
	}

	ref := n.ReferenceTime.In(c.loc)
	data := templateData{
		Name:     n.Recipient.Name,
		Business: n.TenantName,
		Service:  n.ServiceName,
		Date:     ref.Format("Mon 2 Jan 2006"),
		Time:     ref.Format("15:04"),
	}
	if data.Name == "" {
		data.Name = "there"
	}
	if data.Service == "" {
		data.Service = "appointment"
	}

	var subject, body bytes.Buffer
	if err := tmpl.subject.Execute(&subject, data); err != nil {
		return "", "", err
	}
	if err := tmpl.body.Execute(&body, data); err != nil {
		return "", "", err
	}
	return subject.String(), body.String(), nil
}
