package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"time"
)

var trialEndingTemplate = template.Must(template.New("trial_ending").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Your trial is ending</title>
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; margin: 0; padding: 0; background-color: #f5f5f5;">
<table role="presentation" style="width: 100%; border: 0;">
<tr><td style="padding: 40px 0; text-align: center;">
<table role="presentation" style="max-width: 480px; margin: 0 auto; background: #ffffff; border-radius: 8px;">
<tr><td style="padding: 32px 40px; text-align: center;">
<h1 style="margin: 0 0 16px; font-size: 24px; color: #1a1a1a;">Your {{.PlanName}} trial ends {{.EndsOn}}</h1>
<p style="margin: 0 0 24px; color: #666; font-size: 15px; line-height: 1.5;">
Add a payment method before then to keep your {{.PlanName}} features and limits.
</p>
{{if .ManageURL}}<a href="{{.ManageURL}}" style="display: inline-block; padding: 12px 32px; background: #2563eb; color: #ffffff; text-decoration: none; border-radius: 6px; font-size: 15px;">
Manage billing
</a>{{end}}
</td></tr>
</table>
</td></tr>
</table>
</body>
</html>`))

// TrialEndingData holds template data for the trial-ending email.
type TrialEndingData struct {
	PlanName    string
	TrialEndsAt time.Time
	ManageURL   string
}

// EndsOn formats the trial end date for display.
func (d TrialEndingData) EndsOn() string {
	return d.TrialEndsAt.UTC().Format("January 2, 2006")
}

// RenderTrialEndingEmail renders the trial-ending HTML and text bodies.
func RenderTrialEndingEmail(data TrialEndingData) (html, text string, err error) {
	if data.PlanName == "" {
		data.PlanName = "subscription"
	}
	var buf bytes.Buffer
	if err := trialEndingTemplate.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render trial ending template: %w", err)
	}

	text = fmt.Sprintf("Your %s trial ends %s.\n\nAdd a payment method before then to keep your features and limits.", data.PlanName, data.EndsOn())
	if data.ManageURL != "" {
		text += "\n\nManage billing: " + data.ManageURL
	}
	return buf.String(), text, nil
}
