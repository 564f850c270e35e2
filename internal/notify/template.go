package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/soilwatch/sentinel/internal/server/storage"
)

var severityColors = map[storage.Severity]template.CSS{
	storage.SeverityInfo:     "#2196F3",
	storage.SeverityLow:      "#4CAF50",
	storage.SeverityMedium:   "#FF9800",
	storage.SeverityHigh:     "#FF5722",
	storage.SeverityCritical: "#F44336",
}

var emailTemplate = template.Must(template.New("alert").Parse(`<!DOCTYPE html>
<html>
<head>
<style>
  body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
  .container { max-width: 600px; margin: 0 auto; padding: 20px; }
  .header { background: {{.Color}}; color: white; padding: 20px; border-radius: 5px 5px 0 0; }
  .content { background: #f9f9f9; padding: 20px; border: 1px solid #ddd; border-top: none; }
  .footer { padding: 20px; text-align: center; color: #666; font-size: 12px; }
  .badge { display: inline-block; padding: 5px 10px; background: {{.Color}}; color: white; border-radius: 3px; font-weight: bold; }
  .info { margin: 15px 0; padding: 10px; background: white; border-left: 4px solid {{.Color}}; }
</style>
</head>
<body>
<div class="container">
  <div class="header">
    <h2>{{.Alert.Message.Title}}</h2>
    <p><span class="badge">{{.Severity}}</span></p>
  </div>
  <div class="content">
    <p><strong>Alert ID:</strong> {{.Alert.AlertID}}</p>
    <p><strong>Type:</strong> {{.Alert.Type}}</p>
    <p><strong>Time:</strong> {{.Time}}</p>
    {{- if .Alert.SensorID}}
    <p><strong>Sensor:</strong> {{.Alert.SensorID}}</p>
    {{- end}}
    <div class="info">
      <h3>Description</h3>
      <p>{{.Alert.Message.Description}}</p>
    </div>
    {{- if .Alert.Message.Actionable}}
    <div class="info">
      <h3>Recommended Actions</h3>
      <p>{{.Alert.Message.Actionable}}</p>
    </div>
    {{- end}}
  </div>
  <div class="footer">
    <p>Soil Moisture Monitoring System - Automated Alert</p>
    <p>Do not reply to this email. Log in to the dashboard for more details.</p>
  </div>
</div>
</body>
</html>
`))

// Subject is the email subject line, "[SEVERITY] title".
func Subject(a storage.Alert) string {
	return fmt.Sprintf("[%s] %s", strings.ToUpper(string(a.Severity)), a.Message.Title)
}

// RenderEmail renders the HTML body of an alert email. Alert text is
// escaped.
func RenderEmail(a storage.Alert) (string, error) {
	color, ok := severityColors[a.Severity]
	if !ok {
		color = severityColors[storage.SeverityInfo]
	}
	var buf bytes.Buffer
	err := emailTemplate.Execute(&buf, struct {
		Alert    storage.Alert
		Color    template.CSS
		Severity string
		Time     string
	}{
		Alert:    a,
		Color:    color,
		Severity: strings.ToUpper(string(a.Severity)),
		Time:     a.CreatedAt.UTC().Format(time.RFC1123),
	})
	if err != nil {
		return "", fmt.Errorf("notify: render email %s: %w", a.AlertID, err)
	}
	return buf.String(), nil
}

// SMSText is the short text sent to phones.
func SMSText(a storage.Alert) string {
	return fmt.Sprintf("[%s] %s: %s", strings.ToUpper(string(a.Severity)), a.Message.Title, a.Message.Description)
}
