package bridge

import (
	"html/template"
	"strings"
)

// FallbackData parameterizes the diagnostic document.
type FallbackData struct {
	Endpoint  string
	Reason    string
	RuntimeID string
}

var fallbackTemplate = template.Must(template.New("fallback").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Server Offline</title></head>
<body style="font-family:sans-serif; background:#222; color:#ddd; padding:24px;">
  <h2>Unable to reach the application server.</h2>
  <p>Target: <b>{{.Endpoint}}</b></p>
  {{- if .Reason}}
  <p>Reason: <code>{{.Reason}}</code></p>
  {{- end}}
  <ul>
    <li>Check that the server is listening on the configured port.</li>
    <li>Check that no other process holds the port.</li>
    <li>Check that no local firewall or security software blocks the connection.</li>
  </ul>
  {{- if .RuntimeID}}
  <p><small>runtime {{.RuntimeID}}</small></p>
  {{- end}}
</body>
</html>
`))

// RenderFallback renders the diagnostic document. Every field is
// HTML-escaped.
func RenderFallback(data FallbackData) (string, error) {
	var sb strings.Builder
	if err := fallbackTemplate.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}
