package notification

import (
	"bytes"
	"html/template"
)

var (
	welcomeTemplate = template.Must(template.New("welcome").Parse(`<!DOCTYPE html>
<html><body>
<p>Hello {{.Name}},</p>
<p>Your account is ready. You can now sign in and chat with your financial assistant.</p>
</body></html>`))

	resetTemplate = template.Must(template.New("reset").Parse(`<!DOCTYPE html>
<html><body>
<p>Hello {{.Name}},</p>
<p>We received a request to reset your password. The link below is valid for {{.Validity}}.</p>
<p><a href="{{.Link}}">Reset your password</a></p>
<p>If you did not ask for this, ignore this message.</p>
</body></html>`))
)

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
