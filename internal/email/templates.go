package email

var subjects = map[string]string{
	"messagePosted":   `New message in {{.Payload.fileType}} for {{.Payload.studentFirstname}} {{.Payload.studentLastname}}`,
	"finalized":       `{{.Payload.fileType}} of {{.Payload.studentFirstname}} {{.Payload.studentLastname}} is final`,
	"reopened":        `{{.Payload.fileType}} of {{.Payload.studentFirstname}} {{.Payload.studentLastname}} was reopened`,
	"membersChanged":  `You were assigned to {{.Payload.studentFirstname}} {{.Payload.studentLastname}}`,
	"reminder.assign": `Please assign a reviewer for {{.Payload.studentFirstname}} {{.Payload.studentLastname}}`,
	"digest":          `Your pending tasks`,
}

const layoutTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <p>Hi {{.Recipient.Firstname}} {{.Recipient.Lastname}},</p>
{{- if eq .Event "messagePosted"}}
    <p>There is a new message in <b>{{.Payload.fileType}}</b>{{with .Payload.school}} for {{.}} {{$.Payload.programName}}{{end}} of {{.Payload.studentFirstname}} {{.Payload.studentLastname}}.</p>
{{- else if eq .Event "finalized"}}
    <p><b>{{.Payload.fileType}}</b>{{with .Payload.school}} for {{.}} {{$.Payload.programName}}{{end}} of {{.Payload.studentFirstname}} {{.Payload.studentLastname}} was marked as final.</p>
{{- else if eq .Event "reopened"}}
    <p><b>{{.Payload.fileType}}</b>{{with .Payload.school}} for {{.}} {{$.Payload.programName}}{{end}} of {{.Payload.studentFirstname}} {{.Payload.studentLastname}} is open again.</p>
{{- else if eq .Event "membersChanged"}}
    <p>You now work with {{.Payload.studentFirstname}} {{.Payload.studentLastname}} as {{.Role}}.</p>
{{- else if eq .Event "reminder.assign"}}
    <p>{{.Payload.studentFirstname}} {{.Payload.studentLastname}} posted in <b>{{.Payload.fileType}}</b> but nobody is assigned to review it yet. Please assign one.</p>
{{- else if eq .Event "digest"}}
    <p>These tasks are waiting for you:</p>
    {{.Digest}}
{{- end}}
{{- if .ThreadURL}}
    <p><a href="{{.ThreadURL}}" class="button">Open thread</a></p>
{{- end}}
    <div class="footer">
        <p>Last update {{.Payload.updatedAt}}</p>
    </div>
</body>
</html>`
