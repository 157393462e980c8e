package server

import (
	"errors"
	"html/template"
	"net/http"

	"nugget-notifier/content"
)

const pageStyle = `body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 720px; margin: 0 auto; padding: 20px; background: #fff; }
.content img { max-width: 100%; height: auto; margin: 10px 0; display: block; }
.content blockquote { border-left: 3px solid #ddd; padding-left: 15px; margin: 10px 0; color: #666; }
.footer { margin-top: 30px; padding-top: 15px; font-size: 0.9em; color: #7f8c8d; border-top: 1px solid #ddd; }
a { color: #e67e22; text-decoration: none; }
a:hover { text-decoration: underline; }
label, input, button { display: block; margin: 8px 0; font-size: 1em; }
@media (prefers-color-scheme: dark) {
body { background: #1a1a1a; color: #e0e0e0; }
.content blockquote { border-left-color: #444; color: #b0b0b0; }
.footer { color: #a0a0a0; border-top-color: #444; }
a { color: #ff8c42; }
}`

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Nuggets</title>
<style>{{.Style}}</style>
</head>
<body>
<h1>Nuggets</h1>
<p>Bite-sized lessons by text message, on your schedule.</p>
<form method="post" action="/signup">
<label for="phone">Phone number</label>
<input id="phone" name="phone" type="tel" placeholder="+15551234567" required>
<label for="hours">Stop after (hours, optional)</label>
<input id="hours" name="hours" type="number" min="1">
<button type="submit">Start</button>
</form>
<div class="footer">Text <b>:help</b> to your nuggets number at any time.</div>
</body>
</html>
`))

var nuggetTemplate = template.Must(template.New("nugget").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Your nugget</title>
<style>{{.Style}}</style>
</head>
<body>
<div class="content">
{{.Body}}
</div>
<div class="footer">Reply <b>:help</b> to change what and how often you learn.</div>
</body>
</html>
`))

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")

	if err := indexTemplate.Execute(w, map[string]any{"Style": template.CSS(pageStyle)}); err != nil {
		s.logger.Error("Failed to render template", "template", "index", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// handleNugget renders the payload a reference resolves to.
func (s *Server) handleNugget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	payload, err := s.resolver.Resolve(r.Context(), r.PathValue("ref"))
	if errors.Is(err, content.ErrInvalidReference) {
		http.Error(w, "Nugget not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("Failed to resolve nugget", "error", err)
		s.writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; img-src https: http:; style-src 'unsafe-inline'")

	data := map[string]any{
		"Style": template.CSS(pageStyle),
		"Body":  template.HTML(content.Sanitize(string(payload))),
	}
	if err := nuggetTemplate.Execute(w, data); err != nil {
		s.logger.Error("Failed to render template", "template", "nugget", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
