package server

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"net/http"
	"slices"
	"strings"

	"nugget-notifier/command"
	"nugget-notifier/storage"
)

// twiml is the webhook reply Twilio turns into an outbound text.
type twiml struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message,omitempty"`
}

// handleInbound is the SMS gateway webhook: form fields From and Body.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	if s.authToken != "" && !s.validSignature(r) {
		s.logger.Warn("Rejected webhook with bad signature", "ip", clientIP(r))
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	phone, ok := normalizePhone(r.PostForm.Get("From"))
	if !ok {
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	reply, err := s.commands.Handle(r.Context(), phone, r.PostForm.Get("Body"))
	var verr *command.ValidationError
	switch {
	case err == nil:
	case errors.As(err, &verr):
		s.logger.Info("Rejected command arguments", "subscriber", phone, "command", verr.Command)
	case errors.Is(err, storage.ErrNotFound):
		s.logger.Info("Command from unknown subscriber", "subscriber", phone)
	default:
		s.logger.Error("Command failed", "subscriber", phone, "error", err)
	}

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(xml.Header)); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
		return
	}
	if err := xml.NewEncoder(w).Encode(twiml{Message: reply}); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

// validSignature checks X-Twilio-Signature: base64 HMAC-SHA1 over the public URL
// followed by every POST parameter name and value in name order.
func (s *Server) validSignature(r *http.Request) bool {
	got := r.Header.Get("X-Twilio-Signature")
	if got == "" {
		return false
	}
	want := twilioSignature(s.authToken, s.baseURL+r.URL.RequestURI(), r.PostForm)
	return hmac.Equal([]byte(got), []byte(want))
}

func twilioSignature(token, fullURL string, form map[string][]string) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
