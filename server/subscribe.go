package server

import (
	"net/http"
	"strconv"
	"strings"

	"nugget-notifier/pkg/nugget"
)

type signupResponse struct {
	Phone  string        `json:"phone"`
	Status nugget.Status `json:"status"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Rate limiting by IP
	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	phone, ok := normalizePhone(r.FormValue("phone"))
	if !ok {
		http.Error(w, "Invalid phone number - use international format, e.g. +15551234567", http.StatusBadRequest)
		return
	}

	var hours *int
	if raw := strings.TrimSpace(r.FormValue("hours")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			hours = &n
		}
	}

	sub, err := s.commands.CreateOrReset(r.Context(), phone, hours)
	if err != nil {
		s.logger.Error("Failed to create subscriber", "error", err)
		s.writeStoreError(w, err)
		return
	}

	if err := s.welcomer.SendWelcome(r.Context(), phone); err != nil {
		// Log error but don't fail the signup
		s.logger.Warn("Failed to send welcome message", "subscriber", phone, "error", err)
	}

	s.logger.Info("Subscriber signed up", "subscriber", phone, "ip", ip, "has_end_time", sub.EndTime != nil)
	s.writeJSON(w, http.StatusOK, signupResponse{
		Phone:  phone,
		Status: sub.StatusAt(sub.UpdatedAt),
	})
}
