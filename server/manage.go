package server

import (
	"errors"
	"net/http"

	"nugget-notifier/storage"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Rate limiting by IP to prevent number enumeration
	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		return
	}

	phone, ok := normalizePhone(r.URL.Query().Get("phone"))
	if !ok {
		http.Error(w, "Invalid or missing phone", http.StatusBadRequest)
		return
	}

	st, err := s.commands.Status(r.Context(), phone)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

// writeStoreError maps registry errors onto status codes.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "Subscriber not found", http.StatusNotFound)
	case errors.Is(err, storage.ErrStoreUnavailable):
		s.logger.Error("Store unavailable", "error", err)
		http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
	default:
		s.logger.Error("Request failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
