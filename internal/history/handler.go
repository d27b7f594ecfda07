package history

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// Handler serves GET /api/history. Query parameters: limit (defaults to
// defaultLimit) and session.
func (s *Store) Handler(defaultLimit int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		q := Query{SessionID: r.URL.Query().Get("session"), Limit: defaultLimit}
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			q.Limit = n
		}

		entries, err := s.List(r.Context(), q)
		if err != nil {
			s.logger.Error("list history", zap.Error(err))
			http.Error(w, "failed to read history", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(entries)
	})
}
