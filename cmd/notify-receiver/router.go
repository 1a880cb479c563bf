package main

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

const maxNotificationBytes = 1 << 20

func newRouter(lg zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Post("/notify", handleNotify(lg))
	return r
}

func handleNotify(lg zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "could not read body"})
			return
		}

		ev := lg.Info().
			Str("function", r.Header.Get("X-Function-Name")).
			Str("invocation_id", r.Header.Get("X-Invocation-ID"))
		if json.Valid(body) {
			ev = ev.RawJSON("notification", body)
		} else {
			ev = ev.Str("notification", string(body))
		}
		ev.Msg("notification received")

		writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "Notification received"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
