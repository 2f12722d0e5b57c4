package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pulse/cmd/internal/chat"
	v1 "pulse/shared/contracts/chat/v1"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	dbPool *pgxpool.Pool,
	dbEnabled bool,
	ws *chat.WSGateway,
	pipeline *chat.Pipeline,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && !dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if dbEnabled && dbPool != nil {
			if err := PingDB(r.Context(), dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/ws", ws.HandleWS)

	mux.HandleFunc("GET /chat/messages", func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
		peerID := strings.TrimSpace(r.URL.Query().Get("peer_id"))
		if userID == "" || peerID == "" {
			writeJSONError(w, http.StatusBadRequest, "user_id and peer_id are required")
			return
		}

		in := chat.HistoryInput{UserID: userID, PeerID: peerID}
		if raw := strings.TrimSpace(r.URL.Query().Get("before")); raw != "" {
			before, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "before must be RFC 3339")
				return
			}
			in.Before = &before
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			in.Limit = n
		}

		res, err := pipeline.History(r.Context(), in)
		if err != nil {
			log.Error("http.chat.history.fail", "err", err, "user", userID, "peer", peerID)
			writeJSONError(w, http.StatusInternalServerError, "history query failed")
			return
		}

		msgs := make([]v1.Message, 0, len(res.Messages))
		for _, m := range res.Messages {
			msgs = append(msgs, m.Wire())
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"messages": msgs,
			"has_more": res.HasMore,
		})
	})

	mux.HandleFunc("GET /chat/partners", func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
		if userID == "" {
			writeJSONError(w, http.StatusBadRequest, "user_id is required")
			return
		}

		partners, err := pipeline.Partners(r.Context(), userID)
		if err != nil {
			log.Error("http.chat.partners.fail", "err", err, "user", userID)
			writeJSONError(w, http.StatusInternalServerError, "partners query failed")
			return
		}

		type partnerOut struct {
			PeerID        string    `json:"peer_id"`
			LastMessageAt time.Time `json:"last_message_at"`
			Unread        int       `json:"unread"`
		}
		out := make([]partnerOut, 0, len(partners))
		for _, p := range partners {
			out = append(out, partnerOut{PeerID: p.PeerID, LastMessageAt: p.LastMessageAt, Unread: p.Unread})
		}
		writeJSON(w, http.StatusOK, map[string]any{"partners": out})
	})

	// Polling fallback for clients without a socket. Connected clients get the
	// same answer over the socket via presence_query.
	mux.HandleFunc("GET /presence", func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
		peerID := strings.TrimSpace(r.URL.Query().Get("peer_id"))
		if userID == "" || peerID == "" {
			writeJSONError(w, http.StatusBadRequest, "user_id and peer_id are required")
			return
		}

		active, sameChat := pipeline.Presence(userID, peerID)
		writeJSON(w, http.StatusOK, v1.PresenceStatePayload{
			PeerID:   peerID,
			Active:   active,
			SameChat: sameChat,
		})
	})

	mux.HandleFunc("POST /chat/attachments/{message_id}", func(w http.ResponseWriter, r *http.Request) {
		messageID := strings.TrimSpace(r.PathValue("message_id"))
		if messageID == "" {
			writeJSONError(w, http.StatusBadRequest, "message_id is required")
			return
		}
		kind := strings.TrimSpace(r.URL.Query().Get("kind"))
		if kind == "" {
			kind = v1.FileKindOther
		}

		body := http.MaxBytesReader(w, r.Body, cfg.MaxAttachmentBytes)
		n, err := pipeline.Attach(r.Context(), messageID, kind, body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "attachment too large")
				return
			}
			log.Error("http.chat.attachment.fail", "err", err, "message_id", messageID)
			writeJSONError(w, http.StatusInternalServerError, "attachment upload failed")
			return
		}

		writeJSON(w, http.StatusCreated, map[string]any{
			"message_id": messageID,
			"kind":       kind,
			"bytes":      n,
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
