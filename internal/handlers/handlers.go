// Package handlers exposes the event-trigger HTTP endpoints. Each endpoint
// maps one database row change to the matching controller entry point; all
// filtering of irrelevant triggers happens here so the controller only sees
// events worth acting on.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// GameController is the slice of the game controller the handlers drive.
type GameController interface {
	HandleCardPlayed(ctx context.Context, gameID int64) error
	HandlePlayerUpdated(ctx context.Context, gameID int64) error
	HandleGameUpdated(ctx context.Context, gameID int64) error
}

// Handler serves the webhook routes.
type Handler struct {
	games  GameController
	secret string
	log    *logrus.Entry
}

// New builds a Handler. secret, when non-empty, must match the
// X-Webhook-Secret header on every request.
func New(games GameController, secret string, logger *logrus.Logger) *Handler {
	return &Handler{games: games, secret: secret, log: logger.WithField("component", "handlers")}
}

// Register attaches the webhook routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /card-played", h.CardPlayed)
	mux.HandleFunc("POST /player-updated", h.PlayerUpdated)
	mux.HandleFunc("POST /game-updated", h.GameUpdated)
}

// triggerPayload is the event-trigger envelope delivered by the data store.
type triggerPayload struct {
	ID    uuid.UUID `json:"id"`
	Event struct {
		Op               string            `json:"op"`
		SessionVariables map[string]string `json:"session_variables"`
		Data             struct {
			Old json.RawMessage `json:"old"`
			New json.RawMessage `json:"new"`
		} `json:"data"`
	} `json:"event"`
	Table struct {
		Schema string `json:"schema"`
		Name   string `json:"name"`
	} `json:"table"`
}

// trigger filters describe which row changes a route cares about.
type triggerFilter struct {
	table        string
	op           string
	needOld      bool
	needNew      bool
	excludeAdmin bool
}

// accept decodes and filters the request. A false return means the trigger is
// irrelevant and a 204 has already been written.
func (h *Handler) accept(w http.ResponseWriter, r *http.Request, f triggerFilter) (*triggerPayload, bool) {
	if h.secret != "" && r.Header.Get("X-Webhook-Secret") != h.secret {
		h.log.Warn("webhook secret mismatch")
		w.WriteHeader(http.StatusUnauthorized)
		return nil, false
	}

	var p triggerPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		h.log.WithError(err).Warn("undecodable trigger payload")
		w.WriteHeader(http.StatusNoContent)
		return nil, false
	}

	switch {
	case p.Table.Name != f.table,
		p.Event.Op != f.op,
		f.needOld && p.Event.Data.Old == nil,
		f.needNew && p.Event.Data.New == nil,
		f.excludeAdmin && p.Event.SessionVariables["x-hasura-role"] == "admin":
		w.WriteHeader(http.StatusNoContent)
		return nil, false
	}

	return &p, true
}

type playRow struct {
	ID     int64 `json:"id"`
	GameID int64 `json:"game_id"`
}

type playerRow struct {
	ID             int64 `json:"id"`
	GameID         int64 `json:"game_id"`
	Ready          bool  `json:"ready"`
	SuggestingStar bool  `json:"suggesting_star"`
}

type gameRow struct {
	ID                 int64 `json:"id"`
	InConflict         bool  `json:"in_conflict"`
	TransitioningRound bool  `json:"transitioning_round"`
}

// CardPlayed handles plays INSERT triggers.
func (h *Handler) CardPlayed(w http.ResponseWriter, r *http.Request) {
	p, ok := h.accept(w, r, triggerFilter{table: "plays", op: "INSERT", needNew: true, excludeAdmin: true})
	if !ok {
		return
	}

	var play playRow
	if err := json.Unmarshal(p.Event.Data.New, &play); err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	log := h.log.WithFields(logrus.Fields{"event_id": p.ID, "game_id": play.GameID})
	if err := h.games.HandleCardPlayed(r.Context(), play.GameID); err != nil {
		log.WithError(err).Error("card-played sequence failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "card-played sequence failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// PlayerUpdated handles players UPDATE triggers, dropping updates where
// neither ready nor suggesting_star moved.
func (h *Handler) PlayerUpdated(w http.ResponseWriter, r *http.Request) {
	p, ok := h.accept(w, r, triggerFilter{table: "players", op: "UPDATE", needOld: true, needNew: true, excludeAdmin: true})
	if !ok {
		return
	}

	var oldRow, newRow playerRow
	if err := json.Unmarshal(p.Event.Data.Old, &oldRow); err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := json.Unmarshal(p.Event.Data.New, &newRow); err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if oldRow.Ready == newRow.Ready && oldRow.SuggestingStar == newRow.SuggestingStar {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	log := h.log.WithFields(logrus.Fields{"event_id": p.ID, "game_id": newRow.GameID})
	if err := h.games.HandlePlayerUpdated(r.Context(), newRow.GameID); err != nil {
		log.WithError(err).Error("player-updated sequence failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "player-updated sequence failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// GameUpdated handles games UPDATE triggers. Updates where in_conflict or
// transitioning_round stayed set are echoes of the controller's own writes
// and are dropped.
func (h *Handler) GameUpdated(w http.ResponseWriter, r *http.Request) {
	p, ok := h.accept(w, r, triggerFilter{table: "games", op: "UPDATE", needOld: true, needNew: true})
	if !ok {
		return
	}

	var oldRow, newRow gameRow
	if err := json.Unmarshal(p.Event.Data.Old, &oldRow); err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := json.Unmarshal(p.Event.Data.New, &newRow); err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if (oldRow.InConflict && newRow.InConflict) || (oldRow.TransitioningRound && newRow.TransitioningRound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	log := h.log.WithFields(logrus.Fields{"event_id": p.ID, "game_id": newRow.ID})
	if err := h.games.HandleGameUpdated(r.Context(), newRow.ID); err != nil {
		log.WithError(err).Error("game-updated sequence failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "game-updated sequence failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func writeJSON(w http.ResponseWriter, code int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
