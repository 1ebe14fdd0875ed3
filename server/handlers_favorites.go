package server

import (
	"errors"
	"net/http"

	"github.com/onnwee/admiral/favorites"
)

type favoritesResponse struct {
	Channels        []string `json:"channels"`
	Starred         []string `json:"starred"`
	BackgroundColor string   `json:"background_color,omitempty"`
}

func (h *Handlers) favoritesSnapshot() favoritesResponse {
	out := favoritesResponse{
		Channels:        h.favorites.Channels(),
		Starred:         h.favorites.Starred(),
		BackgroundColor: h.favorites.BackgroundColor(),
	}
	if out.Channels == nil {
		out.Channels = []string{}
	}
	if out.Starred == nil {
		out.Starred = []string{}
	}
	return out
}

func (h *Handlers) favoritesEnabled(w http.ResponseWriter) bool {
	if h.favorites == nil {
		http.Error(w, "favorites disabled", http.StatusNotFound)
		return false
	}
	return true
}

func favoriteError(w http.ResponseWriter, err error) {
	if errors.Is(err, favorites.ErrInvalidChannel) || errors.Is(err, favorites.ErrInvalidColor) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// HandleFavorites lists (GET), adds (POST) or removes (DELETE ?channel=)
// favorite channels.
func (h *Handlers) HandleFavorites(w http.ResponseWriter, r *http.Request) {
	if !h.favoritesEnabled(w) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.favoritesSnapshot())
	case http.MethodPost:
		var req channelRequest
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		added, err := h.favorites.Add(req.Channel)
		if err != nil {
			favoriteError(w, err)
			return
		}
		status := http.StatusOK
		if added {
			status = http.StatusCreated
		}
		writeJSON(w, status, h.favoritesSnapshot())
	case http.MethodDelete:
		if err := h.favorites.Remove(r.URL.Query().Get("channel")); err != nil {
			favoriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

// HandleFavoriteStar toggles the star on a favorite channel.
func (h *Handlers) HandleFavoriteStar(w http.ResponseWriter, r *http.Request) {
	if !h.favoritesEnabled(w) {
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req channelRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	starred, err := h.favorites.Toggle(req.Channel)
	if err != nil {
		favoriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"starred": starred})
}

// HandleFavoriteColor sets or clears the chat background color.
func (h *Handlers) HandleFavoriteColor(w http.ResponseWriter, r *http.Request) {
	if !h.favoritesEnabled(w) {
		return
	}
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Color string `json:"color"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := h.favorites.SetBackgroundColor(req.Color); err != nil {
		favoriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
