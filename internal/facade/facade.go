// Package facade exposes a subset of Orchestrator operations as
// JSON-over-HTTP endpoints on a local listener (typically a Unix socket),
// for local tooling that would rather speak HTTP than link the core
// package directly. This surface is explicitly implementation-defined —
// no other veilmesh node ever talks to it.
//
// Grounded on the teacher's walletserver (routes.Register over a chi/mux
// router calling into a controller struct) — generalized from wallet
// operations to channel operations and switched to go-chi/chi, the
// teacher's direct (if elsewhere-unused) HTTP router dependency.
package facade

import (
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"veilmesh/core"
)

// Facade wraps an Orchestrator with an HTTP handler tree.
type Facade struct {
	orch   *core.Orchestrator
	router chi.Router
}

func New(orch *core.Orchestrator) *Facade {
	f := &Facade{orch: orch, router: chi.NewRouter()}
	f.router.Use(middleware.Logger)
	f.router.Use(middleware.Recoverer)
	f.router.Post("/channels", f.handleCreateChannel)
	f.router.Post("/channels/{channelId}/messages", f.handleSendMessage)
	return f
}

func (f *Facade) ServeHTTP(w http.ResponseWriter, r *http.Request) { f.router.ServeHTTP(w, r) }

type createChannelRequest struct {
	Name     string `json:"name"`
	IsPublic bool   `json:"is_public"`
}

func (f *Facade) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req createChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	desc, err := f.orch.CreateChannel(req.Name, req.IsPublic)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, desc)
}

type sendMessageRequest struct {
	Plaintext string `json:"plaintext"`
}

func (f *Facade) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	channelIdHex := chi.URLParam(r, "channelId")
	var gid core.GroupId
	if n, err := hex.Decode(gid[:], []byte(channelIdHex)); err != nil || n != len(gid) {
		http.Error(w, "bad channelId", http.StatusBadRequest)
		return
	}
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	env, err := f.orch.SendMessage(gid, []byte(req.Plaintext))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if kind, ok := core.KindOf(err); ok {
		switch kind {
		case core.KindPermissionDenied:
			status = http.StatusForbidden
		case core.KindValidationFailure:
			status = http.StatusBadRequest
		case core.KindRateLimited:
			status = http.StatusTooManyRequests
		}
	}
	http.Error(w, err.Error(), status)
}
