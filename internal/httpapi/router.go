// Package httpapi is a minimal gorilla/mux router that marshals JSON and
// calls into CameraRegistry — nothing more. It exists to give the core a
// concrete, testable caller for the "toward the HTTP layer" contract of
// SPEC_FULL.md §6.1; it is intentionally thin, not a REST framework (no
// auth, no dashboard, no validation framework, no OpenAPI — all explicit
// Non-goals).
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"camera-core/internal/model"
	"camera-core/internal/registry"
)

// Router wires the illustrative endpoint set onto a *registry.Registry.
type Router struct {
	reg    *registry.Registry
	logger *zap.Logger
	mux    *mux.Router
}

func New(reg *registry.Registry, logger *zap.Logger) *Router {
	r := &Router{reg: reg, logger: logger, mux: mux.NewRouter()}
	r.routes()
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) routes() {
	r.mux.HandleFunc("/api/cameras", r.listCameras).Methods(http.MethodGet)
	r.mux.HandleFunc("/api/cameras", r.createCamera).Methods(http.MethodPost)
	r.mux.HandleFunc("/api/cameras/{id}", r.deleteCamera).Methods(http.MethodDelete)
	r.mux.HandleFunc("/api/cameras/{id}/show", r.showCamera).Methods(http.MethodPost)
	r.mux.HandleFunc("/api/cameras/{id}/hide", r.hideCamera).Methods(http.MethodPost)
	r.mux.HandleFunc("/api/cameras/{id}/reload", r.reloadCamera).Methods(http.MethodPost)
	r.mux.HandleFunc("/api/cameras/{id}/override", r.setOverride).Methods(http.MethodPost)
	r.mux.HandleFunc("/api/cameras/{id}/override", r.clearOverride).Methods(http.MethodDelete)
	r.mux.HandleFunc("/api/cameras/{id}/mjpeg", r.streamCamera).Methods(http.MethodGet)
	r.mux.HandleFunc("/api/cameras/{id}/stats", r.statsCamera).Methods(http.MethodGet)
}

func (r *Router) listCameras(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.reg.Enumerate())
}

func (r *Router) createCamera(w http.ResponseWriter, req *http.Request) {
	var spec model.CameraSpec
	if err := json.NewDecoder(req.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := r.reg.Create(spec); err != nil {
		writeCoreError(w, err)
		return
	}
	if err := r.reg.Start(spec.ID); err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (r *Router) deleteCamera(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	if err := r.reg.Remove(id); err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) showCamera(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	if err := r.reg.Show(id); err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) hideCamera(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	if err := r.reg.Hide(id); err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) reloadCamera(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	var spec model.CameraSpec
	if err := json.NewDecoder(req.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	spec.ID = id
	if err := r.reg.Reload(id, spec); err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) setOverride(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	var spec model.CameraSpec
	if err := json.NewDecoder(req.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	spec.ID = id
	r.reg.SetOverride(id, spec)
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) clearOverride(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	r.reg.ClearOverride(id)
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) streamCamera(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	pub, err := r.reg.SubscribePreview(id)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	pub.ServeHTTP(w, req)
}

func (r *Router) statsCamera(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	stats, err := r.reg.Stats(id)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeCoreError(w http.ResponseWriter, err error) {
	var coreErr *model.Error
	if errors.As(err, &coreErr) {
		status := http.StatusInternalServerError
		switch coreErr.Code {
		case model.ErrAlreadyExists:
			status = http.StatusConflict
		case model.ErrInvalidSpec:
			status = http.StatusBadRequest
		case model.ErrPreviewDisabled, model.ErrBreakerOpen:
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{"error": string(coreErr.Code), "message": coreErr.Msg})
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}
