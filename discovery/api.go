package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/scout/horosafe"
	"github.com/hazyhaar/scout/qsig"
	"github.com/hazyhaar/scout/shield"
)

// Routes returns the HTTP surface of the service: intake and status for
// collaborators, and one signed endpoint per stage for queue deliveries.
// Stage requests whose signature does not verify against v never reach a
// handler.
func (svc *Service) Routes(v *qsig.Verifier) chi.Router {
	r := chi.NewRouter()

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", svc.handleCreateJob)
		r.Get("/{jobID}", svc.handleStatus)
	})

	r.Route("/v1/workers", func(r chi.Router) {
		r.Use(qsig.Require(v, svc.config.HTTP.PublicURL, svc.config.HTTP.MaxBody))
		r.Post("/"+StageDispatch, stageHandler(svc.Dispatch))
		r.Post("/"+StageSearch, stageHandler(svc.Search))
		r.Post("/"+StageEnrich, stageHandler(svc.Enrich))
	})
	return r
}

// WorkerURL is the public URL of a stage endpoint, the target relays sign
// and deliver to.
func (svc *Service) WorkerURL(stage string) string {
	return strings.TrimRight(svc.config.HTTP.PublicURL, "/") + "/v1/workers/" + stage
}

func (svc *Service) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if tok := svc.config.HTTP.IntakeToken; tok != "" {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !horosafe.TokenEqual(got, tok) {
			writeError(w, r, ErrUnauthorized)
			return
		}
	}
	body, err := horosafe.LimitedReadAll(r.Body, svc.config.HTTP.MaxBody)
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
		return
	}
	resp, err := svc.CreateJob(r.Context(), body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (svc *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := svc.Status(r.Context(), StatusRequest{
		JobID:  chi.URLParam(r, "jobID"),
		Offset: queryInt(r, "offset", 0),
		Limit:  queryInt(r, "limit", 0),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func stageHandler[T any](fn func(context.Context, []byte) (*T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := horosafe.LimitedReadAll(r.Body, shield.DefaultMaxBody)
		if err != nil {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
			return
		}
		res, err := fn(r.Context(), body)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// StatusCode maps a service error to its HTTP status.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRetry):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError answers with the mapped status. Internal errors are logged
// and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusCode(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		shield.GetLogger(r.Context()).Error("api: request failed", "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
