package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloudfunctions/internal/core/functions"
	"cloudfunctions/internal/core/notify"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	httpSwagger "github.com/swaggo/http-swagger"
)

// maxInvokeBody caps the optional notification body of an invocation.
const maxInvokeBody = 1 << 20

type Handler struct {
	mgr       *functions.Manager
	maxUpload int64
	lg        zerolog.Logger
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

// DeployResponse is returned after a successful deployment.
type DeployResponse struct {
	Success string `json:"success"`
	Name    string `json:"name"`
}

// StatusResponse acknowledges activation changes.
type StatusResponse struct {
	Success  string              `json:"success"`
	Function *functions.Function `json:"function,omitempty"`
}

func NewHandler(mgr *functions.Manager, maxUploadBytes int64, lg zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	h := &Handler{mgr: mgr, maxUpload: maxUploadBytes, lg: lg.With().Str("component", "http").Logger()}

	r.Get("/healthz", h.handleHealth)
	r.Get("/swagger/*", httpSwagger.WrapHandler)

	r.Route("/api/functions", func(r chi.Router) {
		r.Get("/", h.handleListFunctions)
		r.Post("/deploy", h.handleDeployFunction)
		r.Post("/run/{name}", h.handleRunFunction)
		r.Get("/{name}", h.handleGetFunction)
		r.Put("/{name}/activate", h.handleActivateFunction)
		r.Delete("/{name}/deactivate", h.handleDeactivateFunction)
	})

	return r
}

// handleHealth godoc
// @Summary      Liveness probe
// @Tags         health
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /healthz [get]
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDeployFunction godoc
// @Summary      Deploy a function
// @Description  Uploads a zip archive. The function is named after the archive and starts inactive; redeploying replaces its code.
// @Tags         functions
// @Accept       multipart/form-data
// @Produce      json
// @Param        file  formData  file  true  "Zip archive of the code unit"
// @Success      201  {object}  DeployResponse
// @Failure      400  {object}  ErrorResponse
// @Failure      413  {object}  ErrorResponse
// @Failure      500  {object}  ErrorResponse
// @Router       /api/functions/deploy/ [post]
func (h *Handler) handleDeployFunction(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.maxUpload {
		writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "archive too large"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "archive too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid form data"})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "No file provided"})
		return
	}
	defer file.Close()

	name, err := h.mgr.DeployFunction(r.Context(), header.Filename, file)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, DeployResponse{Success: "Function deployed successfully", Name: name})
}

// handleListFunctions godoc
// @Summary      List functions
// @Tags         functions
// @Produce      json
// @Success      200  {array}   functions.Function
// @Failure      500  {object}  ErrorResponse
// @Router       /api/functions/ [get]
func (h *Handler) handleListFunctions(w http.ResponseWriter, r *http.Request) {
	list, err := h.mgr.ListFunctions(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if list == nil {
		list = []functions.Function{}
	}
	writeJSON(w, http.StatusOK, list)
}

// handleGetFunction godoc
// @Summary      Get a function
// @Tags         functions
// @Produce      json
// @Param        name  path  string  true  "Function name"
// @Success      200  {object}  functions.Function
// @Failure      404  {object}  ErrorResponse
// @Router       /api/functions/{name}/ [get]
func (h *Handler) handleGetFunction(w http.ResponseWriter, r *http.Request) {
	fn, err := h.mgr.GetFunction(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fn)
}

// handleActivateFunction godoc
// @Summary      Activate a function
// @Tags         functions
// @Produce      json
// @Param        name  path  string  true  "Function name"
// @Success      200  {object}  StatusResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /api/functions/{name}/activate/ [put]
func (h *Handler) handleActivateFunction(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	fn, err := h.mgr.ActivateFunction(r.Context(), name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Success: fmt.Sprintf("Function %s activated", name), Function: fn})
}

// handleDeactivateFunction godoc
// @Summary      Deactivate a function
// @Tags         functions
// @Produce      json
// @Param        name  path  string  true  "Function name"
// @Success      200  {object}  StatusResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /api/functions/{name}/deactivate/ [delete]
func (h *Handler) handleDeactivateFunction(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	fn, err := h.mgr.DeactivateFunction(r.Context(), name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Success: fmt.Sprintf("Function %s deactivated", name), Function: fn})
}

// handleRunFunction godoc
// @Summary      Invoke a function
// @Description  Runs the function's entry point. A truthy return value is a success; falsy values are reported with status "error". Optional callback URLs receive the outcome.
// @Tags         functions
// @Accept       json
// @Produce      json
// @Param        name  path  string  true  "Function name"
// @Param        body  body  notify.Request  false  "Notification targets"
// @Success      200  {object}  map[string]interface{}
// @Failure      404  {object}  ErrorResponse
// @Failure      409  {object}  ErrorResponse
// @Failure      500  {object}  map[string]interface{}
// @Router       /api/functions/run/{name}/ [post]
func (h *Handler) handleRunFunction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInvokeBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "could not read request body"})
		return
	}

	outcome, err := h.mgr.InvokeFunction(r.Context(), chi.URLParam(r, "name"), notify.ParseTargets(body))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if outcome.Failed() {
		writeJSON(w, http.StatusInternalServerError, outcome)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.lg.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, functions.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, functions.ErrInactive):
		return http.StatusConflict
	case errors.Is(err, functions.ErrInvalidArchiveName), errors.Is(err, functions.ErrCorruptArchive):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
