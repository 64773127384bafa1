package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"compress-queue/internal/domain"
	"compress-queue/internal/metrics"
	"compress-queue/internal/usecase"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// JobHandler serves the producer-facing enqueue and stats endpoints.
type JobHandler struct {
	dispatch *usecase.DispatchService
	stats    *usecase.StatsService
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

// NewJobHandler creates a new JobHandler and initializes the validator.
func NewJobHandler(dispatch *usecase.DispatchService, stats *usecase.StatsService, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		dispatch: dispatch,
		stats:    stats,
		logger:   logger.With("component", "job-handler"),
		validate: validator.New(),
		tracer:   otel.Tracer("compress-queue-api"),
	}
}

// A helper struct to capture the status code
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// RegisterRoutes registers job-related routes to the http.ServeMux.
func (h *JobHandler) RegisterRoutes(mux *http.ServeMux) {
	baseHandler := http.HandlerFunc(h.handleJobs)

	instrumentedHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := "/jobs/"
		switch rest := strings.TrimPrefix(r.URL.Path, "/jobs/"); {
		case rest == "stats":
			path = "/jobs/stats"
		case rest != "":
			path = "/jobs/{id}"
		}

		ctx, span := h.tracer.Start(r.Context(), "HTTP "+r.Method+" "+path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()

		r = r.WithContext(ctx)

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		baseHandler.ServeHTTP(iw, r)

		metrics.HttpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(iw.statusCode)).Inc()

		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})

	mux.Handle("/jobs/", instrumentedHandler)
}

// handleJobs is a general dispatcher for the /jobs/ path.
func (h *JobHandler) handleJobs(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(strings.Trim(r.URL.Path, "/"), "jobs")
	rest = strings.Trim(rest, "/")

	switch {
	case r.Method == http.MethodPost && rest == "":
		h.handleEnqueue(w, r)
	case r.Method == http.MethodGet && rest == "stats":
		h.handleStats(w, r)
	case r.Method == http.MethodGet && rest != "":
		h.handleGetJob(w, r, rest)
	case r.Method == http.MethodGet:
		http.Error(w, "Job id is required", http.StatusBadRequest)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleEnqueue accepts a compression request (POST /jobs/).
func (h *JobHandler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.Enqueue")
	defer span.End()

	var req EnqueueJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		span.RecordError(err)
		var validationErrors []string
		for _, err := range err.(validator.ValidationErrors) {
			validationErrors = append(validationErrors,
				"Field '"+err.Field()+"' failed on the '"+err.Tag()+"' tag.",
			)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":   "Validation failed",
			"details": validationErrors,
		})
		return
	}

	payload := req.ToDomainPayload()
	span.SetAttributes(attribute.String("scan.id", payload.ScanID))

	jobID, err := h.dispatch.Enqueue(ctx, payload)
	if err != nil {
		span.SetStatus(codes.Error, "Failed to enqueue job")
		span.RecordError(err)
		h.logger.Error("error enqueueing job", "scan_id", payload.ScanID, "error", err)
		switch {
		case errors.Is(err, domain.ErrInvalidPayload):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, domain.ErrBrokerUnavailable):
			http.Error(w, "Broker unavailable", http.StatusServiceUnavailable)
		default:
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(EnqueueJobResponse{JobID: jobID})
}

// handleStats serves the per-state counts (GET /jobs/stats).
func (h *JobHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.Stats")
	defer span.End()

	snapshot, err := h.stats.Snapshot(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "Failed to snapshot stats")
		span.RecordError(err)
		h.logger.Error("error snapshotting stats", "error", err)
		if errors.Is(err, domain.ErrBrokerUnavailable) {
			http.Error(w, "Broker unavailable", http.StatusServiceUnavailable)
		} else {
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}

// handleGetJob returns a single live record (GET /jobs/{id}).
func (h *JobHandler) handleGetJob(w http.ResponseWriter, r *http.Request, id string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	record, err := h.dispatch.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		h.logger.Warn("error getting job", "job_id", id, "error", err)
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, domain.ErrBrokerUnavailable):
			http.Error(w, "Broker unavailable", http.StatusServiceUnavailable)
		default:
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(record)
}
