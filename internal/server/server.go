// Package server exposes the orchestrator over HTTP. Payment operations are
// registered through huma on a chi router; provider webhook receivers bypass
// huma because they need the raw body for signature verification.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"switchyard/internal/domain"
	"switchyard/internal/health"
	"switchyard/internal/orchestrator"
	"switchyard/internal/provider"
	"switchyard/internal/reconcile"
	"switchyard/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Reconciler   *reconcile.Reconciler
	Health       *health.Registry
	Registry     *provider.Registry
	BasePath     string
	Auth         AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_eligible"`
	Message string         `json:"message" example:"no rail satisfies the request"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Switchyard API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Orchestrator.Repo))
	hcfg := huma.DefaultConfig("Switchyard API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerPayments(group, cfg.Orchestrator)
	registerBatches(group, cfg.Orchestrator)
	registerProviders(group, cfg.Registry, cfg.Health)
	registerEvents(group, cfg.Orchestrator.Repo)
	registerWebhooks(router, basePath, cfg.Registry, cfg.Reconciler)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	var ee domain.EligibilityError
	if errors.As(err, &ee) {
		return newAPIError(http.StatusUnprocessableEntity, "not_eligible", err.Error(), map[string]any{"code": ee.Code})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerPayments(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-payment",
		Method:        http.MethodPost,
		Path:          "/payments",
		Summary:       "Submit payment",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitPaymentRequest `json:"body"`
	}) (*struct {
		Body TransactionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, replayed, err := o.Submit(ctx, input.Body.toDomain(""), actorID)
		if err != nil && !submissionResolved(err) {
			return nil, handleError(err)
		}
		return &struct {
			Body TransactionResponse `json:"body"`
		}{Body: transactionResponse(t, replayed)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-payment",
		Method:      http.MethodGet,
		Path:        "/payments/{correlation_id}",
		Summary:     "Get payment by correlation id",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		CorrelationID string `path:"correlation_id"`
	}) (*struct {
		Body TransactionResponse `json:"body"`
	}, error) {
		t, err := o.Get(ctx, input.CorrelationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransactionResponse `json:"body"`
		}{Body: transactionResponse(t, false)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-payment-attempts",
		Method:      http.MethodGet,
		Path:        "/payments/{correlation_id}/attempts",
		Summary:     "List submission attempts",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		CorrelationID string `path:"correlation_id"`
	}) (*struct {
		Body []AttemptResponse `json:"body"`
	}, error) {
		t, err := o.Get(ctx, input.CorrelationID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]AttemptResponse, 0, len(t.Attempts))
		for _, a := range t.Attempts {
			out = append(out, attemptResponse(a))
		}
		return &struct {
			Body []AttemptResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerBatches(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-batch",
		Method:        http.MethodPost,
		Path:          "/batches",
		Summary:       "Submit payment batch",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitBatchRequest `json:"body"`
	}) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.BatchID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "batch_id is required", nil)
		}
		if len(input.Body.Payments) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "payments must not be empty", nil)
		}
		reqs := make([]domain.PaymentRequest, 0, len(input.Body.Payments))
		for _, p := range input.Body.Payments {
			reqs = append(reqs, p.toDomain(input.Body.BatchID))
		}
		outcomes := o.SubmitBatch(ctx, reqs, actorID)
		resp := BatchResponse{BatchID: input.Body.BatchID, Counts: map[string]int{}}
		for _, oc := range outcomes {
			if oc.Err != nil && oc.Transaction.ID == "" {
				resp.Counts["invalid"]++
				continue
			}
			resp.Transactions = append(resp.Transactions, transactionResponse(oc.Transaction, oc.Replayed))
			resp.Counts[oc.Transaction.Status]++
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-batch",
		Method:      http.MethodGet,
		Path:        "/batches/{batch_id}",
		Summary:     "Get batch",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		BatchID string `path:"batch_id"`
	}) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		txs, err := o.Batch(ctx, input.BatchID)
		if err != nil {
			return nil, handleError(err)
		}
		if len(txs) == 0 {
			return nil, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("batch %s not found", input.BatchID), nil)
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: batchResponse(input.BatchID, txs)}, nil
	})
}

func registerProviders(api huma.API, registry *provider.Registry, healthReg *health.Registry) {
	huma.Register(api, huma.Operation{
		OperationID: "list-providers",
		Method:      http.MethodGet,
		Path:        "/providers",
		Summary:     "Provider health snapshot",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.ProviderHealth `json:"body"`
	}, error) {
		snapshot := healthReg.Snapshot()
		out := make([]domain.ProviderHealth, 0, len(snapshot))
		for _, id := range registry.IDs() {
			if h, ok := snapshot[id]; ok {
				out = append(out, h)
			}
		}
		return &struct {
			Body []domain.ProviderHealth `json:"body"`
		}{Body: out}, nil
	})
}

func registerEvents(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest audit events",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Limit    int    `query:"limit"`
		Type     string `query:"type"`
		EntityID string `query:"entity_id"`
	}) (*struct {
		Body []repo.Event `json:"body"`
	}, error) {
		items, err := r.LatestEvents(ctx, input.Limit, input.Type, "", input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []repo.Event `json:"body"`
		}{Body: items}, nil
	})
}

// registerWebhooks mounts the raw provider webhook receivers. They sit
// outside huma because HMAC verification needs the exact request bytes.
func registerWebhooks(router chi.Router, basePath string, registry *provider.Registry, rec *reconcile.Reconciler) {
	router.Post(path.Join(basePath, "webhooks/{provider_id}"), func(w http.ResponseWriter, r *http.Request) {
		handleWebhook(w, r, registry, rec)
	})
}

// submissionResolved reports whether a submission error is already reflected
// in the persisted transaction (failed status plus reason code). Those are
// returned as the transaction body rather than an error envelope.
func submissionResolved(err error) bool {
	var pe domain.PermanentProviderError
	var xe domain.ExhaustedError
	var ee domain.EligibilityError
	if errors.As(err, &ee) {
		return ee.Code == domain.ReasonNoEligibleRail
	}
	return errors.As(err, &pe) || errors.As(err, &xe)
}
