package middleware

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/sirupsen/logrus"
)

//go:embed openapi.yaml
var openapiSpec []byte

// ValidationMiddleware provides OpenAPI schema validation
type ValidationMiddleware struct {
	doc     *openapi3.T
	router  routers.Router
	logger  *logrus.Logger
	enabled bool
}

// ValidationConfig configures the validation middleware
type ValidationConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Spec returns the raw embedded OpenAPI document
func Spec() []byte {
	return openapiSpec
}

// LoadSpec parses and validates the embedded OpenAPI document
func LoadSpec(ctx context.Context) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiSpec)
	if err != nil {
		return nil, fmt.Errorf("failed to parse OpenAPI spec: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI spec: %w", err)
	}
	return doc, nil
}

// NewValidationMiddleware creates a new validation middleware
func NewValidationMiddleware(config *ValidationConfig, logger *logrus.Logger) (*ValidationMiddleware, error) {
	if config == nil {
		config = &ValidationConfig{Enabled: true}
	}

	doc, err := LoadSpec(context.Background())
	if err != nil {
		return nil, err
	}

	vm := &ValidationMiddleware{
		doc:     doc,
		logger:  logger,
		enabled: config.Enabled,
	}

	if !config.Enabled {
		logger.Info("API validation middleware disabled")
		return vm, nil
	}

	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAPI router: %w", err)
	}
	vm.router = router

	logger.WithField("paths", doc.Paths.Len()).Info("API validation middleware enabled")
	return vm, nil
}

// Document returns the parsed OpenAPI document
func (vm *ValidationMiddleware) Document() *openapi3.T {
	return vm.doc
}

// Middleware returns the HTTP middleware function
func (vm *ValidationMiddleware) Middleware(next http.Handler) http.Handler {
	if !vm.enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := vm.validateRequest(r); err != nil {
			vm.logger.WithError(err).WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
			}).Warn("Request validation failed")

			vm.writeValidationError(w, err)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// validateRequest validates an HTTP request against the OpenAPI spec
func (vm *ValidationMiddleware) validateRequest(r *http.Request) error {
	route, pathParams, err := vm.router.FindRoute(r)
	if err != nil {
		// Undocumented routes (/metrics, /health) and wrong methods are left to the mux
		if errors.Is(err, routers.ErrPathNotFound) || errors.Is(err, routers.ErrMethodNotAllowed) {
			return nil
		}
		return fmt.Errorf("route lookup failed: %w", err)
	}

	// ValidateRequest puts the body back for downstream handlers
	input := &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: pathParams,
		Route:      route,
		Options: &openapi3filter.Options{
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
		},
	}

	if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
		return fmt.Errorf("request validation failed: %w", err)
	}

	return nil
}

// writeValidationError writes a validation error response
func (vm *ValidationMiddleware) writeValidationError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)

	errorDetail := vm.parseValidationError(err)

	response := map[string]interface{}{
		"error": map[string]interface{}{
			"message": errorDetail.Message,
			"type":    "validation_error",
			"code":    http.StatusBadRequest,
			"details": errorDetail.Details,
		},
		"timestamp": time.Now().Unix(),
	}

	json.NewEncoder(w).Encode(response)
}

// ValidationErrorDetail contains parsed validation error information
type ValidationErrorDetail struct {
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// parseValidationError names the offending part of the request
func (vm *ValidationMiddleware) parseValidationError(err error) *ValidationErrorDetail {
	detail := &ValidationErrorDetail{
		Message: "Request validation failed",
		Details: map[string]interface{}{"error": err.Error()},
	}

	var requestErr *openapi3filter.RequestError
	if errors.As(err, &requestErr) {
		switch {
		case requestErr.Parameter != nil:
			detail.Message = fmt.Sprintf("Invalid %s parameter %q", requestErr.Parameter.In, requestErr.Parameter.Name)
			detail.Details["field"] = requestErr.Parameter.Name
		case requestErr.RequestBody != nil:
			detail.Message = "Invalid request body"
			detail.Details["field"] = "request body"
		}
	}

	var schemaErr *openapi3.SchemaError
	if errors.As(err, &schemaErr) {
		if pointer := schemaErr.JSONPointer(); len(pointer) > 0 {
			detail.Details["field"] = strings.Join(pointer, ".")
		}
		detail.Details["reason"] = schemaErr.Reason
	}

	return detail
}
