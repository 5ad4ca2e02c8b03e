package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrorResponse is the JSON body for failed requests.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    int            `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// ValidationErrorResponse carries per-field validation failures.
type ValidationErrorResponse struct {
	Error  string            `json:"error"`
	Code   int               `json:"code"`
	Fields map[string]string `json:"fields"`
}

// JSON writes data as a 200 JSON response.
func JSON(w http.ResponseWriter, data any) {
	JSONWithStatus(w, http.StatusOK, data)
}

// JSONWithStatus writes data as JSON with an explicit status code.
func JSONWithStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// Error writes a JSON error body with the given status code.
func Error(w http.ResponseWriter, message string, code int) {
	JSONWithStatus(w, code, ErrorResponse{Error: message, Code: code})
}

// ValidationError maps validator failures to a 422 response.
func ValidationError(w http.ResponseWriter, err error) {
	fields := make(map[string]string)

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			fields[strings.ToLower(fe.Field())] = fe.Tag()
		}
	}

	JSONWithStatus(w, http.StatusUnprocessableEntity, ValidationErrorResponse{
		Error:  "Validation failed",
		Code:   http.StatusUnprocessableEntity,
		Fields: fields,
	})
}
