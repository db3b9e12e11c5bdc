package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/thanigaiv/oncallforge/internal/errs"
)

type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// writeError maps a classified error (or a validator.ValidationErrors) to
// its HTTP status and a structured JSON body, the single place every
// handler funnels a returned error through.
func writeError(w http.ResponseWriter, err error) {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		fields := make(map[string]string, len(ve))
		for _, fe := range ve {
			fields[fe.Field()] = fe.Tag()
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation failed", Fields: fields})
		return
	}

	var e *errs.E
	status := http.StatusInternalServerError
	msg := "internal server error"
	var fields map[string]string
	if errors.As(err, &e) {
		status = errs.HTTPStatus(e.Class)
		msg = e.Error()
		fields = e.Fields
	}
	writeJSON(w, status, errorBody{Error: msg, Fields: fields})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errs.New("httpapi.decodeJSON", errs.ClassValidation, err)
	}
	return nil
}
