package response

import (
	"encoding/json"
	"net/http"
)

// Body is the standard JSON envelope returned by the API
type Body struct {
	Result   interface{} `json:"result"`
	Messages []string    `json:"messages"`
}

// WriteResponse will write the result with a 200 status code
func WriteResponse(w http.ResponseWriter, r *http.Request, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(Body{
		Result:   result,
		Messages: []string{},
	})
}

// WriteError will write the Error with its status code
func WriteError(w http.ResponseWriter, r *http.Request, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	json.NewEncoder(w).Encode(Body{
		Result:   e.Result,
		Messages: append([]string{e.Message}, e.Messages...),
	})
}
