package server

import (
	"encoding/json"
	"net/http"
)

type responseMessage struct {
	Message string `json:"message"`
}

func httpResponse(w http.ResponseWriter, msg string, code int) {
	v, _ := json.Marshal(responseMessage{
		Message: msg,
	})

	httpResponseJSONByte(w, v, code)
}

func httpResponseJSON(w http.ResponseWriter, msg any, code int) {
	v, _ := json.Marshal(msg)

	httpResponseJSONByte(w, v, code)
}

func httpResponseJSONByte(w http.ResponseWriter, msg []byte, code int) {
	w.Header().Set("Content-Type", "application/json")

	w.WriteHeader(code)
	w.Write(msg)
}

func writeOpenAIError(w http.ResponseWriter, traceID, message, errType string, code int) {
	httpResponseJSON(w, map[string]any{
		"error": map[string]any{
			"message":  message,
			"type":     errType,
			"trace_id": traceID,
		},
	}, code)
}

func writeAnthropicError(w http.ResponseWriter, traceID, message, errType string, code int) {
	httpResponseJSON(w, map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":     errType,
			"message":  message,
			"trace_id": traceID,
		},
	}, code)
}

func writeGeminiError(w http.ResponseWriter, traceID, message string, code int) {
	httpResponseJSON(w, map[string]any{
		"error": map[string]any{
			"code":     code,
			"message":  message,
			"status":   http.StatusText(code),
			"trace_id": traceID,
		},
	}, code)
}
