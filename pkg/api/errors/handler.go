// Package errors provides HTTP error handling utilities for the API.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/apigw/pkg/logger"
)

// HandlerWithError is an HTTP handler that can return an error.
// This signature allows handlers to return errors instead of manually
// writing error responses, enabling centralized error handling.
type HandlerWithError func(http.ResponseWriter, *http.Request) error

// Message is one entry of the error envelope.
type Message struct {
	MessageType    string `json:"messageType"`
	MessageNumber  string `json:"messageNumber,omitempty"`
	MessageContent string `json:"messageContent"`
	MessageKey     string `json:"messageKey,omitempty"`
}

// Envelope is the body of every error response.
type Envelope struct {
	Messages []Message `json:"messages"`
}

// MessageError is an error that renders as a numbered message with a status.
type MessageError struct {
	Status  int
	Number  string
	Key     string
	Content string
	Cause   error
}

// NewMessageError creates a message error. The content is formatted with args.
func NewMessageError(status int, number, key, content string, cause error, args ...any) *MessageError {
	if len(args) > 0 {
		content = fmt.Sprintf(content, args...)
	}
	return &MessageError{Status: status, Number: number, Key: key, Content: content, Cause: cause}
}

func (e *MessageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %v", e.Number, e.Content, e.Cause)
	}
	return e.Number + " " + e.Content
}

// Unwrap returns the underlying error.
func (e *MessageError) Unwrap() error {
	return e.Cause
}

// Message returns the envelope entry for e.
func (e *MessageError) Message() Message {
	return Message{
		MessageType:    messageType(e.Number),
		MessageNumber:  e.Number,
		MessageContent: e.Content,
		MessageKey:     e.Key,
	}
}

// messageType derives the severity from the last letter of the message number.
func messageType(number string) string {
	switch {
	case strings.HasSuffix(number, "W"):
		return "WARNING"
	case strings.HasSuffix(number, "I"):
		return "INFO"
	default:
		return "ERROR"
	}
}

// WriteMessage writes an envelope holding msg.
func WriteMessage(w http.ResponseWriter, status int, msg Message) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Envelope{Messages: []Message{msg}}); err != nil {
		logger.Debugf("Failed to write error response: %v", err)
	}
}

// WriteError writes err as an envelope. Message errors keep their number and
// content; other errors take their status from httperr.Code. 5xx details are
// logged and replaced by a generic message.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var msgErr *MessageError
	if errors.As(err, &msgErr) {
		if msgErr.Status >= http.StatusInternalServerError {
			logger.Errorw("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		}
		WriteMessage(w, msgErr.Status, msgErr.Message())
		return
	}

	code := httperr.Code(err)
	if code >= http.StatusInternalServerError {
		logger.Errorw("internal server error", "method", r.Method, "path", r.URL.Path, "error", err)
		WriteMessage(w, code, Message{MessageType: "ERROR", MessageContent: http.StatusText(code)})
		return
	}
	WriteMessage(w, code, Message{MessageType: "ERROR", MessageContent: err.Error()})
}

// ErrorHandler wraps a HandlerWithError and converts returned errors
// into appropriate HTTP responses.
//
// Usage:
//
//	r.Post("/ticket", apierrors.ErrorHandler(routes.ticket))
func ErrorHandler(fn HandlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			// No error returned, handler already wrote the response
			return
		}
		WriteError(w, r, err)
	}
}
