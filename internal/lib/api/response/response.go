package response

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"account_service/internal/apperror"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
)

type Response struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func OK(r *http.Request) Response {
	return Response{
		Success:   true,
		RequestID: middleware.GetReqID(r.Context()),
		Timestamp: time.Now().UTC(),
	}
}

func OKMessage(r *http.Request, msg string) Response {
	resp := OK(r)
	resp.Message = msg
	return resp
}

func Error(r *http.Request, msg string) Response {
	return Response{
		Success:   false,
		Message:   msg,
		RequestID: middleware.GetReqID(r.Context()),
		Timestamp: time.Now().UTC(),
	}
}

func ValidationError(r *http.Request, errs validator.ValidationErrors) Response {
	var errMsgs []string

	for _, err := range errs {
		switch err.ActualTag() {
		case "required":
			errMsgs = append(errMsgs, fmt.Sprintf("field %s is a required field", err.Field()))
		case "email":
			errMsgs = append(errMsgs, fmt.Sprintf("field %s is not a valid email", err.Field()))
		case "min":
			errMsgs = append(errMsgs, fmt.Sprintf("field %s is too short", err.Field()))
		default:
			errMsgs = append(errMsgs, fmt.Sprintf("field %s is not valid", err.Field()))
		}
	}

	return Error(r, strings.Join(errMsgs, ", "))
}

// Err renders a workflow error. Known kinds keep their status and safe
// message; anything else reaches the client as a generic internal error.
func Err(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		render.Status(r, appErr.Kind.Status())
		render.JSON(w, r, Error(r, appErr.Message))

		return
	}

	render.Status(r, http.StatusInternalServerError)
	render.JSON(w, r, Error(r, "Internal error"))
}
