package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"lm-bridge/internal/protocol"
)

// Error taxonomy types surfaced on the wire.
const (
	errTypeInvalidRequest     = "invalid_request_error"
	errTypeNotFound           = "not_found"
	errTypeTimeout            = "timeout_error"
	errTypeServiceUnavailable = "service_unavailable"
	errTypeServer             = "server_error"
)

// ErrNoModels indicates the backend currently offers no models.
var ErrNoModels = errors.New("no language models available")

// requestError is the internal error carrier mapped onto the wire error
// body. Code on the wire always equals the HTTP status.
type requestError struct {
	Status  int
	Message string
	Type    string
}

func (e requestError) Error() string {
	return e.Message
}

func badRequest(message string) requestError {
	return requestError{Status: http.StatusBadRequest, Message: message, Type: errTypeInvalidRequest}
}

func (e requestError) body() protocol.ErrorBody {
	return protocol.ErrorBody{Error: protocol.ErrorDetail{
		Message: e.Message,
		Type:    e.Type,
		Code:    e.Status,
	}}
}

// toRequestError maps any error onto the taxonomy. It is a pure function:
// no exception sniffing, only typed errors and sentinels. Raw backend
// error text never reaches the client on a 5xx.
func toRequestError(err error) requestError {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	var parseErr *protocol.ParseError
	if errors.As(err, &parseErr) {
		return badRequest(parseErr.Error())
	}

	var validationErr *protocol.ValidationError
	if errors.As(err, &validationErr) {
		return badRequest(validationErr.Message)
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return requestError{
			Status:  http.StatusRequestEntityTooLarge,
			Message: "request body exceeds the size limit",
			Type:    errTypeInvalidRequest,
		}
	}

	if errors.Is(err, ErrNoModels) {
		return requestError{
			Status:  http.StatusServiceUnavailable,
			Message: ErrNoModels.Error(),
			Type:    errTypeServiceUnavailable,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return requestError{
			Status:  http.StatusRequestTimeout,
			Message: "request timed out",
			Type:    errTypeTimeout,
		}
	}

	return requestError{
		Status:  http.StatusInternalServerError,
		Message: "the model backend failed to complete the request",
		Type:    errTypeServer,
	}
}

// errorHandler renders every error through the wire error body.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		reqErr := requestError{
			Status:  httpErr.Code,
			Message: http.StatusText(httpErr.Code),
			Type:    errTypeInvalidRequest,
		}
		if httpErr.Code == http.StatusNotFound {
			reqErr.Message = "unknown route"
			reqErr.Type = errTypeNotFound
		}
		_ = c.JSON(reqErr.Status, reqErr.body())
		return
	}

	reqErr := toRequestError(err)
	_ = c.JSON(reqErr.Status, reqErr.body())
}
