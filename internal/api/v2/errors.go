package api

import (
	"crypto/rand"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdnet-census/internal/analysis"
	"github.com/tphakala/birdnet-census/internal/datastore/entities"
	"github.com/tphakala/birdnet-census/internal/datastore/repository"
	"github.com/tphakala/birdnet-census/internal/errors"
	"github.com/tphakala/birdnet-census/internal/logger"
)

// Error kinds reported in ErrorResponse.Kind.
const (
	KindValidation        = "validation"
	KindNotFound          = "not_found"
	KindInvalidTransition = "invalid_transition"
	KindInvalidState      = "invalid_state"
	KindAlreadyProcessing = "already_processing"
	KindPersistence       = "persistence"
	KindClassifier        = "classifier"
	KindRateLimited       = "rate_limited"
	KindInternal          = "internal"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	Kind          string `json:"kind"`
	CorrelationID string `json:"correlation_id"` // Unique identifier for tracking this error
}

// NewErrorResponse creates a new API error response.
func NewErrorResponse(err error, message string, code int, kind string) *ErrorResponse {
	errorStr := message
	if err != nil {
		errorStr = err.Error()
	}
	return &ErrorResponse{
		Error:         errorStr,
		Message:       message,
		Code:          code,
		Kind:          kind,
		CorrelationID: generateCorrelationID(),
	}
}

// generateCorrelationID creates an 8 character identifier for error tracking.
func generateCorrelationID() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	const length = 8

	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "ERR-RAND"
	}
	for i := range b {
		b[i] = charset[int(b[i])%len(charset)]
	}
	return string(b)
}

// classifyError maps a service error to its HTTP status and kind.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, analysis.ErrAlreadyProcessing):
		return http.StatusConflict, KindAlreadyProcessing
	case errors.Is(err, analysis.ErrInvalidState):
		return http.StatusConflict, KindInvalidState
	case errors.Is(err, entities.ErrInvalidTransition), errors.Is(err, repository.ErrStatusChanged):
		return http.StatusConflict, KindInvalidTransition
	case errors.IsNotFound(err):
		return http.StatusNotFound, KindNotFound
	case errors.Is(err, repository.ErrDuplicateEmail), errors.Is(err, repository.ErrSpeciesExists):
		return http.StatusConflict, KindValidation
	case errors.Is(err, repository.ErrSpeciesInUse):
		return http.StatusConflict, KindInvalidState
	case errors.IsCategory(err, errors.CategoryValidation):
		if statusContext(err) == http.StatusRequestEntityTooLarge {
			return http.StatusRequestEntityTooLarge, KindValidation
		}
		return http.StatusBadRequest, KindValidation
	case errors.Is(err, repository.ErrPersistence), errors.IsCategory(err, errors.CategoryDatabase):
		return http.StatusInternalServerError, KindPersistence
	case errors.IsCategory(err, errors.CategoryAudioAnalysis), errors.IsCategory(err, errors.CategoryTimeout):
		return http.StatusBadGateway, KindClassifier
	}
	return http.StatusInternalServerError, KindInternal
}

// statusContext returns the "status" context value of an enhanced error.
func statusContext(err error) int {
	var ee *errors.EnhancedError
	if !errors.As(err, &ee) {
		return 0
	}
	if v, ok := ee.GetContext()["status"].(int); ok {
		return v
	}
	return 0
}

// HandleError writes the error response for err with a status derived from
// its category.
func (c *Controller) HandleError(ctx echo.Context, err error, message string) error {
	code, kind := classifyError(err)
	return c.respondError(ctx, err, message, code, kind)
}

// HandleErrorCode writes an error response with an explicit status.
func (c *Controller) HandleErrorCode(ctx echo.Context, err error, message string, code int, kind string) error {
	return c.respondError(ctx, err, message, code, kind)
}

func (c *Controller) respondError(ctx echo.Context, err error, message string, code int, kind string) error {
	resp := NewErrorResponse(err, message, code, kind)

	fields := []logger.Field{
		logger.String("correlation_id", resp.CorrelationID),
		logger.String("message", message),
		logger.String("error", resp.Error),
		logger.Int("code", code),
		logger.String("kind", kind),
		logger.String("path", ctx.Request().URL.Path),
		logger.String("method", ctx.Request().Method),
		logger.String("ip", ctx.RealIP()),
	}
	if code >= http.StatusInternalServerError {
		c.log.Error("API error", fields...)
	} else {
		c.log.Debug("API error", fields...)
	}

	return ctx.JSON(code, resp)
}

// kindForStatus maps a bare HTTP status, as raised by Echo itself, to an
// error kind.
func kindForStatus(code int) string {
	switch {
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusConflict:
		return KindInvalidState
	case code >= http.StatusInternalServerError:
		return KindInternal
	default:
		return KindValidation
	}
}

// HTTPErrorHandler renders errors that never reached a handler, such as
// unknown routes, disallowed methods and bodies over the size limit, with
// the same ErrorResponse body the handlers use.
func (c *Controller) HTTPErrorHandler(err error, ctx echo.Context) {
	if ctx.Response().Committed {
		return
	}

	var (
		code    int
		kind    string
		message string
	)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		kind = kindForStatus(code)
		message = fmt.Sprint(he.Message)
		if he.Internal != nil {
			err = he.Internal
		} else {
			err = nil
		}
	} else {
		code, kind = classifyError(err)
		message = http.StatusText(code)
	}

	if ctx.Request().Method == http.MethodHead {
		if herr := ctx.NoContent(code); herr != nil {
			c.log.Warn("failed to write error response", logger.Error(herr))
		}
		return
	}
	if herr := c.respondError(ctx, err, message, code, kind); herr != nil {
		c.log.Warn("failed to write error response", logger.Error(herr))
	}
}
