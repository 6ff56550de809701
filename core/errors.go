package core

import (
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	IngestErrorBadInput     = "INGEST_BAD_INPUT"
	IngestErrorUnauthorized = "INGEST_UNAUTHORIZED"
	IngestErrorNotFound     = "INGEST_NOT_FOUND"
	IngestErrorConflict     = "INGEST_CONFLICT"
	IngestErrorRateLimited  = "INGEST_RATE_LIMITED"
	IngestErrorTransient    = "INGEST_UNAVAILABLE"
	IngestErrorPermanent    = "INGEST_PERMANENT_FAILURE"
	IngestErrorCircuitOpen  = "INGEST_CIRCUIT_OPEN"
	IngestErrorTimeout      = "INGEST_TIMEOUT"
	IngestErrorInternal     = "INGEST_INTERNAL_ERROR"
)

const MetadataKeyRetryAfterMS = "retry_after_ms"
const MetadataKeyCorrelationID = "correlation_id"

// NewValidationError marks input that can never succeed on retry: bad or
// missing signatures, stale timestamps, disallowed source domains.
func NewValidationError(message string) *goerrors.Error {
	return ensureIngestErrorEnvelope(
		goerrors.New(message, goerrors.CategoryValidation).
			WithTextCode(IngestErrorBadInput),
	)
}

func NewUnauthorizedError(message string) *goerrors.Error {
	return ensureIngestErrorEnvelope(
		goerrors.New(message, goerrors.CategoryAuth).
			WithTextCode(IngestErrorUnauthorized),
	)
}

// NewTransientError marks network failures, 5xx responses and timeouts that
// are worth retrying with backoff.
func NewTransientError(message string) *goerrors.Error {
	return ensureIngestErrorEnvelope(
		goerrors.New(message, goerrors.CategoryExternal).
			WithCode(http.StatusServiceUnavailable).
			WithTextCode(IngestErrorTransient),
	)
}

func NewRateLimitError(message string, retryAfter time.Duration) *goerrors.Error {
	err := goerrors.New(message, goerrors.CategoryRateLimit).
		WithTextCode(IngestErrorRateLimited)
	if retryAfter > 0 {
		err = err.WithMetadata(map[string]any{
			MetadataKeyRetryAfterMS: retryAfter.Milliseconds(),
		})
	}
	return ensureIngestErrorEnvelope(err)
}

// NewPermanentError marks a destination-side business rejection (non-429
// 4xx); the caller sees it, the retry scheduler never does.
func NewPermanentError(message string, statusCode int) *goerrors.Error {
	if statusCode <= 0 {
		statusCode = http.StatusUnprocessableEntity
	}
	return ensureIngestErrorEnvelope(
		goerrors.New(message, goerrors.CategoryOperation).
			WithCode(statusCode).
			WithTextCode(IngestErrorPermanent),
	)
}

func NewCircuitOpenError(message string, retryAt time.Time) *goerrors.Error {
	metadata := map[string]any{}
	if !retryAt.IsZero() {
		metadata["retry_at"] = retryAt.UTC().Format(time.RFC3339Nano)
	}
	return ensureIngestErrorEnvelope(
		goerrors.New(message, goerrors.CategoryExternal).
			WithCode(http.StatusServiceUnavailable).
			WithTextCode(IngestErrorCircuitOpen).
			WithMetadata(metadata),
	)
}

// WithCorrelationID stamps the correlation id onto the error's metadata,
// normalizing plain errors into the ingest envelope first.
func WithCorrelationID(err error, correlationID string) *goerrors.Error {
	if err == nil {
		return nil
	}
	richErr := ingestErrorMapper(err)
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return richErr
	}
	return richErr.WithMetadata(map[string]any{MetadataKeyCorrelationID: correlationID})
}

func IsValidation(err error) bool {
	return hasTextCode(err, IngestErrorBadInput, IngestErrorUnauthorized)
}

func IsTransient(err error) bool {
	return hasTextCode(err, IngestErrorTransient, IngestErrorTimeout)
}

func IsRateLimited(err error) bool {
	if hasTextCode(err, IngestErrorRateLimited) {
		return true
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.Category == goerrors.CategoryRateLimit
	}
	return false
}

func IsCircuitOpen(err error) bool {
	return hasTextCode(err, IngestErrorCircuitOpen)
}

func IsPermanent(err error) bool {
	return hasTextCode(err, IngestErrorPermanent)
}

// IsRetryable reports whether the retry scheduler should see this failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsValidation(err) || IsPermanent(err) {
		return false
	}
	if IsTransient(err) || IsRateLimited(err) || IsCircuitOpen(err) {
		return true
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		switch richErr.Category {
		case goerrors.CategoryValidation, goerrors.CategoryBadInput,
			goerrors.CategoryAuth, goerrors.CategoryAuthz,
			goerrors.CategoryNotFound, goerrors.CategoryConflict:
			return false
		}
	}
	return true
}

// RetryAfterFromError extracts the throttle hint carried by rate-limit
// errors; zero when no hint is present.
func RetryAfterFromError(err error) time.Duration {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || len(richErr.Metadata) == 0 {
		return 0
	}
	switch value := richErr.Metadata[MetadataKeyRetryAfterMS].(type) {
	case int64:
		return time.Duration(value) * time.Millisecond
	case int:
		return time.Duration(value) * time.Millisecond
	case float64:
		return time.Duration(value) * time.Millisecond
	}
	return 0
}

func ingestErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureIngestErrorEnvelope(richErr)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "circuit") && strings.Contains(msg, "open"):
		return ensureIngestErrorEnvelope(
			goerrors.New(err.Error(), goerrors.CategoryExternal).
				WithCode(http.StatusServiceUnavailable).
				WithTextCode(IngestErrorCircuitOpen),
		)
	case strings.Contains(msg, "throttl"), strings.Contains(msg, "rate limit"):
		return newIngestError(err.Error(), goerrors.CategoryRateLimit, IngestErrorRateLimited)
	case strings.Contains(msg, "signature"), strings.Contains(msg, "stale"),
		strings.Contains(msg, "not allowed"):
		return newIngestError(err.Error(), goerrors.CategoryValidation, IngestErrorBadInput)
	case strings.Contains(msg, "not found"):
		return newIngestError(err.Error(), goerrors.CategoryNotFound, IngestErrorNotFound)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return ensureIngestErrorEnvelope(
			goerrors.New(err.Error(), goerrors.CategoryExternal).
				WithCode(http.StatusGatewayTimeout).
				WithTextCode(IngestErrorTimeout),
		)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"),
		strings.Contains(msg, "mismatch"):
		return newIngestError(err.Error(), goerrors.CategoryBadInput, IngestErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureIngestErrorEnvelope(mapped)
}

func newIngestError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureIngestErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureIngestErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = ingestHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultIngestTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultIngestTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return IngestErrorBadInput
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return IngestErrorUnauthorized
	case goerrors.CategoryNotFound:
		return IngestErrorNotFound
	case goerrors.CategoryConflict:
		return IngestErrorConflict
	case goerrors.CategoryRateLimit:
		return IngestErrorRateLimited
	case goerrors.CategoryExternal:
		return IngestErrorTransient
	case goerrors.CategoryOperation:
		return IngestErrorPermanent
	default:
		return IngestErrorInternal
	}
}

func ingestHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusServiceUnavailable
	case goerrors.CategoryOperation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func hasTextCode(err error, codes ...string) bool {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	for _, code := range codes {
		if richErr.TextCode == code {
			return true
		}
	}
	return false
}
