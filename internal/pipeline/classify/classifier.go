// Package classify maps processing errors to a structured classification
// that drives retry behavior and user-facing messaging.
package classify

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/dealgraph/dealgraph/internal/domain"
)

// rule is one ordered pattern entry. Specific patterns come before generic
// ones; the first match wins.
type rule struct {
	re        *regexp.Regexp
	errorType string
}

var transientRules = []rule{
	{regexp.MustCompile(`(?i)gateway.?(timeout|error)|\b502\b|\b504\b`), "gateway_error"},
	{regexp.MustCompile(`(?i)socket.?(error|timeout)`), "socket_error"},
	{regexp.MustCompile(`(?i)deadlock|lock.?timeout`), "database_lock"},
	{regexp.MustCompile(`(?i)timeout|timed.?out`), "timeout"},
	{regexp.MustCompile(`(?i)rate.?limit|\b429\b|too many requests`), "rate_limit"},
	{regexp.MustCompile(`(?i)quota.?exceeded`), "quota_exceeded"},
	{regexp.MustCompile(`(?i)service.?unavailable|\b503\b`), "service_unavailable"},
	{regexp.MustCompile(`(?i)internal.?server.?error|\b500\b`), "server_error"},
	{regexp.MustCompile(`(?i)connection.?(refused|reset|error)`), "connection_error"},
	{regexp.MustCompile(`(?i)network.?(error|failure)`), "network_error"},
	{regexp.MustCompile(`(?i)resource.?busy`), "resource_busy"},
	{regexp.MustCompile(`(?i)temporary|transient|try.?again`), "transient_error"},
}

var permanentRules = []rule{
	{regexp.MustCompile(`(?i)invalid.?file|file.?corrupt`), "invalid_file"},
	{regexp.MustCompile(`(?i)unsupported.?(format|type)`), "unsupported_format"},
	{regexp.MustCompile(`(?i)permission.?denied|\b401\b|\b403\b|unauthorized`), "auth_error"},
	{regexp.MustCompile(`(?i)not.?found|\b404\b|does.?not.?exist`), "not_found"},
	{regexp.MustCompile(`(?i)validation.?error|invalid.?data`), "validation_error"},
	{regexp.MustCompile(`(?i)file.?too.?large|size.?limit`), "file_too_large"},
	{regexp.MustCompile(`(?i)empty.?file|no.?content`), "empty_file"},
	{regexp.MustCompile(`(?i)password.?protected|encrypted`), "encrypted_file"},
	{regexp.MustCompile(`(?i)malformed|parse.?error|syntax.?error`), "parse_error"},
	{regexp.MustCompile(`(?i)bad.?request|\b400\b`), "bad_request"},
}

var transientTypeHint = regexp.MustCompile(`(?i)timeout|connection|network|socket|temporary|retry|ratelimit`)
var permanentTypeHint = regexp.MustCompile(`(?i)value|type|key|index|attribute|invalidfile|unsupported`)

// messages carries the fixed user-facing copy per error_type.
type messageEntry struct {
	userMessage string
	guidance    string
}

var messages = map[string]messageEntry{
	"gateway_error":       {"An upstream gateway failed while processing the document.", "The system retries automatically. No action needed."},
	"socket_error":        {"A network socket error interrupted processing.", "The system retries automatically. No action needed."},
	"database_lock":       {"The database was briefly locked by another operation.", "The system retries automatically. No action needed."},
	"timeout":             {"The operation took too long and timed out.", "The system retries automatically. Very large documents may need to be split."},
	"rate_limit":          {"An external service rate-limited the request.", "The system retries automatically with backoff. No action needed."},
	"quota_exceeded":      {"A provider usage quota was exceeded.", "Retries continue automatically. Contact an administrator if this persists."},
	"service_unavailable": {"A required service was temporarily unavailable.", "The system retries automatically. No action needed."},
	"server_error":        {"An external service returned an internal error.", "The system retries automatically. No action needed."},
	"connection_error":    {"A connection to a required service failed.", "The system retries automatically. No action needed."},
	"network_error":       {"A network failure interrupted processing.", "The system retries automatically. No action needed."},
	"resource_busy":       {"A required resource was busy.", "The system retries automatically. No action needed."},
	"transient_error":     {"A temporary error interrupted processing.", "The system retries automatically. No action needed."},
	"invalid_file":        {"The file appears to be invalid or corrupted.", "Re-export the document and upload it again."},
	"unsupported_format":  {"This file format is not supported.", "Convert the document to PDF, DOCX, or XLSX and upload it again."},
	"auth_error":          {"The system was not authorized to access a required service.", "Contact an administrator to check service credentials."},
	"not_found":           {"A required resource could not be found.", "Verify the document still exists and retry the upload."},
	"validation_error":    {"The document contains data that failed validation.", "Check the document contents and upload a corrected version."},
	"file_too_large":      {"The file exceeds the maximum supported size.", "Split the document into smaller files and upload them separately."},
	"empty_file":          {"The file contains no extractable content.", "Verify the document has content and upload it again."},
	"encrypted_file":      {"The file is password protected or encrypted.", "Remove the password protection and upload it again."},
	"parse_error":         {"The document could not be parsed.", "Re-export the document in a standard format and upload it again."},
	"bad_request":         {"The processing request was rejected as invalid.", "Retry the upload. Contact support if this persists."},
	"unknown_error":       {"An unexpected error occurred while processing the document.", "The system retries once automatically. Use manual retry if it fails again."},
}

const maxStackTrace = 2000

// Classify maps an error plus stage context to a ClassifiedError.
// Deterministic: sentinel errors short-circuit, then transient patterns,
// then permanent patterns, then type-name hints, then unknown (retryable).
func Classify(err error, stage string, retryCount int) domain.ClassifiedError {
	if err == nil {
		err = errors.New("unknown error")
	}
	category, errorType := classifyError(err)
	entry, ok := messages[errorType]
	if !ok {
		entry = messages["unknown_error"]
	}
	msg := err.Error()
	stack := ""
	if len(msg) > maxStackTrace {
		stack = msg[:maxStackTrace]
	}
	return domain.ClassifiedError{
		Category:    category,
		ErrorType:   errorType,
		Message:     msg,
		ShouldRetry: category != domain.ErrorPermanent,
		UserMessage: entry.userMessage,
		Guidance:    entry.guidance,
		Stage:       stage,
		Timestamp:   time.Now().UTC(),
		StackTrace:  stack,
		RetryCount:  retryCount,
	}
}

func classifyError(err error) (domain.ErrorCategory, string) {
	switch {
	case errors.Is(err, domain.ErrUpstreamRateLimit), errors.Is(err, domain.ErrRateLimited):
		return domain.ErrorTransient, "rate_limit"
	case errors.Is(err, domain.ErrUpstreamTimeout):
		return domain.ErrorTransient, "timeout"
	case errors.Is(err, domain.ErrGraphUnavailable):
		return domain.ErrorTransient, "service_unavailable"
	case errors.Is(err, domain.ErrNotFound):
		return domain.ErrorPermanent, "not_found"
	case errors.Is(err, domain.ErrInvalidArgument):
		return domain.ErrorPermanent, "validation_error"
	case errors.Is(err, domain.ErrSchemaInvalid):
		return domain.ErrorPermanent, "parse_error"
	}

	msg := err.Error()
	for _, r := range transientRules {
		if r.re.MatchString(msg) {
			return domain.ErrorTransient, r.errorType
		}
	}
	for _, r := range permanentRules {
		if r.re.MatchString(msg) {
			return domain.ErrorPermanent, r.errorType
		}
	}

	// Wrapped error types sometimes carry a telling type name even when the
	// message does not match any table entry.
	typeName := fmt.Sprintf("%T", errors.Unwrap(err))
	if typeName == "<nil>" {
		typeName = fmt.Sprintf("%T", err)
	}
	if transientTypeHint.MatchString(typeName) {
		return domain.ErrorTransient, "transient_error"
	}
	if permanentTypeHint.MatchString(typeName) {
		return domain.ErrorPermanent, "validation_error"
	}

	return domain.ErrorUnknown, "unknown_error"
}
