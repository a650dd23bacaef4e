package domain

import "fmt"

// Eligibility error codes.
const (
	CodeUnknownSource      = "UNKNOWN_SOURCE"
	CodeUnknownDestination = "UNKNOWN_DESTINATION"
)

// ValidationError reports a malformed request. Never retried; surfaced to the
// caller immediately.
type ValidationError struct {
	Field string
	Msg   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// EligibilityError reports that no rail is usable for a request, or that a
// funding reference is unknown. Terminal; surfaced to the caller.
type EligibilityError struct {
	Code string
	Msg  string
}

func (e EligibilityError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// TransientProviderError reports a retryable provider failure (timeout, 5xx,
// rate limit, network error). Drives fallback to the next candidate; only
// surfaced if every candidate is exhausted.
type TransientProviderError struct {
	ProviderID string
	Code       string
	Msg        string
	Err        error
}

func (e TransientProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s transient failure (%s): %v", e.ProviderID, e.Code, e.Err)
	}
	return fmt.Sprintf("provider %s transient failure (%s): %s", e.ProviderID, e.Code, e.Msg)
}

func (e TransientProviderError) Unwrap() error { return e.Err }

// PermanentProviderError reports a non-retryable rejection (compliance block,
// invalid account). Terminal; no further candidates are tried.
type PermanentProviderError struct {
	ProviderID string
	Code       string
	Msg        string
}

func (e PermanentProviderError) Error() string {
	return fmt.Sprintf("provider %s rejected (%s): %s", e.ProviderID, e.Code, e.Msg)
}

// ExhaustedError reports that every routed candidate failed transiently.
type ExhaustedError struct {
	Attempts int
}

func (e ExhaustedError) Error() string {
	return fmt.Sprintf("%s: all %d candidates failed transiently", ReasonAllRailsExhausted, e.Attempts)
}
