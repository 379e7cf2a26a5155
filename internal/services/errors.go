package services

import (
	"errors"
	"fmt"
	"strings"

	"redub/internal/store"
)

var (
	ErrExternalTool  = errors.New("external tool error")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timeout")
	ErrTransient     = errors.New("transient failure")
	ErrContentPolicy = errors.New("content policy refusal")
	ErrCostLimit     = errors.New("episode cost limit exceeded")
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later status classification. The marker should
// be one of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// FailureStatus maps a stage error to the episode status the executor should
// persist after the stage fails. Cost-cap breaches park the episode at
// cost_limit; everything else is a plain failure.
func FailureStatus(err error) store.EpisodeStatus {
	if errors.Is(err, ErrCostLimit) {
		return store.StatusCostLimit
	}
	return store.StatusFailed
}

// ErrorKind is a coarse classification used for structured logging.
type ErrorKind string

const (
	KindExternalTool  ErrorKind = "external_tool"
	KindValidation    ErrorKind = "validation"
	KindConfiguration ErrorKind = "configuration"
	KindNotFound      ErrorKind = "not_found"
	KindTimeout       ErrorKind = "timeout"
	KindTransient     ErrorKind = "transient"
	KindContentPolicy ErrorKind = "content_policy"
	KindCostLimit     ErrorKind = "cost_limit"
	KindUnknown       ErrorKind = "unknown"
)

// ErrorDetails captures the structured fields a classified error carries.
type ErrorDetails struct {
	Kind    ErrorKind
	Message string
	Hint    string
	Cause   error
}

// Details extracts structured metadata from an error produced by Wrap.
// Unclassified errors come back with KindUnknown and their plain message.
func Details(err error) ErrorDetails {
	if err == nil {
		return ErrorDetails{Kind: KindUnknown}
	}
	details := ErrorDetails{
		Kind:    classify(err),
		Message: strings.TrimSpace(err.Error()),
		Cause:   errors.Unwrap(err),
	}
	details.Hint = hintFor(details.Kind)
	return details
}

func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrCostLimit):
		return KindCostLimit
	case errors.Is(err, ErrContentPolicy):
		return KindContentPolicy
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrExternalTool):
		return KindExternalTool
	case errors.Is(err, ErrTransient):
		return KindTransient
	default:
		return KindUnknown
	}
}

func hintFor(kind ErrorKind) string {
	switch kind {
	case KindCostLimit:
		return "raise max_episode_cost_usd or trim the episode"
	case KindContentPolicy:
		return "provider refused the request; adjust the prompt or content"
	case KindValidation:
		return "inspect the upstream artifact for schema problems"
	case KindConfiguration:
		return "check the configuration file and environment overrides"
	case KindNotFound:
		return "verify the expected input files exist"
	case KindTimeout:
		return "increase the relevant timeout or retry later"
	case KindExternalTool:
		return "check the external tool installation and logs"
	default:
		return ""
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
