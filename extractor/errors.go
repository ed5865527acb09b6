package extractor

import (
	"context"
	"errors"
	"strings"
)

// Kind groups gateway failures by whether retrying can help
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidURL
	KindUnavailable
	KindRestricted
	KindBlocked
	KindTimeout
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindInvalidURL:
		return "invalid_url"
	case KindUnavailable:
		return "unavailable"
	case KindRestricted:
		return "restricted"
	case KindBlocked:
		return "blocked"
	case KindTimeout:
		return "timeout"
	case KindIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// Permanent reports whether a failure of this kind will not change on retry
func (k Kind) Permanent() bool {
	switch k {
	case KindInvalidURL, KindUnavailable, KindRestricted, KindBlocked:
		return true
	}
	return false
}

// Error is a gateway failure with its classification
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// permanentMarkers are matched case-insensitively against error messages. Bot
// checks and IP throttling read similarly but clear up on their own, so the
// markers stay specific to the video itself.
var permanentMarkers = []struct {
	marker string
	kind   Kind
}{
	{"invalid url", KindInvalidURL},
	{"unsupported url", KindInvalidURL},
	{"is not a valid url", KindInvalidURL},
	{"video unavailable", KindUnavailable},
	{"this video is unavailable", KindUnavailable},
	{"video has been removed", KindUnavailable},
	{"private video", KindUnavailable},
	{"this video is private", KindUnavailable},
	{"sign in to confirm your age", KindRestricted},
	{"age-restricted", KindRestricted},
	{"members-only", KindRestricted},
	{"join this channel", KindRestricted},
	{"copyright", KindBlocked},
	{"blocked it in your country", KindBlocked},
	{"not available in your country", KindBlocked},
	{"made this video available in your country", KindBlocked},
}

// ClassifyMessage returns the permanent kind a message names, or KindUnknown
func ClassifyMessage(msg string) Kind {
	lower := strings.ToLower(msg)
	for _, m := range permanentMarkers {
		if strings.Contains(lower, m.marker) {
			return m.kind
		}
	}
	return KindUnknown
}

// Classify prefers the structured kind and falls back to the message text
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var gwErr *Error
	if errors.As(err, &gwErr) && gwErr.Kind != KindUnknown {
		return gwErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return ClassifyMessage(err.Error())
}

// IsPermanent reports whether err should fail the job without a retry
func IsPermanent(err error) bool {
	return Classify(err).Permanent()
}
