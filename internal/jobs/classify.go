package jobs

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strings"

	"cron-dispatch/internal/provider"
)

// Class is the retry verdict for a failure.
type Class int

const (
	Retryable Class = iota + 1
	Terminal
)

func (c Class) String() string {
	if c == Terminal {
		return "terminal"
	}
	return "retryable"
}

// Terminal patterns are checked first and win when both sets match.
var terminalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`unauthori[sz]ed`),
	regexp.MustCompile(`authentication failed`),
	regexp.MustCompile(`forbidden`),
	regexp.MustCompile(`invalid api key`),
	regexp.MustCompile(`missing .*(configuration|credential|api key|token)`),
	regexp.MustCompile(`not configured`),
	regexp.MustCompile(`not found`),
}

var retryablePatterns = []*regexp.Regexp{
	regexp.MustCompile(`timeout|timed out|etimedout`),
	regexp.MustCompile(`econnreset|connection reset`),
	regexp.MustCompile(`econnrefused|connection refused`),
	regexp.MustCompile(`enotfound|no such host`),
	regexp.MustCompile(`fetch failed`),
	regexp.MustCompile(`\b429\b|rate limit|too many requests`),
}

// Classify decides whether err is worth retrying. Structured signals
// (provider status codes, configuration sentinels) are used when present.
// Terminal text beats a wrapped timeout, so an auth failure that also hit a
// deadline is not retried.
func Classify(err error) Class {
	if err == nil {
		return Terminal
	}
	var perr *provider.Error
	if errors.As(err, &perr) {
		return classifyStatus(perr.StatusCode)
	}
	if errors.Is(err, provider.ErrNotConfigured) {
		return Terminal
	}
	lower := strings.ToLower(err.Error())
	if matchesAny(terminalPatterns, lower) {
		return Terminal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return Retryable
	}
	return ClassifyMessage(lower)
}

// ClassifyMessage applies the text heuristics. Messages matching neither set
// are treated as retryable and left to the attempt ceiling.
func ClassifyMessage(msg string) Class {
	lower := strings.ToLower(msg)
	if matchesAny(terminalPatterns, lower) {
		return Terminal
	}
	if matchesAny(retryablePatterns, lower) {
		return Retryable
	}
	return Retryable
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func classifyStatus(code int) Class {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return Retryable
	case code >= 400:
		return Terminal
	default:
		return Retryable
	}
}
