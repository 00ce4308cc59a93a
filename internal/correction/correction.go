// Package correction maps free-form error text to a diagnosis, a suggested
// remedy, a retry decision, and a retry delay. It can also apply a small set
// of local remedies to a todo's workspace.
package correction

import (
	"strings"
	"time"
)

// Category is a coarse error class.
type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryTimeout    Category = "timeout"
	CategoryPermission Category = "permission"
	CategoryNotFound   Category = "not_found"
	CategoryInvalid    Category = "invalid"
	CategoryRateLimit  Category = "rate_limit"
	CategoryUnknown    Category = "unknown"
)

// Solution names a remedy. Only some solutions are executable locally.
type Solution string

const (
	SolutionRetryWithBackoff   Solution = "retry with exponential backoff"
	SolutionCheckConnectivity  Solution = "check network connectivity and retry"
	SolutionCheckPermissions   Solution = "check file permissions"
	SolutionCreateMissing      Solution = "create missing resources"
	SolutionValidateParameters Solution = "validate parameters"
	SolutionWaitForRateLimit   Solution = "wait for rate limit reset"
	SolutionManualReview       Solution = "manual review required"
)

// Diagnosis is the outcome of matching error text against the rule table.
type Diagnosis struct {
	Category Category
	Message  string
}

// Analysis bundles everything the engine needs to decide what to do next.
type Analysis struct {
	Diagnosis   Diagnosis
	Solution    Solution
	ShouldRetry bool
	RetryDelay  time.Duration
}

// Strategy analyzes error text. The default is the keyword table below.
type Strategy interface {
	Analyze(errText string) Analysis
}

type rule struct {
	category Category
	patterns []string
	message  string
	solution Solution
	retry    bool
	delay    time.Duration
}

// rules are checked in order; the first match wins. Network precedes timeout
// so "ECONNRESET network timeout" is treated as a network failure.
var rules = []rule{
	{
		category: CategoryNetwork,
		patterns: []string{"network", "econnreset", "econnrefused", "socket hang up", "connection refused", "connection reset"},
		message:  "Network connectivity issue",
		solution: SolutionCheckConnectivity,
		retry:    true,
		delay:    10 * time.Second,
	},
	{
		category: CategoryTimeout,
		patterns: []string{"timeout", "timed out", "deadline exceeded"},
		message:  "Operation timed out",
		solution: SolutionRetryWithBackoff,
		retry:    true,
		delay:    5 * time.Second,
	},
	{
		category: CategoryPermission,
		patterns: []string{"permission", "eacces", "access denied", "forbidden"},
		message:  "Insufficient permissions",
		solution: SolutionCheckPermissions,
	},
	{
		category: CategoryNotFound,
		patterns: []string{"not found", "enoent", "no such file"},
		message:  "Resource not found",
		solution: SolutionCreateMissing,
	},
	{
		category: CategoryInvalid,
		patterns: []string{"invalid", "malformed", "validation"},
		message:  "Invalid input or parameters",
		solution: SolutionValidateParameters,
	},
	{
		category: CategoryRateLimit,
		patterns: []string{"rate limit", "too many requests"},
		message:  "Rate limit exceeded",
		solution: SolutionWaitForRateLimit,
		retry:    true,
		delay:    60 * time.Second,
	},
}

// transientMarkers are substrings that make an otherwise unclassified error
// retryable.
var transientMarkers = []string{"temporary", "temporarily", "try again"}

// DefaultRetryDelay applies to retryable errors without a specific category.
const DefaultRetryDelay = 2 * time.Second

func match(errText string) (rule, bool) {
	lower := strings.ToLower(errText)
	for _, r := range rules {
		for _, p := range r.patterns {
			if strings.Contains(lower, p) {
				return r, true
			}
		}
	}
	return rule{}, false
}

// Diagnose classifies error text. Matching is case-insensitive.
func Diagnose(errText string) Diagnosis {
	if r, ok := match(errText); ok {
		return Diagnosis{Category: r.category, Message: r.message}
	}
	return Diagnosis{Category: CategoryUnknown, Message: "Unknown error: " + errText}
}

// SolutionFor returns the remedy for a diagnosis.
func SolutionFor(d Diagnosis) Solution {
	for _, r := range rules {
		if r.category == d.Category {
			return r.solution
		}
	}
	return SolutionManualReview
}

// retryable returns the retryable rule whose pattern occurs in errText,
// preferring the longest delay so a rate limit outranks a timeout mention.
func retryable(errText string) (rule, bool) {
	lower := strings.ToLower(errText)
	var best rule
	found := false
	for _, r := range rules {
		if !r.retry || (found && r.delay <= best.delay) {
			continue
		}
		for _, p := range r.patterns {
			if strings.Contains(lower, p) {
				best, found = r, true
				break
			}
		}
	}
	return best, found
}

// ShouldRetry reports whether the error looks transient: it mentions a
// timeout, a network failure, a rate limit, or a temporary condition.
func ShouldRetry(errText string) bool {
	if _, ok := retryable(errText); ok {
		return true
	}
	lower := strings.ToLower(errText)
	for _, m := range transientMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// RetryDelay returns how long to wait before retrying: rate limit 60s,
// network 10s, timeout 5s, anything else 2s.
func RetryDelay(errText string) time.Duration {
	if r, ok := retryable(errText); ok {
		return r.delay
	}
	return DefaultRetryDelay
}

// Keywords is the default Strategy.
type Keywords struct{}

// Analyze implements Strategy.
func (Keywords) Analyze(errText string) Analysis {
	d := Diagnose(errText)
	return Analysis{
		Diagnosis:   d,
		Solution:    SolutionFor(d),
		ShouldRetry: ShouldRetry(errText),
		RetryDelay:  RetryDelay(errText),
	}
}

// TransientOnly keeps the retry decision but never proposes a local remedy.
type TransientOnly struct{}

// Analyze implements Strategy.
func (TransientOnly) Analyze(errText string) Analysis {
	return Analysis{
		Diagnosis:   Diagnose(errText),
		Solution:    SolutionManualReview,
		ShouldRetry: ShouldRetry(errText),
		RetryDelay:  RetryDelay(errText),
	}
}
