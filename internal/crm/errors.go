package crm

import "errors"

var (
	// ErrAuth is a fatal credential failure (401/403). Never retried.
	ErrAuth = errors.New("crm: authentication failed")
	// ErrRateLimited is returned once the 429 retry budget is exhausted.
	ErrRateLimited = errors.New("crm: rate limit retries exhausted")
	// ErrTransient is returned once the network retry budget is exhausted.
	// Callers surface it as a partial extraction, not a fatal failure.
	ErrTransient = errors.New("crm: transient network failure")
	// ErrMalformed means the source returned a body we cannot decode:
	// schema drift, fatal by policy.
	ErrMalformed = errors.New("crm: malformed response")
)
