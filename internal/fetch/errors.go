package fetch

// ErrorClass classifies a failed operation for escalation and frontier
// bookkeeping. Carried on result structs, not panics.
type ErrorClass string

const (
	ClassTransient       ErrorClass = "transient"        // timeouts, 5xx, connection resets
	ClassBlocked         ErrorClass = "blocked"          // 403/429, captcha, anti-bot walls
	ClassDeadURL         ErrorClass = "dead_url"         // 404/410
	ClassParseFailed     ErrorClass = "parse_failed"     // unusable body
	ClassSchemaViolation ErrorClass = "schema_violation" // extractor output invalid
	ClassIdentityFailure ErrorClass = "identity_failure" // wrong product
	ClassPolicyViolation ErrorClass = "policy_violation" // blocked domain, robots
	ClassBudgetExceeded  ErrorClass = "budget_exceeded"  // lane or run budget hit
	ClassFatal           ErrorClass = "fatal"
)

// Retryable reports whether a later attempt against the same URL can
// reasonably succeed.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassTransient, ClassBlocked:
		return true
	}
	return false
}

// Escalates reports whether the class should push the ladder to the
// next fetch rung instead of giving up.
func (c ErrorClass) Escalates() bool {
	switch c {
	case ClassTransient, ClassBlocked, ClassParseFailed:
		return true
	}
	return false
}

// classifyStatus maps an HTTP status to an error class; 2xx maps to "".
func classifyStatus(status int) ErrorClass {
	switch {
	case status >= 200 && status < 300:
		return ""
	case status == 404 || status == 410:
		return ClassDeadURL
	case status == 403 || status == 429 || status == 401:
		return ClassBlocked
	case status >= 500:
		return ClassTransient
	default:
		return ClassTransient
	}
}
