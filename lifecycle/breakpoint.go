package lifecycle

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/c360studio/orchestrate/commbus"
)

// prNumberPattern extracts the numeric PR identifier from a URL of the
// form ".../pull/<N>/...".
var prNumberPattern = regexp.MustCompile(`/pull/(\d+)/?`)

// extractPRNumber parses a PR number out of url. An unparseable URL is
// reported as an error; the loop treats that as a failed PR_CREATED result.
func extractPRNumber(url string) (int, error) {
	m := prNumberPattern.FindStringSubmatch(url)
	if m == nil {
		return 0, fmt.Errorf("no /pull/<N>/ segment in %q", url)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("parse PR number from %q: %w", url, err)
	}
	return n, nil
}

// breakpointReady reports whether rec carries a dispatchable breakpoint:
// a terminal lifecycleState with a breakpoint payload attached.
func breakpointReady(rec *commbus.AgentRecord) bool {
	if rec == nil || rec.Breakpoint == nil {
		return false
	}
	switch rec.LifecycleState {
	case commbus.StateComplete, commbus.StateBlocked, commbus.StatePRPending:
		return true
	default:
		return false
	}
}
