package gateway

import (
	"fmt"
	"strings"
)

// FailureMode says what an infrastructure fault means for access.
type FailureMode string

const (
	FailClosed FailureMode = "fail_closed"
	FailOpen   FailureMode = "fail_open"
)

// Policy is the one place that decides how the gateway behaves when the
// license store cannot answer.
type Policy struct {
	Mode FailureMode
}

// PolicyFor maps REQUIRE_LICENSE_SERVER onto a policy.
func PolicyFor(requireLicenseServer bool) Policy {
	if requireLicenseServer {
		return Policy{Mode: FailClosed}
	}
	return Policy{Mode: FailOpen}
}

// ParsePolicy accepts "fail_closed" or "fail_open".
func ParsePolicy(s string) (Policy, error) {
	switch FailureMode(strings.ToLower(strings.TrimSpace(s))) {
	case FailClosed, "":
		return Policy{Mode: FailClosed}, nil
	case FailOpen:
		return Policy{Mode: FailOpen}, nil
	}
	return Policy{}, fmt.Errorf("unknown failure policy %q", s)
}

// OnUnavailable is the decision for a lookup that failed for
// infrastructure reasons.
func (p Policy) OnUnavailable() Decision {
	if p.Mode == FailOpen {
		return AllowFailOpen
	}
	return DenyUnavailable
}

func (p Policy) String() string {
	if p.Mode == "" {
		return string(FailClosed)
	}
	return string(p.Mode)
}
