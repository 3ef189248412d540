// Package authres defines the reduced authentication-result tokens the
// directory layer consumes from message verification (SPF, DKIM, DMARC, ARC).
// Verification itself happens elsewhere; directory-based decisions, e.g.
// whether to honor a claimed identity, only ever read the reduced token.
package authres

import "fmt"

// Status is the reduced result of one verification check.
type Status string

const (
	StatusPass      Status = "pass"      // Check succeeded.
	StatusFail      Status = "fail"      // Check explicitly failed.
	StatusSoftfail  Status = "softfail"  // Weak statement of failure, e.g. SPF "~" qualifier.
	StatusNeutral   Status = "neutral"   // Explicit statement that nothing is claimed.
	StatusNone      Status = "none"      // No policy or signature present to check.
	StatusTemperror Status = "temperror" // A later attempt may reach a conclusion, e.g. after a DNS timeout.
	StatusPermerror Status = "permerror" // Error requiring intervention, e.g. a malformed record.
)

// ParseStatus parses a reduced status token.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPass, StatusFail, StatusSoftfail, StatusNeutral, StatusNone, StatusTemperror, StatusPermerror:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown authentication result status %q", s)
}

// Check identifies which verification produced a status.
type Check string

const (
	CheckSPF   Check = "spf"
	CheckDKIM  Check = "dkim"
	CheckDMARC Check = "dmarc"
	CheckARC   Check = "arc"
)

// Result is the reduced outcome of one check.
type Result struct {
	Check  Check
	Status Status
}

// Policy is the disposition a DMARC evaluation reduces to.
type Policy string

const (
	PolicyNone       Policy = "none"       // Deliver normally.
	PolicyQuarantine Policy = "quarantine" // Deliver suspiciously, e.g. to the junk mailbox.
	PolicyReject     Policy = "reject"     // Do not deliver.
)

// ParsePolicy parses a DMARC policy token.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyNone, PolicyQuarantine, PolicyReject:
		return Policy(s), nil
	}
	return "", fmt.Errorf("unknown dmarc policy %q", s)
}
