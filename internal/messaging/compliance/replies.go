package compliance

import (
	"regexp"
	"strings"
)

// ReplyKind classifies an inbound customer reply to an offer.
type ReplyKind string

const (
	ReplyUnknown ReplyKind = "unknown"
	ReplyClaim   ReplyKind = "claim"
	ReplyDecline ReplyKind = "decline"
	ReplyStop    ReplyKind = "stop"
	ReplyHelp    ReplyKind = "help"
)

// Reply is a parsed inbound message. Ref is the claim reference, upper-cased,
// when the customer included one.
type Reply struct {
	Kind ReplyKind
	Ref  string
}

// Detector identifies offer replies and STOP/HELP keywords in inbound messages.
type Detector struct {
	stopRegex    *regexp.Regexp
	helpRegex    *regexp.Regexp
	claimRegex   *regexp.Regexp
	declineRegex *regexp.Regexp
}

// NewDetector returns a keyword detector with sane defaults.
func NewDetector() *Detector {
	return &Detector{
		stopRegex:    regexp.MustCompile(`(?i)^(?:please\s+)?(stop|stopall|unsubscribe|cancel|end|quit)\b(?:\s+([a-z0-9]{6,12})\b)?`),
		helpRegex:    regexp.MustCompile(`(?i)^(?:please\s+)?(help|info)\b`),
		claimRegex:   regexp.MustCompile(`(?i)^(?:claim|yes|book)\b\s*([a-z0-9]{6,12})?\b`),
		declineRegex: regexp.MustCompile(`(?i)^(?:no|pass|decline)\b\s*([a-z0-9]{6,12})?\b`),
	}
}

// IsStop returns true when body contains a STOP keyword.
func (d *Detector) IsStop(body string) bool {
	if d == nil || d.stopRegex == nil {
		return false
	}
	return d.stopRegex.MatchString(strings.TrimSpace(body))
}

// IsHelp returns true when body contains a HELP keyword.
func (d *Detector) IsHelp(body string) bool {
	if d == nil || d.helpRegex == nil {
		return false
	}
	return d.helpRegex.MatchString(strings.TrimSpace(body))
}

// Parse classifies a reply. STOP wins over everything else.
func (d *Detector) Parse(body string) Reply {
	if d == nil {
		return Reply{Kind: ReplyUnknown}
	}
	body = strings.TrimSpace(body)
	if m := d.stopRegex.FindStringSubmatch(body); m != nil {
		return Reply{Kind: ReplyStop, Ref: strings.ToUpper(m[2])}
	}
	if d.helpRegex.MatchString(body) {
		return Reply{Kind: ReplyHelp}
	}
	if m := d.claimRegex.FindStringSubmatch(body); m != nil {
		return Reply{Kind: ReplyClaim, Ref: strings.ToUpper(m[1])}
	}
	if m := d.declineRegex.FindStringSubmatch(body); m != nil {
		return Reply{Kind: ReplyDecline, Ref: strings.ToUpper(m[1])}
	}
	return Reply{Kind: ReplyUnknown}
}
