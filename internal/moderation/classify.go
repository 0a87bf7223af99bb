// Package moderation implements the inline content gate applied to every chat
// message before it is persisted. Classification is deterministic and
// stateless; whether the gate is active is decided per message by a Flag.
package moderation

import (
	"regexp"
	"strings"
)

// Status is the outcome of classifying a message.
type Status string

const (
	StatusApproved Status = "approved"
	StatusFlagged  Status = "flagged"
	StatusBlocked  Status = "blocked"
)

// Verdict is the classification result. Reason is empty for approved content.
type Verdict struct {
	Status Status
	Reason string
}

// Blocked reports whether the message must be rejected.
func (v Verdict) Blocked() bool { return v.Status == StatusBlocked }

// Patterns for contact details and off-platform meetups. All are matched
// case-insensitively.
var (
	phonePattern   = regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`)
	emailPattern   = regexp.MustCompile(`(?i)\b[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}\b`)
	socialPattern  = regexp.MustCompile(`(?i)\b(whatsapp|telegram|snapchat|instagram|facebook|twitter)\s*[@:]?\s*\w+`)
	meetingPattern = regexp.MustCompile(`(?i)\b(meet me|my address|come to|visit me)\b`)
)

// blockCheck pairs a detector with the reason reported when it fires.
type blockCheck struct {
	reason string
	match  func(string) bool
}

// blockChecks is evaluated in order; the first match wins.
var blockChecks = []blockCheck{
	{reason: "phone number", match: phonePattern.MatchString},
	{reason: "email address", match: emailPattern.MatchString},
	{reason: "social media contact", match: socialPattern.MatchString},
	{reason: "meeting request", match: meetingPattern.MatchString},
}

// concerningPhrases are self-harm indicators. Messages containing them are
// delivered but marked for review.
var concerningPhrases = []string{
	"kill myself",
	"end it all",
	"suicide",
	"hurt myself",
	"can't go on",
	"want to die",
	"better off dead",
}

// Classify returns the moderation verdict for text.
func Classify(text string) Verdict {
	if strings.TrimSpace(text) == "" {
		return Verdict{Status: StatusBlocked, Reason: "Empty message"}
	}

	for _, c := range blockChecks {
		if c.match(text) {
			return Verdict{Status: StatusBlocked, Reason: "Contains " + c.reason}
		}
	}

	lower := strings.ToLower(text)
	for _, phrase := range concerningPhrases {
		if strings.Contains(lower, phrase) {
			return Verdict{Status: StatusFlagged, Reason: "Contains concerning content: " + phrase}
		}
	}

	return Verdict{Status: StatusApproved}
}
