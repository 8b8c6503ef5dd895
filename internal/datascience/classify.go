package datascience

import "strings"

// Choice is the user's verdict on the proposed plan.
type Choice string

const (
	Approve Choice = "APPROVE"
	Revise  Choice = "REVISE"
)

// Plain acknowledgements that approve without change.
var approvals = map[string]struct{}{
	"approve": {}, "approved": {}, "ok": {}, "okay": {}, "yes": {},
	"lgtm": {}, "looks good": {}, "looks good to me": {}, "sounds good": {},
	"continue": {}, "proceed": {}, "go ahead": {}, "go": {}, "sure": {},
	"fine": {}, "perfect": {}, "great": {}, "good": {},
}

// Markers of doubt or requested change anywhere in the text.
var reviseMarkers = []string{
	"?", "can ", "could ", "would ", "should ", "what about", "how about",
	"but ", "however", "instead", "rather", "change", "add ", "remove",
	"don't", "do not", "why ",
}

// Classify labels plan feedback deterministically. Empty input approves; any
// question, doubt, or request revises; a bare acknowledgement approves; all
// other text is treated as a revision request verbatim.
func Classify(input string) Choice {
	text := strings.ToLower(strings.TrimSpace(input))
	if text == "" {
		return Approve
	}
	if _, ok := approvals[strings.TrimRight(text, ".!")]; ok {
		return Approve
	}
	for _, marker := range reviseMarkers {
		if strings.Contains(text, marker) {
			return Revise
		}
	}
	return Revise
}
