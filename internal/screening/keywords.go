package screening

import "strings"

// spamIndicators are phrases that reliably trip the network's spam filters.
var spamIndicators = []string{
	"urgent",
	"limited time",
	"act now",
	"don't miss out",
	"exclusive offer",
	"click here",
	"buy now",
	"free money",
	"guaranteed",
	"no obligation",
	"risk-free",
	"instant approval",
	"make money",
	"earn cash",
	"work from home",
	"lose weight",
	"miracle cure",
	"secret formula",
	"hidden secret",
	"what are you waiting for",
	"grab the offer",
	"hurry up",
	"last chance",
}

// DetectSpamWords returns the indicators contained in text, case-insensitively.
func DetectSpamWords(text string) []string {
	lower := strings.ToLower(text)
	var found []string
	for _, indicator := range spamIndicators {
		if strings.Contains(lower, indicator) {
			found = append(found, indicator)
		}
	}
	return found
}

// union merges b into a, keeping first-seen order and dropping case-insensitive duplicates.
func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, w := range list {
			key := strings.ToLower(strings.TrimSpace(w))
			if key == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, w)
		}
	}
	return out
}
