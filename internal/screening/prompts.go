package screening

import (
	"fmt"

	"github.com/unclebandit/bulkwa-backend/internal/model"
)

func analysisPrompt(text, category string, settings model.Settings) string {
	tone := settings.Tone
	if tone == "" {
		tone = "professional"
	}
	return fmt.Sprintf(`You review outgoing WhatsApp Business messages for policy compliance.

Message: %q
Category: %q
Preferred tone: %s

List every word or phrase likely to be treated as spam (pressure tactics, aggressive
promotion, bait calls to action, unrealistic promises). Suggest a replacement for each
and rewrite the whole message so it keeps its intent and call to action but reads like
a genuine note from a business.

Reply with JSON only:
{"isSpam": bool, "spamWords": [string], "replacements": [{"original": string, "replacement": string, "reason": string}], "rewrittenMessage": string, "confidence": number}`, text, category, tone)
}

func variationPrompt(text string, index int) string {
	return fmt.Sprintf(`Reword this message for a bulk send so each copy reads differently.

Message: %q
Variation: %d

Keep the meaning, details (numbers, names, links) and roughly the same length.
Reply with the reworded message only.`, text, index)
}

func personalizePrompt(text, name string, index int) string {
	return fmt.Sprintf(`Address this message to %s personally.

Message: %q
Style variant: %d

Use the name naturally, keep the core message and call to action, stay friendly and
professional, and stay under 200 words. Reply with the message only.`, name, text, index)
}
