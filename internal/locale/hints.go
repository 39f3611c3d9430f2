// Package locale renders the spoken-style hints the engine attaches to
// action results. Hints are suggestions for what the voice agent could say;
// callers are free to ignore them.
package locale

import (
	"fmt"

	"golang.org/x/text/language"
)

// Hint keys understood by the catalogues. Every engine-produced hint goes
// through a key so translations stay in one place.
const (
	KeyConfirmAsk      = "confirm.ask"
	KeyConfirmDone     = "confirm.done"
	KeyConfirmNone     = "confirm.none"
	KeyCancelled       = "cancelled"
	KeyUnknownAction   = "action.unknown"
	KeyInvalidParams   = "params.invalid"
	KeyTargetMissing   = "target.missing"
	KeyVerifyFailed    = "verify.failed"
	KeyInternalError   = "internal.error"
	KeyRateLimited     = "rate.limited"
	KeyNothingToVerify = "verify.nothing"
)

var catalogues = map[string]map[string]string{
	"en": {
		KeyConfirmAsk:      "This will %s. Say confirm to go ahead, or cancel.",
		KeyConfirmDone:     "Confirmed and done.",
		KeyConfirmNone:     "There's nothing waiting for confirmation right now.",
		KeyCancelled:       "Okay, I won't do that.",
		KeyUnknownAction:   "I'm sorry, I don't know how to do %q. Ask me what I can do.",
		KeyInvalidParams:   "I couldn't start that: %s.",
		KeyTargetMissing:   "I'm sorry, I couldn't find %q on the screen right now.",
		KeyVerifyFailed:    "I tried, but the screen doesn't show the change I expected: %s.",
		KeyInternalError:   "Something went wrong on my end. Let's try that again.",
		KeyRateLimited:     "I'm going a bit too fast. Give me a moment and ask again.",
		KeyNothingToVerify: "The screen didn't change, so there's nothing to report.",
	},
	"de": {
		KeyConfirmAsk:      "Das wird %s. Sag bestätigen, um fortzufahren, oder abbrechen.",
		KeyConfirmDone:     "Bestätigt und erledigt.",
		KeyConfirmNone:     "Im Moment wartet nichts auf eine Bestätigung.",
		KeyCancelled:       "In Ordnung, ich lasse es.",
		KeyUnknownAction:   "Es tut mir leid, ich weiß nicht, wie ich %q ausführen soll.",
		KeyInvalidParams:   "Ich konnte nicht anfangen: %s.",
		KeyTargetMissing:   "Es tut mir leid, ich konnte %q gerade nicht auf dem Bildschirm finden.",
		KeyVerifyFailed:    "Ich habe es versucht, aber der Bildschirm zeigt nicht die erwartete Änderung: %s.",
		KeyInternalError:   "Bei mir ist etwas schiefgelaufen. Versuchen wir es noch einmal.",
		KeyRateLimited:     "Ich bin etwas zu schnell. Einen Moment, dann frag noch einmal.",
		KeyNothingToVerify: "Der Bildschirm hat sich nicht verändert, es gibt nichts zu berichten.",
	},
}

// supported lists catalogue languages in matcher order; the first entry is
// the fallback for unknown requests.
var supported = []language.Tag{
	language.English,
	language.German,
}

// Hinter resolves a requested locale against the available catalogues and
// renders hint templates.
type Hinter struct {
	matcher  language.Matcher
	fallback string
}

// New builds a Hinter whose default language is used when a request carries
// no locale at all. An unknown default falls back to English.
func New(defaultLocale string) *Hinter {
	h := &Hinter{matcher: language.NewMatcher(supported), fallback: "en"}
	if defaultLocale != "" {
		h.fallback = h.resolve(defaultLocale)
	}
	return h
}

// resolve maps an arbitrary BCP 47 tag ("de-AT", "en_US") onto a catalogue
// language. Unparseable or unmatched tags resolve to English.
func (h *Hinter) resolve(locale string) string {
	if locale == "" {
		return h.fallback
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return h.fallback
	}
	_, index, _ := h.matcher.Match(tag)
	switch supported[index] {
	case language.German:
		return "de"
	default:
		return "en"
	}
}

// Hint renders the template for key in the closest supported language.
// Unknown keys render empty, so a missed translation degrades to silence
// rather than gibberish.
func (h *Hinter) Hint(locale, key string, args ...any) string {
	catalogue := catalogues[h.resolve(locale)]
	template, ok := catalogue[key]
	if !ok {
		return ""
	}
	if len(args) == 0 {
		return template
	}
	return fmt.Sprintf(template, args...)
}
