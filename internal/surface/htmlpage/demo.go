package htmlpage

import (
	_ "embed"
	"fmt"

	"go.uber.org/zap"
)

// demoFixture is a small classroom app: tabbed home view, a settings
// route, a help dialog, and enough stateful widgets to exercise every
// action family.
//
//go:embed demo.html
var demoFixture string

// Demo builds the embedded classroom page with its application behaviors
// attached. The CLI's dry-run mode and the engine tests both run against
// it.
func Demo(logger *zap.Logger) (*Page, error) {
	p, err := New(demoFixture, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build demo page: %w", err)
	}

	// Session lifecycle: start and end flip the status badge and swap
	// which button is usable.
	p.OnClick("session-start", func(doc *Document) {
		doc.SetText("session-status", "Session active")
		doc.SetAttr("session-start", "disabled", "")
		doc.RemoveAttr("session-end", "disabled")
	})
	p.OnClick("session-end", func(doc *Document) {
		doc.SetText("session-status", "Session ended")
		doc.SetAttr("session-end", "disabled", "")
		doc.RemoveAttr("session-start", "disabled")
	})

	// Publishing a post appends it to the list and clears the composer.
	nextPost := 102
	p.OnClick("post-submit", func(doc *Document) {
		content, ok := doc.FieldValue("post-composer")
		if !ok || content == "" {
			return
		}
		doc.AppendListItem("post-list", fmt.Sprintf("post-item-%d", nextPost), content)
		nextPost++
		doc.SetFieldValue("post-composer", "")
	})

	// Deleting the seeded post removes it outright.
	p.OnClick("post-delete-101", func(doc *Document) {
		doc.Remove("post-item-101")
	})

	// Voting updates the status line and marks the chosen option.
	vote := func(label string, id string) ClickHook {
		return func(doc *Document) {
			doc.SetText("poll-status", "You voted for "+label)
			doc.SetAttr(id, "aria-pressed", "true")
		}
	}
	p.OnClick("poll-option-cardio", vote("Cardiology", "poll-option-cardio"))
	p.OnClick("poll-option-neuro", vote("Neurology", "poll-option-neuro"))

	return p, nil
}
