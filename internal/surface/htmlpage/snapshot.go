package htmlpage

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/kallaxis/waldo-cli/api/schemas"
)

// maxLabelLength caps extracted text so labels stay speakable.
const maxLabelLength = 80

// elementKind is the classification a node ends up with during a walk.
type elementKind int

const (
	kindNone elementKind = iota
	kindTab
	kindButton
	kindField
	kindDropdown
	kindModal
	kindListItem
)

// attrMap flattens a node's attributes for repeated lookups.
func attrMap(n *html.Node) map[string]string {
	attrs := make(map[string]string, len(n.Attr))
	for _, a := range n.Attr {
		attrs[strings.ToLower(a.Key)] = a.Val
	}
	return attrs
}

func getAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val, true
		}
	}
	return "", false
}

func hasAttr(n *html.Node, key string) bool {
	_, ok := getAttr(n, key)
	return ok
}

// isElement reports whether n is an element with the given lowercase tag.
func isElement(n *html.Node, tag string) bool {
	return n.Type == html.ElementNode && strings.ToLower(n.Data) == tag
}

// nodeHidden applies the static visibility rules to a single node: the
// hidden attribute, aria-hidden, inline display/visibility styles, and the
// closed state of <dialog>.
func nodeHidden(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if hasAttr(n, "hidden") {
		return true
	}
	if v, _ := getAttr(n, "aria-hidden"); v == "true" {
		return true
	}
	if style, ok := getAttr(n, "style"); ok {
		compact := strings.ReplaceAll(strings.ToLower(style), " ", "")
		if strings.Contains(compact, "display:none") ||
			strings.Contains(compact, "visibility:hidden") ||
			strings.Contains(compact, "opacity:0;") ||
			strings.HasSuffix(compact, "opacity:0") {
			return true
		}
	}
	// A dialog without the open attribute is not rendered.
	if isElement(n, "dialog") && !hasAttr(n, "open") {
		return true
	}
	return false
}

// classify determines what widget a node represents. An explicit
// data-voice-role wins over tag and ARIA inference.
func classify(n *html.Node, attrs map[string]string) elementKind {
	switch attrs["data-voice-role"] {
	case "tab":
		return kindTab
	case "button":
		return kindButton
	case "field":
		return kindField
	case "dropdown":
		return kindDropdown
	case "modal":
		return kindModal
	case "listitem":
		return kindListItem
	}

	role := strings.ToLower(attrs["role"])
	tag := strings.ToLower(n.Data)

	switch {
	case role == "tab":
		return kindTab
	case role == "dialog" || tag == "dialog":
		return kindModal
	// Status regions read like list items: short speakable text.
	case role == "listitem" || role == "status" || tag == "li":
		return kindListItem
	case role == "button" || tag == "button" || tag == "a":
		return kindButton
	case tag == "select":
		return kindDropdown
	case tag == "textarea":
		return kindField
	case tag == "input":
		switch strings.ToLower(attrs["type"]) {
		case "button", "submit", "reset", "image":
			return kindButton
		case "hidden":
			return kindNone
		default:
			return kindField
		}
	}
	return kindNone
}

// innerText concatenates the visible text beneath n, whitespace-collapsed.
func innerText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
			return
		}
		if c.Type == html.ElementNode {
			switch strings.ToLower(c.Data) {
			case "script", "style":
				return
			}
			if nodeHidden(c) {
				return
			}
		}
		for gc := c.FirstChild; gc != nil; gc = gc.NextSibling {
			walk(gc)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

// truncateLabel shortens text at a rune boundary and marks the cut.
func truncateLabel(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

// snapshotWalker accumulates widgets in document order.
type snapshotWalker struct {
	state  *schemas.UiState
	labels map[string]string // label[for] text by referenced id
}

// collectLabelTargets indexes <label for="..."> texts so fields can borrow
// their associated label.
func collectLabelTargets(root *html.Node) map[string]string {
	labels := make(map[string]string)
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if isElement(n, "label") {
			if forID, ok := getAttr(n, "for"); ok && forID != "" {
				if text := innerText(n); text != "" {
					labels[forID] = text
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return labels
}

// labelFor derives the speakable label for a widget. Priority: aria-label,
// an associated <label for>, the element's own text, placeholder, and
// finally the voice id itself.
func (w *snapshotWalker) labelFor(n *html.Node, attrs map[string]string, voiceID string) string {
	if l := strings.TrimSpace(attrs["aria-label"]); l != "" {
		return truncateLabel(l, maxLabelLength)
	}
	if id := attrs["id"]; id != "" {
		if l, ok := w.labels[id]; ok {
			return truncateLabel(l, maxLabelLength)
		}
	}
	if text := innerText(n); text != "" {
		return truncateLabel(text, maxLabelLength)
	}
	if p := strings.TrimSpace(attrs["placeholder"]); p != "" {
		return truncateLabel(p, maxLabelLength)
	}
	return voiceID
}

// modalTitle prefers aria-label, then the first heading inside the dialog.
func modalTitle(n *html.Node, attrs map[string]string, voiceID string) string {
	if l := strings.TrimSpace(attrs["aria-label"]); l != "" {
		return truncateLabel(l, maxLabelLength)
	}
	var heading *html.Node
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if heading != nil {
			return
		}
		if c.Type == html.ElementNode {
			switch strings.ToLower(c.Data) {
			case "h1", "h2", "h3", "h4", "h5", "h6":
				heading = c
				return
			}
		}
		for gc := c.FirstChild; gc != nil; gc = gc.NextSibling {
			walk(gc)
		}
	}
	walk(n)
	if heading != nil {
		if text := innerText(heading); text != "" {
			return truncateLabel(text, maxLabelLength)
		}
	}
	return voiceID
}

// visit records a single classified node into the snapshot.
func (w *snapshotWalker) visit(n *html.Node, attrs map[string]string, voiceID string) {
	disabled := hasAttr(n, "disabled") || attrs["aria-disabled"] == "true"
	loading := attrs["aria-busy"] == "true" || attrs["data-loading"] == "true"

	switch classify(n, attrs) {
	case kindTab:
		selected := attrs["aria-selected"] == "true"
		w.state.Tabs = append(w.state.Tabs, schemas.TabInfo{
			VoiceID:  voiceID,
			Label:    w.labelFor(n, attrs, voiceID),
			Selected: selected,
		})
		if selected && w.state.ActiveTab == "" {
			w.state.ActiveTab = voiceID
		}
	case kindButton:
		w.state.Buttons = append(w.state.Buttons, schemas.ButtonInfo{
			VoiceID:  voiceID,
			Label:    w.labelFor(n, attrs, voiceID),
			Disabled: disabled,
			Loading:  loading,
		})
	case kindField:
		hasError := attrs["aria-invalid"] == "true"
		w.state.Fields = append(w.state.Fields, schemas.FieldInfo{
			VoiceID:  voiceID,
			Label:    w.labelFor(n, attrs, voiceID),
			Value:    fieldValue(n),
			Disabled: disabled,
			HasError: hasError,
		})
		if hasError {
			w.state.HasValidationErrors = true
		}
	case kindDropdown:
		value, options := dropdownState(n)
		w.state.Dropdowns = append(w.state.Dropdowns, schemas.DropdownInfo{
			VoiceID:  voiceID,
			Label:    w.labelFor(n, attrs, voiceID),
			Value:    value,
			Options:  options,
			Disabled: disabled,
		})
	case kindModal:
		w.state.Modals = append(w.state.Modals, schemas.ModalInfo{
			VoiceID: voiceID,
			Title:   modalTitle(n, attrs, voiceID),
		})
	case kindListItem:
		w.state.ListItems = append(w.state.ListItems, schemas.ListItemInfo{
			VoiceID: voiceID,
			Text:    truncateLabel(innerText(n), maxLabelLength),
		})
	}
}

// fieldValue reads an input's value attribute or a textarea's text content.
func fieldValue(n *html.Node) string {
	if isElement(n, "textarea") {
		var b strings.Builder
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				b.WriteString(c.Data)
			}
		}
		return b.String()
	}
	v, _ := getAttr(n, "value")
	return v
}

// dropdownState reads the selected option label and all option labels.
func dropdownState(sel *html.Node) (string, []string) {
	var value string
	var options []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if isElement(n, "option") {
			label := innerText(n)
			if label == "" {
				label, _ = getAttr(n, "value")
			}
			options = append(options, label)
			if hasAttr(n, "selected") {
				value = label
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(sel)
	if value == "" && len(options) > 0 {
		// Browsers treat the first option as selected by default.
		value = options[0]
	}
	return value, options
}

// buildSnapshot walks the document and collects every visible
// voice-controllable element in document order.
func buildSnapshot(doc *html.Node, location string, seq uint64) *schemas.UiState {
	w := &snapshotWalker{
		state:  &schemas.UiState{Location: location, CapturedAt: seq},
		labels: collectLabelTargets(doc),
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && nodeHidden(n) {
			return // hidden subtrees contribute nothing
		}
		if n.Type == html.ElementNode {
			attrs := attrMap(n)
			if attrs["aria-busy"] == "true" || attrs["data-loading"] == "true" {
				w.state.IsLoading = true
			}
			if voiceID := attrs["data-voice-id"]; voiceID != "" {
				w.visit(n, attrs, voiceID)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return w.state
}

// findByVoiceID locates a node by its voice id regardless of visibility.
// Hooks use it to manipulate parts of the page the user cannot see yet.
func findByVoiceID(root *html.Node, voiceID string) *html.Node {
	var found *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode {
			if v, _ := getAttr(n, "data-voice-id"); v == voiceID {
				found = n
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return found
}

// findVisibleByVoiceID locates a node by voice id, skipping hidden subtrees.
func findVisibleByVoiceID(root *html.Node, voiceID string) *html.Node {
	var found *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode && nodeHidden(n) {
			return
		}
		if n.Type == html.ElementNode {
			if v, _ := getAttr(n, "data-voice-id"); v == voiceID {
				found = n
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return found
}
