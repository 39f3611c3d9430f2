// Package htmlpage implements the application surface over an in-memory
// HTML document. It parses a fixture once and then behaves like a small,
// deterministic single-page app: tabs select, panels show and hide, inputs
// hold values, dialogs open and close. Application-specific behavior is
// attached through click hooks. The driver backs offline tests and the
// CLI's dry-run mode.
package htmlpage

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/kallaxis/waldo-cli/api/schemas"
	"github.com/kallaxis/waldo-cli/internal/surface"
)

// ClickHook is application behavior attached to a voice id. It runs with
// the page lock held, after the built-in widget behavior, and may mutate
// the document through the handed-in view.
type ClickHook func(doc *Document)

// Page is an in-memory application surface.
type Page struct {
	mu       sync.Mutex
	doc      *html.Node
	location string
	history  []string
	seq      uint64
	hooks    map[string]ClickHook
	closed   bool
	log      *zap.Logger
}

// New parses fixture HTML into a Page. The starting location comes from a
// data-location attribute on <body>, defaulting to "/". Route-switched
// sections (data-route) are reconciled against it immediately.
func New(fixture string, logger *zap.Logger) (*Page, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	doc, err := html.Parse(strings.NewReader(fixture))
	if err != nil {
		return nil, fmt.Errorf("failed to parse fixture HTML: %w", err)
	}

	p := &Page{
		doc:      doc,
		location: "/",
		hooks:    make(map[string]ClickHook),
		log:      logger.Named("htmlpage"),
	}
	if body := findTag(doc, "body"); body != nil {
		if loc, ok := getAttr(body, "data-location"); ok && loc != "" {
			p.location = loc
		}
	}
	p.applyRouteSections(p.location)
	return p, nil
}

// LoadFile reads a fixture from disk and parses it.
func LoadFile(path string, logger *zap.Logger) (*Page, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture %q: %w", path, err)
	}
	return New(string(raw), logger)
}

// OnClick registers application behavior for clicks on the given voice id.
// Registering again replaces the previous hook.
func (p *Page) OnClick(voiceID string, hook ClickHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks[voiceID] = hook
}

// Seq returns the current mutation counter. Test helper.
func (p *Page) Seq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// -- surface.Surface implementation --

// Snapshot captures all visible voice-controllable elements.
func (p *Page) Snapshot(ctx context.Context) (*schemas.UiState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, surface.ErrSurfaceClosed
	}
	return buildSnapshot(p.doc, p.location, p.seq), nil
}

// Location reports the current route.
func (p *Page) Location(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", surface.ErrSurfaceClosed
	}
	return p.location, nil
}

// Navigate switches the current route, pushes history, and reconciles
// route-bound sections.
func (p *Page) Navigate(ctx context.Context, route string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return surface.ErrSurfaceClosed
	}
	if route == p.location {
		return nil
	}
	p.history = append(p.history, p.location)
	p.location = route
	p.applyRouteSections(route)
	p.seq++
	p.log.Debug("Navigated.", zap.String("route", route))
	return nil
}

// Back pops one history entry. Without history it is a no-op, matching a
// browser at the start of its session.
func (p *Page) Back(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return surface.ErrSurfaceClosed
	}
	if len(p.history) == 0 {
		return nil
	}
	p.location = p.history[len(p.history)-1]
	p.history = p.history[:len(p.history)-1]
	p.applyRouteSections(p.location)
	p.seq++
	return nil
}

// Click activates a tab, button, or list item. Built-in widget behavior
// runs first (tab selection, modal open/close wiring), then any registered
// hook for the resolved id.
func (p *Page) Click(ctx context.Context, target surface.Target) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return surface.ErrSurfaceClosed
	}

	node, resolvedID, err := p.resolveClickable(target)
	if err != nil {
		return err
	}
	if hasAttr(node, "disabled") || attrValue(node, "aria-disabled") == "true" {
		return fmt.Errorf("element %q is disabled", resolvedID)
	}

	attrs := attrMap(node)
	switch classify(node, attrs) {
	case kindTab:
		p.selectTab(node)
	default:
		if modalID, ok := getAttr(node, "data-opens-modal"); ok {
			p.openModal(modalID)
		}
		if modalID, ok := getAttr(node, "data-closes-modal"); ok {
			p.closeModalByID(modalID)
		} else if attrs["data-dismiss"] == "modal" {
			// A dismiss button closes its enclosing dialog.
			if dialog := enclosingDialog(node); dialog != nil {
				hideDialog(dialog)
			}
		}
	}

	if hook, ok := p.hooks[resolvedID]; ok {
		hook(&Document{p: p})
	}
	p.seq++
	return nil
}

// Fill sets or appends text in an input or textarea.
func (p *Page) Fill(ctx context.Context, target surface.Target, text string, appendTo bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return surface.ErrSurfaceClosed
	}

	node, resolvedID, err := p.resolveByKind(target, "field", kindField)
	if err != nil {
		return err
	}
	if hasAttr(node, "disabled") {
		return fmt.Errorf("field %q is disabled", resolvedID)
	}

	value := text
	if appendTo {
		value = fieldValue(node) + text
	}
	setFieldValue(node, value)
	p.seq++
	return nil
}

// SelectOption chooses a dropdown option by its label or value.
func (p *Page) SelectOption(ctx context.Context, target surface.Target, option string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return surface.ErrSurfaceClosed
	}

	node, resolvedID, err := p.resolveByKind(target, "dropdown", kindDropdown)
	if err != nil {
		return err
	}
	if hasAttr(node, "disabled") {
		return fmt.Errorf("dropdown %q is disabled", resolvedID)
	}

	var match *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if match != nil {
			return
		}
		if isElement(n, "option") {
			label := innerText(n)
			val, _ := getAttr(n, "value")
			if strings.EqualFold(label, option) || strings.EqualFold(val, option) {
				match = n
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(node)
	if match == nil {
		return fmt.Errorf("dropdown %q has no option %q", resolvedID, option)
	}

	clearSelected(node)
	setAttr(match, "selected", "")
	if val, ok := getAttr(match, "value"); ok {
		setAttr(node, "value", val)
	} else {
		setAttr(node, "value", innerText(match))
	}
	p.seq++
	return nil
}

// CloseModal dismisses the last open dialog in document order.
func (p *Page) CloseModal(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return surface.ErrSurfaceClosed
	}

	var open []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && nodeHidden(n) {
			return
		}
		if n.Type == html.ElementNode {
			attrs := attrMap(n)
			if classify(n, attrs) == kindModal && attrs["data-voice-id"] != "" {
				open = append(open, n)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(p.doc)

	if len(open) == 0 {
		return nil
	}
	hideDialog(open[len(open)-1])
	p.seq++
	return nil
}

// Close marks the page unusable.
func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// -- resolution helpers (lock held) --

// resolveClickable resolves a click target against visible tabs, buttons,
// and list items.
func (p *Page) resolveClickable(target surface.Target) (*html.Node, string, error) {
	snap := buildSnapshot(p.doc, p.location, p.seq)

	candidates := make([]surface.Candidate, 0, len(snap.Tabs)+len(snap.Buttons)+len(snap.ListItems))
	present := make([]string, 0, cap(candidates))
	for _, t := range snap.Tabs {
		candidates = append(candidates, surface.Candidate{VoiceID: t.VoiceID, Label: t.Label})
		present = append(present, t.VoiceID)
	}
	for _, b := range snap.Buttons {
		candidates = append(candidates, surface.Candidate{VoiceID: b.VoiceID, Label: b.Label})
		present = append(present, b.VoiceID)
	}
	for _, li := range snap.ListItems {
		candidates = append(candidates, surface.Candidate{VoiceID: li.VoiceID, Label: li.Text})
		present = append(present, li.VoiceID)
	}

	resolved, ok := surface.Resolve(target, candidates)
	if !ok {
		return nil, "", &surface.NotFoundError{VoiceID: target.VoiceID, Kind: "clickable element", Candidates: present}
	}
	node := findVisibleByVoiceID(p.doc, resolved)
	if node == nil {
		return nil, "", &surface.NotFoundError{VoiceID: target.VoiceID, Kind: "clickable element", Candidates: present}
	}
	return node, resolved, nil
}

// resolveByKind resolves a target against visible widgets of one kind.
func (p *Page) resolveByKind(target surface.Target, kindName string, kind elementKind) (*html.Node, string, error) {
	snap := buildSnapshot(p.doc, p.location, p.seq)

	var candidates []surface.Candidate
	var present []string
	switch kind {
	case kindField:
		for _, f := range snap.Fields {
			candidates = append(candidates, surface.Candidate{VoiceID: f.VoiceID, Label: f.Label})
			present = append(present, f.VoiceID)
		}
	case kindDropdown:
		for _, d := range snap.Dropdowns {
			candidates = append(candidates, surface.Candidate{VoiceID: d.VoiceID, Label: d.Label})
			present = append(present, d.VoiceID)
		}
	}

	resolved, ok := surface.Resolve(target, candidates)
	if !ok {
		return nil, "", &surface.NotFoundError{VoiceID: target.VoiceID, Kind: kindName, Candidates: present}
	}
	node := findVisibleByVoiceID(p.doc, resolved)
	if node == nil {
		return nil, "", &surface.NotFoundError{VoiceID: target.VoiceID, Kind: kindName, Candidates: present}
	}
	return node, resolved, nil
}

// -- widget behaviors (lock held) --

// selectTab moves aria-selected within the tab's tablist and reconciles
// panels wired through aria-controls.
func (p *Page) selectTab(tab *html.Node) {
	list := tab.Parent
	for list != nil {
		if list.Type == html.ElementNode && attrValue(list, "role") == "tablist" {
			break
		}
		list = list.Parent
	}
	scope := p.doc
	if list != nil {
		scope = list
	}

	var tabs []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			attrs := attrMap(n)
			if classify(n, attrs) == kindTab {
				tabs = append(tabs, n)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(scope)

	for _, t := range tabs {
		if t == tab {
			setAttr(t, "aria-selected", "true")
		} else {
			setAttr(t, "aria-selected", "false")
		}
		if panelID, ok := getAttr(t, "aria-controls"); ok && panelID != "" {
			if panel := findByDOMID(p.doc, panelID); panel != nil {
				if t == tab {
					removeAttr(panel, "hidden")
				} else {
					setAttr(panel, "hidden", "")
				}
			}
		}
	}
}

// openModal reveals the dialog with the given voice id.
func (p *Page) openModal(voiceID string) {
	dialog := findByVoiceID(p.doc, voiceID)
	if dialog == nil {
		p.log.Warn("data-opens-modal references a missing dialog.", zap.String("voice_id", voiceID))
		return
	}
	removeAttr(dialog, "hidden")
	if isElement(dialog, "dialog") {
		setAttr(dialog, "open", "")
	}
}

// closeModalByID hides the dialog with the given voice id.
func (p *Page) closeModalByID(voiceID string) {
	if dialog := findByVoiceID(p.doc, voiceID); dialog != nil {
		hideDialog(dialog)
	}
}

// applyRouteSections shows the section whose data-route matches the
// location and hides every other routed section.
func (p *Page) applyRouteSections(route string) {
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if r, ok := getAttr(n, "data-route"); ok {
				if r == route {
					removeAttr(n, "hidden")
				} else {
					setAttr(n, "hidden", "")
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(p.doc)
}

// -- node helpers --

func attrValue(n *html.Node, key string) string {
	v, _ := getAttr(n, key)
	return v
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if strings.EqualFold(n.Attr[i].Key, key) {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	for i := range n.Attr {
		if strings.EqualFold(n.Attr[i].Key, key) {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}

// setFieldValue writes an input's value attribute or replaces a textarea's
// text content.
func setFieldValue(n *html.Node, value string) {
	if isElement(n, "textarea") {
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			n.RemoveChild(c)
			c = next
		}
		n.AppendChild(&html.Node{Type: html.TextNode, Data: value})
		return
	}
	setAttr(n, "value", value)
}

func clearSelected(sel *html.Node) {
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if isElement(n, "option") {
			removeAttr(n, "selected")
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(sel)
}

func hideDialog(dialog *html.Node) {
	setAttr(dialog, "hidden", "")
	removeAttr(dialog, "open")
}

func enclosingDialog(n *html.Node) *html.Node {
	for cur := n.Parent; cur != nil; cur = cur.Parent {
		if cur.Type == html.ElementNode {
			if isElement(cur, "dialog") || attrValue(cur, "role") == "dialog" {
				return cur
			}
		}
	}
	return nil
}

func findTag(root *html.Node, tag string) *html.Node {
	var found *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found != nil {
			return
		}
		if isElement(n, tag) {
			found = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return found
}

func findByDOMID(root *html.Node, id string) *html.Node {
	var found *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode && attrValue(n, "id") == id {
			found = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return found
}

// -- hook-facing document view --

// Document is the mutable view handed to click hooks. It is only valid for
// the duration of the hook call; the page lock is already held.
type Document struct {
	p *Page
}

// SetAttr sets an attribute on the element with the given voice id,
// visible or not. Returns false when the id does not exist.
func (d *Document) SetAttr(voiceID, key, value string) bool {
	n := findByVoiceID(d.p.doc, voiceID)
	if n == nil {
		return false
	}
	setAttr(n, key, value)
	return true
}

// RemoveAttr removes an attribute from the element with the given voice id.
func (d *Document) RemoveAttr(voiceID, key string) bool {
	n := findByVoiceID(d.p.doc, voiceID)
	if n == nil {
		return false
	}
	removeAttr(n, key)
	return true
}

// SetText replaces the text content of the element with the given voice id.
func (d *Document) SetText(voiceID, text string) bool {
	n := findByVoiceID(d.p.doc, voiceID)
	if n == nil {
		return false
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
	n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	return true
}

// Show reveals the element with the given voice id.
func (d *Document) Show(voiceID string) bool {
	n := findByVoiceID(d.p.doc, voiceID)
	if n == nil {
		return false
	}
	removeAttr(n, "hidden")
	if isElement(n, "dialog") {
		setAttr(n, "open", "")
	}
	return true
}

// Hide conceals the element with the given voice id.
func (d *Document) Hide(voiceID string) bool {
	n := findByVoiceID(d.p.doc, voiceID)
	if n == nil {
		return false
	}
	setAttr(n, "hidden", "")
	removeAttr(n, "open")
	return true
}

// SetLocation rewrites the current route and reconciles routed sections.
// For hooks that simulate app-side navigation.
func (d *Document) SetLocation(route string) {
	d.p.history = append(d.p.history, d.p.location)
	d.p.location = route
	d.p.applyRouteSections(route)
}

// SetFieldValue writes a field's value directly, bypassing visibility.
func (d *Document) SetFieldValue(voiceID, value string) bool {
	n := findByVoiceID(d.p.doc, voiceID)
	if n == nil {
		return false
	}
	setFieldValue(n, value)
	return true
}

// FieldValue reads a field's current value.
func (d *Document) FieldValue(voiceID string) (string, bool) {
	n := findByVoiceID(d.p.doc, voiceID)
	if n == nil {
		return "", false
	}
	return fieldValue(n), true
}

// AppendListItem adds an <li> with its own voice id under the element with
// the given voice id.
func (d *Document) AppendListItem(listVoiceID, itemVoiceID, text string) bool {
	list := findByVoiceID(d.p.doc, listVoiceID)
	if list == nil {
		return false
	}
	item := &html.Node{
		Type:     html.ElementNode,
		Data:     "li",
		DataAtom: atom.Li,
		Attr:     []html.Attribute{{Key: "data-voice-id", Val: itemVoiceID}},
	}
	item.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	list.AppendChild(item)
	return true
}

// Remove deletes the element with the given voice id from the document.
func (d *Document) Remove(voiceID string) bool {
	n := findByVoiceID(d.p.doc, voiceID)
	if n == nil || n.Parent == nil {
		return false
	}
	n.Parent.RemoveChild(n)
	return true
}
