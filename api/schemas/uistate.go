package schemas

// -- UI Snapshot Schemas --
//
// A UiState is a point-in-time capture of every voice-controllable element
// on the application surface, keyed by the stable voice id the application
// author assigned. Snapshots are compared, never mutated.

// TabInfo describes one tab in a tab strip.
type TabInfo struct {
	VoiceID  string `json:"voice_id"`
	Label    string `json:"label"`
	Selected bool   `json:"selected"`
}

// ButtonInfo describes a clickable button or button-like control.
type ButtonInfo struct {
	VoiceID  string `json:"voice_id"`
	Label    string `json:"label"`
	Disabled bool   `json:"disabled,omitempty"`
	Loading  bool   `json:"loading,omitempty"`
}

// FieldInfo describes a text input or textarea.
type FieldInfo struct {
	VoiceID  string `json:"voice_id"`
	Label    string `json:"label"`
	Value    string `json:"value,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
	HasError bool   `json:"has_error,omitempty"`
}

// DropdownInfo describes a select control and its option labels.
type DropdownInfo struct {
	VoiceID  string   `json:"voice_id"`
	Label    string   `json:"label"`
	Value    string   `json:"value,omitempty"`
	Options  []string `json:"options,omitempty"`
	Disabled bool     `json:"disabled,omitempty"`
}

// ModalInfo describes an open dialog. Closed dialogs are not reported.
type ModalInfo struct {
	VoiceID string `json:"voice_id"`
	Title   string `json:"title"`
}

// ListItemInfo describes one item of a list region, truncated to a
// speakable length by the capturing surface.
type ListItemInfo struct {
	VoiceID string `json:"voice_id"`
	Text    string `json:"text"`
}

// UiState is a full snapshot of the controllable surface.
type UiState struct {
	// Location is the surface's notion of "where we are" (a route or URL).
	Location string `json:"location"`
	// ActiveTab is the voice id of the selected tab, or "" when the
	// current view has no tab strip.
	ActiveTab string `json:"active_tab,omitempty"`

	Tabs      []TabInfo      `json:"tabs,omitempty"`
	Buttons   []ButtonInfo   `json:"buttons,omitempty"`
	Fields    []FieldInfo    `json:"fields,omitempty"`
	Dropdowns []DropdownInfo `json:"dropdowns,omitempty"`
	Modals    []ModalInfo    `json:"modals,omitempty"`
	ListItems []ListItemInfo `json:"list_items,omitempty"`

	// IsLoading is true while any region of the page reports itself busy.
	IsLoading bool `json:"is_loading,omitempty"`
	// HasValidationErrors is true when any visible field is flagged invalid.
	HasValidationErrors bool `json:"has_validation_errors,omitempty"`

	// CapturedAt is a logical sequence number assigned by the surface,
	// monotonically increasing per mutation. It orders snapshots without
	// trusting wall clocks.
	CapturedAt uint64 `json:"captured_at"`
}

// Tab returns the tab with the given voice id, or nil.
func (s *UiState) Tab(voiceID string) *TabInfo {
	for i := range s.Tabs {
		if s.Tabs[i].VoiceID == voiceID {
			return &s.Tabs[i]
		}
	}
	return nil
}

// Button returns the button with the given voice id, or nil.
func (s *UiState) Button(voiceID string) *ButtonInfo {
	for i := range s.Buttons {
		if s.Buttons[i].VoiceID == voiceID {
			return &s.Buttons[i]
		}
	}
	return nil
}

// Field returns the field with the given voice id, or nil.
func (s *UiState) Field(voiceID string) *FieldInfo {
	for i := range s.Fields {
		if s.Fields[i].VoiceID == voiceID {
			return &s.Fields[i]
		}
	}
	return nil
}

// Dropdown returns the dropdown with the given voice id, or nil.
func (s *UiState) Dropdown(voiceID string) *DropdownInfo {
	for i := range s.Dropdowns {
		if s.Dropdowns[i].VoiceID == voiceID {
			return &s.Dropdowns[i]
		}
	}
	return nil
}

// -- Compact Projection --

// CompactButton is the pruned button view carried in a CompactUiState.
type CompactButton struct {
	VoiceID string `json:"voice_id"`
	Label   string `json:"label"`
}

// CompactField is the pruned field view. HasValue replaces the raw value so
// the projection never leaks typed content into prompts or logs.
type CompactField struct {
	VoiceID  string `json:"voice_id"`
	Label    string `json:"label"`
	HasValue bool   `json:"has_value,omitempty"`
}

// CompactDropdown is the pruned dropdown view.
type CompactDropdown struct {
	VoiceID string `json:"voice_id"`
	Label   string `json:"label"`
	Value   string `json:"value,omitempty"`
}

// CompactUiState is the snapshot projection sized for a language-model
// prompt: location, the active tab, actionable controls, and open modal
// titles. Disabled buttons and closed modals are pruned.
type CompactUiState struct {
	Location  string            `json:"location"`
	ActiveTab string            `json:"active_tab,omitempty"`
	Tabs      []CompactButton   `json:"tabs,omitempty"`
	Buttons   []CompactButton   `json:"buttons,omitempty"`
	Fields    []CompactField    `json:"fields,omitempty"`
	Dropdowns []CompactDropdown `json:"dropdowns,omitempty"`
	Modals    []string          `json:"modals,omitempty"`
	Loading   bool              `json:"loading,omitempty"`
}
