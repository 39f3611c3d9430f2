package schemas

// -- State Diffs --

// StateDiff summarizes what changed between two UI snapshots. It is derived
// data, recomputed for every verification pass and never stored.
type StateDiff struct {
	TabChanged bool   `json:"tab_changed,omitempty"`
	TabBefore  string `json:"tab_before,omitempty"`
	TabAfter   string `json:"tab_after,omitempty"`

	LocationChanged bool   `json:"location_changed,omitempty"`
	LocationBefore  string `json:"location_before,omitempty"`
	LocationAfter   string `json:"location_after,omitempty"`

	// ChangedFields and ChangedDropdowns list voice ids whose value differs
	// between the snapshots, including controls that newly appeared with a
	// value.
	ChangedFields    []string `json:"changed_fields,omitempty"`
	ChangedDropdowns []string `json:"changed_dropdowns,omitempty"`

	ButtonsAppeared    []string `json:"buttons_appeared,omitempty"`
	ButtonsDisappeared []string `json:"buttons_disappeared,omitempty"`

	// Modal titles, not voice ids: titles are what a voice agent can say.
	ModalsOpened []string `json:"modals_opened,omitempty"`
	ModalsClosed []string `json:"modals_closed,omitempty"`

	// Before and After retain the compared snapshots so verifiers can
	// inspect details the summary omits.
	Before *UiState `json:"-"`
	After  *UiState `json:"-"`
}

// Empty reports whether the diff observed no change at all.
func (d *StateDiff) Empty() bool {
	return !d.TabChanged && !d.LocationChanged &&
		len(d.ChangedFields) == 0 && len(d.ChangedDropdowns) == 0 &&
		len(d.ButtonsAppeared) == 0 && len(d.ButtonsDisappeared) == 0 &&
		len(d.ModalsOpened) == 0 && len(d.ModalsClosed) == 0
}
