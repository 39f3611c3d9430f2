package actions

// Action ids understood by the engine. The set is closed: an id outside this
// list is UNKNOWN_ACTION, full stop.
const (
	ActionNavigate           = "NAVIGATE"
	ActionNavigateToCourses  = "NAVIGATE_TO_COURSES"
	ActionNavigateToSessions = "NAVIGATE_TO_SESSIONS"
	ActionNavigateToPosts    = "NAVIGATE_TO_POSTS"
	ActionNavigateToPolls    = "NAVIGATE_TO_POLLS"
	ActionGoBack             = "GO_BACK"
	ActionSwitchTab          = "SWITCH_TAB"
	ActionReadScreen         = "READ_SCREEN"
	ActionListActions        = "LIST_ACTIONS"
	ActionClickButton        = "CLICK_BUTTON"
	ActionFillInput          = "FILL_INPUT"
	ActionSelectOption       = "SELECT_OPTION"
	ActionCloseModal         = "CLOSE_MODAL"
	ActionStartSession       = "START_SESSION"
	ActionEndSession         = "END_SESSION"
	ActionCreatePost         = "CREATE_POST"
	ActionDeletePost         = "DELETE_POST"
	ActionCastVote           = "CAST_VOTE"
	ActionConfirm            = "CONFIRM"
	ActionCancel             = "CANCEL"
)

// BuildRegistry assembles the complete catalogue. LIST_ACTIONS describes the
// catalogue it belongs to, so its handler closes over the registry variable
// and the binding completes right after construction, before any handler can
// run.
func BuildRegistry() (*Registry, error) {
	var reg *Registry
	describe := func() []map[string]any {
		if reg == nil {
			return nil
		}
		return reg.Describe()
	}

	var defs []Definition
	defs = append(defs, navigationDefs()...)
	defs = append(defs, readingDefs(describe)...)
	defs = append(defs, widgetDefs()...)
	defs = append(defs, domainDefs()...)

	built, err := NewRegistry(defs...)
	if err != nil {
		return nil, err
	}
	reg = built
	return built, nil
}
