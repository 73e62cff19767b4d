package editor

// State is a field session's position in the edit lifecycle.
type State int

const (
	// Idle shows the stored value; no lock is held.
	Idle State = iota
	// Editing holds the field lock and a pending value.
	Editing
	// Saving is writing the pending value.
	Saving
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Editing:
		return "editing"
	case Saving:
		return "saving"
	default:
		return "unknown"
	}
}

// Trigger records what caused a transition.
type Trigger int

const (
	// TriggerPointer is a click or tap on the field.
	TriggerPointer Trigger = iota
	// TriggerKeyboard is a key binding such as Enter or Escape.
	TriggerKeyboard
	// TriggerBlur is focus leaving the field.
	TriggerBlur
	// TriggerProgrammatic is a call from code, e.g. a bulk action.
	TriggerProgrammatic
)

func (t Trigger) String() string {
	switch t {
	case TriggerPointer:
		return "pointer"
	case TriggerKeyboard:
		return "keyboard"
	case TriggerBlur:
		return "blur"
	case TriggerProgrammatic:
		return "programmatic"
	default:
		return "unknown"
	}
}
