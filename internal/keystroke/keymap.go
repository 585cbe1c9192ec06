package keystroke

// Canonical tokens for non-printable keys.
const (
	KeyShift     KeyToken = "Key.shift"
	KeyCtrl      KeyToken = "Key.ctrl"
	KeyAlt       KeyToken = "Key.alt"
	KeyCmd       KeyToken = "Key.cmd"
	KeyEnter     KeyToken = "Key.enter"
	KeyBackspace KeyToken = "Key.backspace"
	KeyEsc       KeyToken = "Key.esc"
	KeyTab       KeyToken = "Key.tab"
	KeySpace     KeyToken = "Key.space"
	KeyLeft      KeyToken = "Key.left"
	KeyRight     KeyToken = "Key.right"
	KeyUp        KeyToken = "Key.up"
	KeyDown      KeyToken = "Key.down"
	KeyCapsLock  KeyToken = "Key.caps_lock"
)

var keyNames = map[string]KeyToken{
	"Shift":      KeyShift,
	"Control":    KeyCtrl,
	"Alt":        KeyAlt,
	"Meta":       KeyCmd,
	"Enter":      KeyEnter,
	"Backspace":  KeyBackspace,
	"Escape":     KeyEsc,
	"Tab":        KeyTab,
	"ArrowLeft":  KeyLeft,
	"ArrowRight": KeyRight,
	"ArrowUp":    KeyUp,
	"ArrowDown":  KeyDown,
	"CapsLock":   KeyCapsLock,
	" ":          KeySpace,
}

var modifiers = map[KeyToken]bool{
	KeyShift:    true,
	KeyCtrl:     true,
	KeyAlt:      true,
	KeyCmd:      true,
	KeyCapsLock: true,
}

// MapKey converts a logical key label into its export token.
//
// The space bar is identified by its physical code because its logical
// label is ambiguous. Labels outside the table, which covers every
// printable character, pass through unchanged and keep their case.
func MapKey(label string, isSpaceCode bool) KeyToken {
	if isSpaceCode {
		return KeySpace
	}
	if tok, ok := keyNames[label]; ok {
		return tok
	}
	return KeyToken(label)
}

// IsModifier reports whether releases of tok bypass release ordering.
func IsModifier(tok KeyToken) bool {
	return modifiers[tok]
}
