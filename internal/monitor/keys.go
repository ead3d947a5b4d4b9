package monitor

import "unicode"

// keyNames maps characters to QEMU sendkey names for a US layout.
var keyNames = map[rune]string{
	' ':  "spc",
	'\n': "ret",
	'\t': "tab",
	'-':  "minus",
	'.':  "dot",
	'/':  "slash",
	'=':  "equal",
	'"':  "shift-apostrophe",
	'\'': "apostrophe",
	'\\': "backslash",
	',':  "comma",
	';':  "semicolon",
	':':  "shift-semicolon",
	'_':  "shift-minus",
	'+':  "shift-equal",
	'?':  "shift-slash",
	'<':  "shift-comma",
	'>':  "shift-dot",
	'|':  "shift-backslash",
	'[':  "bracket_left",
	']':  "bracket_right",
	'{':  "shift-bracket_left",
	'}':  "shift-bracket_right",
	'`':  "grave_accent",
	'~':  "shift-grave_accent",
	'!':  "shift-1",
	'@':  "shift-2",
	'#':  "shift-3",
	'$':  "shift-4",
	'%':  "shift-5",
	'^':  "shift-6",
	'&':  "shift-7",
	'*':  "shift-8",
	'(':  "shift-9",
	')':  "shift-0",
}

// KeyFor returns the sendkey name typing r, or false if r has none.
func KeyFor(r rune) (string, bool) {
	if k, ok := keyNames[r]; ok {
		return k, true
	}
	if r > unicode.MaxASCII {
		return "", false
	}
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return string(r), true
	case r >= 'A' && r <= 'Z':
		return "shift-" + string(unicode.ToLower(r)), true
	}
	return "", false
}
