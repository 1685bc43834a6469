package board

import "strings"

// PublicBoard is the name of the board every member joins first.
const PublicBoard = "public board"

// DefaultGroups is the fixed set of private groups created at startup.
var DefaultGroups = []string{
	"group one",
	"group two",
	"group three",
	"group four",
	"group five",
}

// NormalizeGroup trims surrounding whitespace and quotes and lowercases a
// group name as supplied by a client.
func NormalizeGroup(raw string) string {
	name := strings.TrimSpace(raw)
	name = strings.Trim(name, `"'`)
	return strings.ToLower(strings.TrimSpace(name))
}
