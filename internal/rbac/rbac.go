package rbac

// Level is a workspace member's permission level. Levels are ordered by
// capability: admin implies write, write implies read.
type Level string

const (
	LevelRead  Level = "read"
	LevelWrite Level = "write"
	LevelAdmin Level = "admin"
)

func rank(level Level) int {
	switch level {
	case LevelAdmin:
		return 3
	case LevelWrite:
		return 2
	case LevelRead:
		return 1
	default:
		return 0
	}
}

// Can reports whether a member holding `held` may perform an action that
// requires `required`.
func Can(held, required Level) bool {
	if rank(required) == 0 {
		return false
	}
	return rank(held) >= rank(required)
}

// Valid reports whether the string names a known permission level.
func Valid(level string) bool {
	return rank(Level(level)) > 0
}

// Normalize maps unknown strings to the weakest level.
func Normalize(level string) Level {
	if Valid(level) {
		return Level(level)
	}
	return LevelRead
}
