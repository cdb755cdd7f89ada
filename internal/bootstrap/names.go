package bootstrap

import "fmt"

// classicNames is the preferred alias pool, handed out in order before
// falling back to numbered variants (alice-01 .. alice-99).
var classicNames = []string{
	"alice", "bob", "carol", "dave", "erin", "frank", "grace", "heidi",
	"ivan", "judy", "kevin", "laura", "mallory", "nancy", "oscar", "peggy",
	"quentin", "rachel", "steve", "trudy", "ursula", "victor", "wendy",
	"xavier", "yvonne", "zoe",
}

// allocateAlias picks the first free alias: every classic name, then
// numbered variants per name. Returns false when the space is exhausted.
func allocateAlias(taken map[string]bool) (string, bool) {
	for _, name := range classicNames {
		if !taken[name] {
			return name, true
		}
	}
	for _, name := range classicNames {
		for i := 1; i <= 99; i++ {
			candidate := fmt.Sprintf("%s-%02d", name, i)
			if !taken[candidate] {
				return candidate, true
			}
		}
	}
	return "", false
}
