package extract

// Role is one fixed family role. The anchor key guarantees exactly one
// entity per role per owner; Display is the name the entity carries until a
// binding gives it a real one.
type Role struct {
	AnchorKey string
	Display   string
	Phrases   []string
}

// roleRegistry is the fixed set of family roles the extractor understands.
// Phrases cover both Italian and English surface forms.
var roleRegistry = []Role{
	{
		AnchorKey: "mother_of_user",
		Display:   "Madre",
		Phrases:   []string{"madre", "mamma", "mother", "mom", "mum"},
	},
	{
		AnchorKey: "father_of_user",
		Display:   "Padre",
		Phrases:   []string{"padre", "papà", "papa", "father", "dad"},
	},
	{
		AnchorKey: "brother_of_user",
		Display:   "Fratello",
		Phrases:   []string{"fratello", "brother"},
	},
	{
		AnchorKey: "sister_of_user",
		Display:   "Sorella",
		Phrases:   []string{"sorella", "sister"},
	},
	{
		AnchorKey: "spouse_of_user",
		Display:   "Coniuge",
		Phrases:   []string{"moglie", "marito", "spouse", "wife", "husband"},
	},
}

// Roles returns the fixed role registry.
func Roles() []Role {
	return roleRegistry
}

// RoleByAnchor looks a role up by anchor key.
func RoleByAnchor(anchorKey string) (Role, bool) {
	for _, r := range roleRegistry {
		if r.AnchorKey == anchorKey {
			return r, true
		}
	}
	return Role{}, false
}

// roleByPhrase looks a role up by one of its surface phrases.
func roleByPhrase(phrase string) (Role, bool) {
	n := Normalize(phrase)
	for _, r := range roleRegistry {
		for _, p := range r.Phrases {
			if p == n {
				return r, true
			}
		}
	}
	return Role{}, false
}
