// Package extract turns raw journal entry text into typed signals: family
// role bindings, candidate person mentions, event cues, amounts and
// settlement/payment phrases. Extraction is best-effort and pattern based;
// finding nothing is not an error.
package extract

import (
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/danielprocop/lifestory-graph/internal/models"
)

const (
	namePat = `[A-ZÀ-ÖØ-Þ][\p{L}'’-]*`
	numPat  = `\d+(?:[.,]\d{1,2})?`
	curPat  = `euro|eur|dollari|dollars|usd`
)

func roleAlt() string {
	var phrases []string
	for _, r := range roleRegistry {
		phrases = append(phrases, r.Phrases...)
	}
	// Longest first so "papà" wins over "papa" prefixes in alternation.
	sort.Slice(phrases, func(i, j int) bool { return len(phrases[i]) > len(phrases[j]) })
	return strings.Join(phrases, "|")
}

var (
	reNamedBinding = regexp.MustCompile(`(?:(?i:mia|mio|la mia|il mio|my)\s+)?(?i:(` + roleAlt() + `))\s+(?i:si chiama|è chiamata|è chiamato|is named|is called)\s+(` + namePat + `)`)
	reParenBinding = regexp.MustCompile(`(` + namePat + `)\s*\(\s*(?i:(` + roleAlt() + `))\s*\)`)
	reBareRole     = regexp.MustCompile(`(?:(?i:mia|mio|la mia|il mio|my)\s+)?\b(?i:(` + roleAlt() + `))\b`)

	reAmountSuffix = regexp.MustCompile(`(` + numPat + `)\s*(?i:(` + curPat + `)|(€|\$))`)
	reAmountPrefix = regexp.MustCompile(`(€|\$)\s*(` + numPat + `)`)

	reTotalSpent = regexp.MustCompile(`(?i:ho\s+)?\b(?i:spes[oa]|spent)\s+(?i:in\s+totale\s+|a\s+total\s+of\s+)?(?:€|\$)?\s*(` + numPat + `)`)
	reTotalOf    = regexp.MustCompile(`\b(?i:in\s+totale|totale\s+di|total\s+of)\s+(?:€|\$)?\s*(` + numPat + `)`)

	reWithClause = regexp.MustCompile(`\b(?i:con|with)\s+([^.;!?\n]+)`)

	reOweOut = regexp.MustCompile(`\b(?i:devo dar(?:gli|le|ti|vi)|devo dare|gli devo|le devo|i owe|devo)\s+(€|\$)?\s*(` + numPat + `)(?:\s*(?i:(` + curPat + `)|(€|\$)))?(?:\s+(?i:a|ad|to)\s+(` + namePat + `))?`)
	reOweIn  = regexp.MustCompile(`(` + namePat + `)\s+(?i:mi deve|owes me)\s+(€|\$)?\s*(` + numPat + `)(?:\s*(?i:(` + curPat + `)|(€|\$)))?`)

	reGaveOut = regexp.MustCompile(`\b(?i:ho (?:ri)?dato|ho restituito|i gave)\s+(€|\$)?\s*(` + numPat + `)(?:\s*(?i:(` + curPat + `)|(€|\$)))?\s+(?i:a|ad|to)\s+(` + namePat + `)`)
	reGaveIn  = regexp.MustCompile(`(` + namePat + `)\s+(?i:mi ha (?:ri)?dato|mi ha restituito|gave me|paid me back)\s+(€|\$)?\s*(` + numPat + `)(?:\s*(?i:(` + curPat + `)|(€|\$)))?`)

	rePayerOther = regexp.MustCompile(`\b(?i:ha pagato (?:lui|lei))\b`)
	rePayerName  = regexp.MustCompile(`(` + namePat + `)\s+(?i:ha pagato)\b|\b(?i:pagato da)\s+(` + namePat + `)`)

	reNameToken     = regexp.MustCompile(namePat)
	reSentenceBreak = regexp.MustCompile(`[.!?]\s*$`)
)

// eventCues maps cue keywords to the event type they imply. Financial verbs
// map to the generic expense type.
var eventCues = map[string]string{
	"cena": "cena", "pranzo": "pranzo", "colazione": "colazione",
	"aperitivo": "aperitivo", "cinema": "cinema", "viaggio": "viaggio",
	"gita": "gita", "festa": "festa", "shopping": "shopping",
	"dinner": "dinner", "lunch": "lunch", "breakfast": "breakfast",
	"trip": "trip", "party": "party",
	"speso": "spesa", "spesa": "spesa", "pagato": "spesa", "comprato": "spesa",
	"spent": "spesa", "paid": "spesa", "bought": "spesa",
}

// outingCues are preferred over financial verbs when both appear.
var outingCues = []string{
	"cena", "pranzo", "colazione", "aperitivo", "cinema", "viaggio", "gita",
	"festa", "shopping", "dinner", "lunch", "breakfast", "trip", "party",
}

// Extract runs every pattern against the entry text and returns all signals
// found. Multiple signal kinds may co-occur in one entry.
func Extract(text string) *Signals {
	s := &Signals{}

	spans := s.extractRoleBindings(text)
	s.extractEvent(text)
	s.extractAmounts(text)
	s.extractTotal(text)
	s.extractParticipants(text)
	s.extractSettlement(text)
	s.extractPayment(text)
	s.extractPayer(text)
	s.extractNameMentions(text, spans)

	return s
}

// extractRoleBindings finds named bindings, parenthetical tags and bare role
// mentions. It returns the character spans consumed by any role pattern so
// the generic name scan can skip them.
func (s *Signals) extractRoleBindings(text string) [][2]int {
	var spans [][2]int

	for _, m := range reNamedBinding.FindAllStringSubmatchIndex(text, -1) {
		phrase := text[m[2]:m[3]]
		role, ok := roleByPhrase(phrase)
		if !ok {
			continue
		}
		s.RoleBindings = append(s.RoleBindings, RoleBinding{
			AnchorKey:  role.AnchorKey,
			RolePhrase: phrase,
			BoundName:  text[m[4]:m[5]],
			Snippet:    text[m[0]:m[1]],
		})
		spans = append(spans, [2]int{m[0], m[1]})
	}

	for _, m := range reParenBinding.FindAllStringSubmatchIndex(text, -1) {
		phrase := text[m[4]:m[5]]
		role, ok := roleByPhrase(phrase)
		if !ok {
			continue
		}
		s.RoleBindings = append(s.RoleBindings, RoleBinding{
			AnchorKey:  role.AnchorKey,
			RolePhrase: phrase,
			BoundName:  text[m[2]:m[3]],
			Snippet:    text[m[0]:m[1]],
		})
		spans = append(spans, [2]int{m[0], m[1]})
	}

	for _, m := range reBareRole.FindAllStringSubmatchIndex(text, -1) {
		if overlaps(spans, m[0], m[1]) {
			continue
		}
		phrase := text[m[2]:m[3]]
		role, ok := roleByPhrase(phrase)
		if !ok {
			continue
		}
		s.RoleBindings = append(s.RoleBindings, RoleBinding{
			AnchorKey:  role.AnchorKey,
			RolePhrase: phrase,
			Snippet:    text[m[0]:m[1]],
		})
		spans = append(spans, [2]int{m[0], m[1]})
	}

	return spans
}

func (s *Signals) extractEvent(text string) {
	lower := strings.ToLower(text)
	for _, cue := range outingCues {
		if containsWord(lower, cue) {
			s.Event = &EventSignal{EventType: eventCues[cue], Keyword: cue}
			return
		}
	}
	for cue, typ := range eventCues {
		if containsWord(lower, cue) {
			s.Event = &EventSignal{EventType: typ, Keyword: cue}
			return
		}
	}
}

func (s *Signals) extractAmounts(text string) {
	for _, m := range reAmountSuffix.FindAllStringSubmatch(text, -1) {
		v, err := parseAmount(m[1])
		if err != nil {
			continue
		}
		tag := m[2]
		if tag == "" {
			tag = m[3]
		}
		s.Amounts = append(s.Amounts, Amount{Value: v, Currency: currencyFor(tag), Snippet: m[0]})
	}
	for _, m := range reAmountPrefix.FindAllStringSubmatch(text, -1) {
		v, err := parseAmount(m[2])
		if err != nil {
			continue
		}
		s.Amounts = append(s.Amounts, Amount{Value: v, Currency: currencyFor(m[1]), Snippet: m[0]})
	}
}

func (s *Signals) extractTotal(text string) {
	m := reTotalSpent.FindStringSubmatch(text)
	if m == nil {
		m = reTotalOf.FindStringSubmatch(text)
	}
	if m == nil {
		return
	}
	v, err := parseAmount(m[1])
	if err != nil {
		return
	}
	cur := "EUR"
	if len(s.Amounts) > 0 {
		cur = s.Amounts[0].Currency
	}
	s.Total = &Amount{Value: v, Currency: cur, Snippet: m[0]}
}

func (s *Signals) extractParticipants(text string) {
	m := reWithClause.FindStringSubmatch(text)
	if m == nil {
		return
	}
	seen := map[string]bool{}
	for _, token := range splitList(m[1]) {
		nm := reNameToken.FindString(token)
		if nm == "" || !strings.HasPrefix(token, nm) {
			continue
		}
		if _, isRole := roleByPhrase(nm); isRole {
			continue
		}
		key := Normalize(nm)
		if seen[key] {
			continue
		}
		seen[key] = true
		s.Participants = append(s.Participants, Mention{Name: nm, Snippet: token, Source: "participant"})
	}
}

func (s *Signals) extractSettlement(text string) {
	if m := reOweOut.FindStringSubmatch(text); m != nil {
		v, err := parseAmount(m[2])
		if err == nil {
			s.Settlement = &SettlementSignal{
				Direction:  models.DirectionUserOwes,
				Amount:     v,
				Currency:   currencyOf(m[3], m[4], m[1]),
				TargetName: m[5],
				Snippet:    m[0],
			}
			return
		}
	}
	if m := reOweIn.FindStringSubmatch(text); m != nil {
		v, err := parseAmount(m[3])
		if err == nil {
			s.Settlement = &SettlementSignal{
				Direction:  models.DirectionOwesUser,
				Amount:     v,
				Currency:   currencyOf(m[4], m[5], m[2]),
				TargetName: m[1],
				Snippet:    m[0],
			}
		}
	}
}

func (s *Signals) extractPayment(text string) {
	if m := reGaveOut.FindStringSubmatch(text); m != nil {
		v, err := parseAmount(m[2])
		if err == nil {
			s.Payment = &PaymentSignal{
				Direction:        models.DirectionUserOwes,
				Amount:           v,
				Currency:         currencyOf(m[3], m[4], m[1]),
				CounterpartyName: m[5],
				Snippet:          m[0],
			}
			return
		}
	}
	if m := reGaveIn.FindStringSubmatch(text); m != nil {
		v, err := parseAmount(m[3])
		if err == nil {
			s.Payment = &PaymentSignal{
				Direction:        models.DirectionOwesUser,
				Amount:           v,
				Currency:         currencyOf(m[4], m[5], m[2]),
				CounterpartyName: m[1],
				Snippet:          m[0],
			}
		}
	}
}

func (s *Signals) extractPayer(text string) {
	if rePayerOther.MatchString(text) {
		s.PayerIsOther = true
		return
	}
	if m := rePayerName.FindStringSubmatch(text); m != nil {
		name := m[1]
		if name == "" {
			name = m[2]
		}
		s.PayerName = name
	}
}

// extractNameMentions scans for capitalized tokens outside any role-pattern
// span. Sentence-initial tokens are skipped: an Italian sentence starts with
// a capital whether or not it names anyone.
func (s *Signals) extractNameMentions(text string, roleSpans [][2]int) {
	seen := map[string]bool{}
	for _, p := range s.Participants {
		seen[Normalize(p.Name)] = true
	}
	for _, rb := range s.RoleBindings {
		if rb.BoundName != "" {
			seen[Normalize(rb.BoundName)] = true
		}
	}

	for _, m := range reNameToken.FindAllStringIndex(text, -1) {
		if overlaps(roleSpans, m[0], m[1]) || sentenceInitial(text, m[0]) {
			continue
		}
		name := text[m[0]:m[1]]
		if _, isRole := roleByPhrase(name); isRole {
			continue
		}
		key := Normalize(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		s.Participants = append(s.Participants, Mention{Name: name, Snippet: name, Source: "name"})
	}
}

func splitList(clause string) []string {
	clause = strings.ReplaceAll(clause, " ed ", ",")
	clause = strings.ReplaceAll(clause, " e ", ",")
	clause = strings.ReplaceAll(clause, " and ", ",")
	clause = strings.ReplaceAll(clause, "&", ",")
	parts := strings.Split(clause, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseAmount(num string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.ReplaceAll(num, ",", "."))
}

// currencyOf picks the first currency tag the pattern captured, suffix
// word before symbol before prefix symbol, defaulting to EUR.
func currencyOf(tags ...string) string {
	for _, tag := range tags {
		if tag != "" {
			return currencyFor(tag)
		}
	}
	return "EUR"
}

func currencyFor(tag string) string {
	switch strings.ToLower(tag) {
	case "dollari", "dollars", "usd", "$":
		return "USD"
	default:
		return "EUR"
	}
}

func containsWord(lower, word string) bool {
	idx := 0
	for {
		i := strings.Index(lower[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isWordByte(lower[start-1])
		afterOK := end == len(lower) || !isWordByte(lower[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') || b >= 0x80
}

func overlaps(spans [][2]int, start, end int) bool {
	for _, sp := range spans {
		if start < sp[1] && end > sp[0] {
			return true
		}
	}
	return false
}

// sentenceInitial reports whether the token starting at offset is the first
// word of the text or of a sentence.
func sentenceInitial(text string, offset int) bool {
	if offset == 0 {
		return true
	}
	return reSentenceBreak.MatchString(text[:offset])
}
