package thread

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"slices"
	"strings"
	"sync"
)

// labelHexLen is the number of hash hex characters kept in a label.
const labelHexLen = 8

// unknownAuthor stands in for messages without a user (bots, integrations).
const unknownAuthor = "unknown"

// mentionPattern matches <@U123> and <@U123|display-name>.
var mentionPattern = regexp.MustCompile(`<@([UW][A-Z0-9]+)(?:\|[^>]*)?>`)

// Anonymizer maps raw Slack user IDs to pseudonymous labels for one run.
// Labels are derived from (salt, id) only, so a fixed salt yields the same
// labels across runs; the map itself is never persisted.
type Anonymizer struct {
	salt   string
	mu     sync.Mutex
	labels map[string]string
}

// NewAnonymizer creates an Anonymizer keyed by salt.
func NewAnonymizer(salt string) *Anonymizer {
	return &Anonymizer{salt: salt, labels: make(map[string]string)}
}

// Label returns the anonymous label for a raw user ID.
func (a *Anonymizer) Label(userID string) string {
	if userID == "" {
		userID = unknownAuthor
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if l, ok := a.labels[userID]; ok {
		return l
	}
	sum := sha256.Sum256([]byte(a.salt + ":" + userID))
	l := "User_" + hex.EncodeToString(sum[:])[:labelHexLen]
	a.labels[userID] = l
	return l
}

// Known returns how many distinct IDs have been labelled this run.
func (a *Anonymizer) Known() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.labels)
}

// Scrub replaces mentions of any user and bare occurrences of the given
// author IDs in text with their labels.
func (a *Anonymizer) Scrub(text string, authors []string) string {
	text = mentionPattern.ReplaceAllStringFunc(text, func(m string) string {
		id := mentionPattern.FindStringSubmatch(m)[1]
		return a.Label(id)
	})
	// Longest first so an ID that prefixes another is not replaced inside it.
	ids := slices.Clone(authors)
	slices.SortFunc(ids, func(x, y string) int { return len(y) - len(x) })
	for _, id := range ids {
		if id == "" || id == unknownAuthor {
			continue
		}
		text = strings.ReplaceAll(text, id, a.Label(id))
	}
	return text
}

// mentionedIDs returns the user IDs mentioned in text, in order of appearance.
func mentionedIDs(text string) []string {
	var ids []string
	for _, m := range mentionPattern.FindAllStringSubmatch(text, -1) {
		ids = append(ids, m[1])
	}
	return ids
}
