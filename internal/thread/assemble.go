// Package thread turns the raw messages of one Slack thread into a single
// normalized, anonymized conversation record.
package thread

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/zulandar/threadyard/internal/models"
	"github.com/zulandar/threadyard/internal/slackclient"
)

// Assembler renders threads. It owns the run's Anonymizer.
type Assembler struct {
	anon *Anonymizer
}

// NewAssembler creates an Assembler that labels authors with anon.
func NewAssembler(anon *Anonymizer) *Assembler {
	return &Assembler{anon: anon}
}

// Anonymizer returns the run-scoped anonymizer.
func (a *Assembler) Anonymizer() *Anonymizer { return a.anon }

type entry struct {
	msg slackclient.Message
	at  time.Time
	ok  bool
}

// Assemble builds the conversation for one thread. Messages may arrive in
// any order; they are stably sorted by timestamp, and messages with an
// unparseable timestamp keep their arrival order after the rest. The same
// timestamp seen twice (Slack repeats the root on each replies page) is kept
// once. Assemble returns nil when there is nothing to render.
//
// ContentHash and LastUpdated are left for the store to fill in.
func (a *Assembler) Assemble(channelID string, msgs []slackclient.Message) *models.Conversation {
	entries := make([]entry, 0, len(msgs))
	seen := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		if m.Timestamp != "" {
			if seen[m.Timestamp] {
				continue
			}
			seen[m.Timestamp] = true
		}
		at, ok := slackclient.ParseTimestamp(m.Timestamp)
		entries = append(entries, entry{msg: m, at: at, ok: ok})
	}
	if len(entries) == 0 {
		return nil
	}
	slices.SortStableFunc(entries, func(x, y entry) int {
		switch {
		case x.ok && !y.ok:
			return -1
		case !x.ok && y.ok:
			return 1
		case !x.ok && !y.ok:
			return 0
		}
		return x.at.Compare(y.at)
	})
	if !entries[0].ok {
		// No message carries a usable timestamp; there is no anchor for the thread.
		return nil
	}

	// Every author and mentioned ID is scrubbed from every message, so an
	// author referenced before their first post is still replaced.
	var ids []string
	for _, e := range entries {
		ids = append(ids, e.msg.User)
		ids = append(ids, mentionedIDs(e.msg.Text)...)
	}

	participants := make(map[string]bool)
	lines := make([]string, 0, len(entries))
	for i, e := range entries {
		label := a.anon.Label(e.msg.User)
		participants[label] = true

		kind := "Reply"
		if i == 0 {
			kind = "Thread start"
		}
		when := "unknown time"
		if e.ok {
			when = e.at.Format(time.RFC3339)
		}
		lines = append(lines, fmt.Sprintf("%s (%s, %s): %s", kind, label, when, normalize(a.anon.Scrub(e.msg.Text, ids))))
	}

	root := entries[0]
	threadID := root.msg.ThreadTimestamp
	if threadID == "" {
		threadID = root.msg.Timestamp
	}
	return &models.Conversation{
		ThreadID:         threadID,
		ChannelID:        channelID,
		Content:          strings.Join(lines, "\n"),
		ParticipantCount: len(participants),
		OccurredAt:       root.at,
	}
}

// normalize trims surrounding whitespace and unifies line endings.
func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.TrimSpace(text)
}
