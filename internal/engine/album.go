package engine

import (
	"sort"
	"strings"

	"tgsync/internal/domain"
)

// remoteGroup is one logical provider send: a single message, or all the
// messages of an album found in the history window, ordered by id.
type remoteGroup []domain.RemoteMessage

// lead is the message whose id represents the whole group.
func (g remoteGroup) lead() domain.RemoteMessage { return g[0] }

// text returns the group's body: the first non-blank text or caption.
func (g remoteGroup) text() string {
	for _, m := range g {
		if strings.TrimSpace(m.Text) != "" {
			return m.Text
		}
	}
	return ""
}

func (g remoteGroup) hasContent() bool {
	for _, m := range g {
		if m.HasContent() {
			return true
		}
	}
	return false
}

// groupHistory orders history by date and folds album siblings sharing a
// media group id into one group placed where the album starts.
func groupHistory(history []domain.RemoteMessage) []remoteGroup {
	msgs := append([]domain.RemoteMessage(nil), history...)
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].Date.Equal(msgs[j].Date) {
			return msgs[i].Date.Before(msgs[j].Date)
		}
		return msgs[i].ID < msgs[j].ID
	})

	var groups []remoteGroup
	albums := make(map[string]int)
	for _, m := range msgs {
		if m.MediaGroupID == "" {
			groups = append(groups, remoteGroup{m})
			continue
		}
		if i, ok := albums[m.MediaGroupID]; ok {
			groups[i] = append(groups[i], m)
			continue
		}
		albums[m.MediaGroupID] = len(groups)
		groups = append(groups, remoteGroup{m})
	}

	for _, i := range albums {
		g := groups[i]
		sort.SliceStable(g, func(a, b int) bool { return g[a].ID < g[b].ID })
	}
	return groups
}
