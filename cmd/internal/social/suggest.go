package social

import (
	"context"
	"sort"
)

const defaultSuggestionLimit = 5

// Suggest returns follow candidates for userID: users followed by people the
// user follows, excluding the user, everyone already followed, and anyone
// whose request is already sitting in the user's pending set.
func (g *Graph) Suggest(ctx context.Context, userID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = defaultSuggestionLimit
	}

	me, err := g.store.Entry(ctx, userID)
	if err != nil {
		return nil, err
	}

	following := make(map[string]struct{}, len(me.Following))
	for _, id := range me.Following {
		following[id] = struct{}{}
	}
	pending := make(map[string]struct{}, len(me.PendingIncoming))
	for _, id := range me.PendingIncoming {
		pending[id] = struct{}{}
	}

	seen := make(map[string]struct{})
	for _, friend := range me.Following {
		fe, err := g.store.Entry(ctx, friend)
		if err != nil {
			return nil, err
		}
		for _, candidate := range fe.Following {
			if candidate == userID {
				continue
			}
			if _, ok := following[candidate]; ok {
				continue
			}
			if _, ok := pending[candidate]; ok {
				continue
			}
			seen[candidate] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
