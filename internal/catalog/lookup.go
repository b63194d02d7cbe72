package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/cass/internal/errs"
)

// HitView is the denormalized view the search surface needs to render
// one message as a result row, joining just enough of the catalog to
// avoid a second round trip per hit.
type HitView struct {
	MessageID        int64
	ConversationID   int64
	ConversationTitle string
	AgentSlug        string
	WorkspacePath    string
	SourceKind       string
	Role             string
	CreatedAtMS      int64
	Content          string
}

// MessagesByID resolves a batch of message ids to their display view, in
// no particular order; callers reorder against their own ranked list.
func (s *Store) MessagesByID(ctx context.Context, ids []int64) (map[int64]HitView, error) {
	out := make(map[int64]HitView, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf(`
		SELECT m.id, m.conversation_id, c.title, c.agent_slug,
			COALESCE(w.canonical_path, ''), src.kind, m.role, m.created_at_ms, m.content
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		JOIN sources src ON src.id = c.source_id
		LEFT JOIN workspaces w ON w.id = c.workspace_id
		WHERE m.id IN (%s)
	`, strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.Transient, "resolve messages by id", err)
	}
	defer rows.Close()

	for rows.Next() {
		var v HitView
		if err := rows.Scan(&v.MessageID, &v.ConversationID, &v.ConversationTitle, &v.AgentSlug,
			&v.WorkspacePath, &v.SourceKind, &v.Role, &v.CreatedAtMS, &v.Content); err != nil {
			return nil, errs.Wrap(errs.Transient, "scan message view", err)
		}
		out[v.MessageID] = v
	}
	return out, rows.Err()
}
