package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/marpies/mailcache/internal/model"
)

const (
	cursorKey         = "event_cursor"
	labelFetchedAtKey = "label_fetched_at:"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// A single connection serializes writers and keeps an in-memory
	// database on one actual database instance.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// SaveConversations upserts a batch of raw conversation records and
// replaces their label associations.
func (s *SQLiteStore) SaveConversations(
	ctx context.Context,
	userID string,
	raw []model.RawConversation,
) error {
	if len(raw) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	const upsert = `
		INSERT OR REPLACE INTO conversations (
			user_id, id, subject, time, num_messages, num_unread
		) VALUES (?, ?, ?, ?, ?, ?)`

	for _, c := range raw {
		if _, err := tx.ExecContext(ctx, upsert,
			userID, c.ID, c.Subject, c.Time, c.NumMessages, c.NumUnread,
		); err != nil {
			return fmt.Errorf("upserting conversation %s: %w", c.ID, err)
		}
		if err := replaceLabelsTx(ctx, tx, userID, model.KindConversation, c.ID, c.LabelIDs); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// SaveMessages upserts a batch of raw message records and replaces
// their label associations.
func (s *SQLiteStore) SaveMessages(
	ctx context.Context,
	userID string,
	raw []model.RawMessage,
) error {
	if len(raw) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	const upsert = `
		INSERT OR REPLACE INTO messages (
			user_id, id, conversation_id, subject, time, unread
		) VALUES (?, ?, ?, ?, ?, ?)`

	for _, m := range raw {
		unread := 0
		if m.Unread != 0 {
			unread = 1
		}
		if _, err := tx.ExecContext(ctx, upsert,
			userID, m.ID, m.ConversationID, m.Subject, m.Time, unread,
		); err != nil {
			return fmt.Errorf("upserting message %s: %w", m.ID, err)
		}
		if err := replaceLabelsTx(ctx, tx, userID, model.KindMessage, m.ID, m.LabelIDs); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// replaceLabelsTx rewrites the label associations for one item.
func replaceLabelsTx(
	ctx context.Context,
	tx *sqlx.Tx,
	userID string,
	kind model.ItemKind,
	itemID string,
	labelIDs []string,
) error {
	_, err := tx.ExecContext(ctx,
		"DELETE FROM item_labels WHERE user_id = ? AND item_kind = ? AND item_id = ?",
		userID, string(kind), itemID,
	)
	if err != nil {
		return fmt.Errorf("clearing labels for %s %s: %w", kind, itemID, err)
	}
	for _, l := range labelIDs {
		_, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO item_labels (user_id, item_kind, item_id, label_id) VALUES (?, ?, ?, ?)",
			userID, string(kind), itemID, l,
		)
		if err != nil {
			return fmt.Errorf("inserting label %s for %s %s: %w", l, kind, itemID, err)
		}
	}
	return nil
}

// FetchByLabel retrieves the cached items for one mailbox in
// time-descending order, converted to display items.
func (s *SQLiteStore) FetchByLabel(
	ctx context.Context,
	userID string,
	filter FetchFilter,
) ([]model.Item, error) {
	var (
		query string
		args  []interface{}
	)

	switch filter.Kind {
	case model.KindMessage:
		query = `
			SELECT m.id, m.conversation_id, m.subject, m.time, m.unread
			FROM messages m
			JOIN item_labels l
				ON l.user_id = m.user_id AND l.item_kind = 'message' AND l.item_id = m.id
			WHERE m.user_id = ? AND l.label_id = ?`
	default:
		query = `
			SELECT c.id, c.subject, c.time, c.num_messages, c.num_unread
			FROM conversations c
			JOIN item_labels l
				ON l.user_id = c.user_id AND l.item_kind = 'conversation' AND l.item_id = c.id
			WHERE c.user_id = ? AND l.label_id = ?`
	}
	args = append(args, userID, filter.LabelID)

	if !filter.OlderThan.IsZero() {
		query += " AND time < ?"
		args = append(args, filter.OlderThan.Unix())
	}
	query += " ORDER BY time DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s mailbox %s: %w", filter.Kind, filter.LabelID, err)
	}
	defer rows.Close()

	items, err := scanItems(rows, filter.Kind)
	if err != nil {
		return nil, err
	}

	return s.attachLabels(ctx, userID, filter.Kind, items)
}

// LoadByIDs retrieves specific cached items by id. Items missing from
// the cache are silently omitted.
func (s *SQLiteStore) LoadByIDs(
	ctx context.Context,
	userID string,
	kind model.ItemKind,
	ids []string,
) ([]model.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var query string
	switch kind {
	case model.KindMessage:
		query = "SELECT id, conversation_id, subject, time, unread FROM messages WHERE user_id = ? AND id IN (?)"
	default:
		query = "SELECT id, subject, time, num_messages, num_unread FROM conversations WHERE user_id = ? AND id IN (?)"
	}

	query, args, err := sqlx.In(query, userID, ids)
	if err != nil {
		return nil, fmt.Errorf("expanding id list: %w", err)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loading %d %s items: %w", len(ids), kind, err)
	}
	defer rows.Close()

	items, err := scanItems(rows, kind)
	if err != nil {
		return nil, err
	}

	return s.attachLabels(ctx, userID, kind, items)
}

// UpdateReadState flips the read state of the given items. For
// conversations the unread counter is zeroed or bumped to one.
func (s *SQLiteStore) UpdateReadState(
	ctx context.Context,
	userID string,
	kind model.ItemKind,
	ids []string,
	unread bool,
) error {
	if len(ids) == 0 {
		return nil
	}

	unreadVal := 0
	if unread {
		unreadVal = 1
	}

	var query string
	switch kind {
	case model.KindMessage:
		query = "UPDATE messages SET unread = ? WHERE user_id = ? AND id IN (?)"
	default:
		query = "UPDATE conversations SET num_unread = CASE WHEN ? THEN MAX(num_unread, 1) ELSE 0 END WHERE user_id = ? AND id IN (?)"
	}

	query, args, err := sqlx.In(query, unreadVal, userID, ids)
	if err != nil {
		return fmt.Errorf("expanding id list: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("updating read state for %d %s items: %w", len(ids), kind, err)
	}
	return nil
}

// UpdateLabel adds or removes a label association on the given items.
// With includeChildren set, a conversation label change cascades to
// the cached messages of those conversations.
func (s *SQLiteStore) UpdateLabel(
	ctx context.Context,
	userID string,
	kind model.ItemKind,
	ids []string,
	labelID string,
	apply bool,
	includeChildren bool,
) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := updateLabelTx(ctx, tx, userID, kind, ids, labelID, apply); err != nil {
		return err
	}

	if includeChildren && kind == model.KindConversation {
		query, args, err := sqlx.In(
			"SELECT id FROM messages WHERE user_id = ? AND conversation_id IN (?)",
			userID, ids,
		)
		if err != nil {
			return fmt.Errorf("expanding conversation id list: %w", err)
		}
		var childIDs []string
		if err := tx.SelectContext(ctx, &childIDs, query, args...); err != nil {
			return fmt.Errorf("finding child messages: %w", err)
		}
		if len(childIDs) > 0 {
			if err := updateLabelTx(ctx, tx, userID, model.KindMessage, childIDs, labelID, apply); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

func updateLabelTx(
	ctx context.Context,
	tx *sqlx.Tx,
	userID string,
	kind model.ItemKind,
	ids []string,
	labelID string,
	apply bool,
) error {
	if apply {
		for _, id := range ids {
			_, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO item_labels (user_id, item_kind, item_id, label_id) VALUES (?, ?, ?, ?)",
				userID, string(kind), id, labelID,
			)
			if err != nil {
				return fmt.Errorf("applying label %s to %s %s: %w", labelID, kind, id, err)
			}
		}
		return nil
	}

	query, args, err := sqlx.In(
		"DELETE FROM item_labels WHERE user_id = ? AND item_kind = ? AND label_id = ? AND item_id IN (?)",
		userID, string(kind), labelID, ids,
	)
	if err != nil {
		return fmt.Errorf("expanding id list: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("removing label %s from %d %s items: %w", labelID, len(ids), kind, err)
	}
	return nil
}

// Delete removes the given items from the cache along with their
// label rows. Deleting a conversation also drops its cached messages.
func (s *SQLiteStore) Delete(
	ctx context.Context,
	userID string,
	kind model.ItemKind,
	ids []string,
) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if kind == model.KindConversation {
		query, args, err := sqlx.In(
			"SELECT id FROM messages WHERE user_id = ? AND conversation_id IN (?)",
			userID, ids,
		)
		if err != nil {
			return fmt.Errorf("expanding conversation id list: %w", err)
		}
		var childIDs []string
		if err := tx.SelectContext(ctx, &childIDs, query, args...); err != nil {
			return fmt.Errorf("finding child messages: %w", err)
		}
		if len(childIDs) > 0 {
			if err := deleteItemsTx(ctx, tx, userID, model.KindMessage, childIDs); err != nil {
				return err
			}
		}
	}

	if err := deleteItemsTx(ctx, tx, userID, kind, ids); err != nil {
		return err
	}

	return tx.Commit()
}

func deleteItemsTx(
	ctx context.Context,
	tx *sqlx.Tx,
	userID string,
	kind model.ItemKind,
	ids []string,
) error {
	table := "conversations"
	if kind == model.KindMessage {
		table = "messages"
	}

	query, args, err := sqlx.In(
		fmt.Sprintf("DELETE FROM %s WHERE user_id = ? AND id IN (?)", table),
		userID, ids,
	)
	if err != nil {
		return fmt.Errorf("expanding id list: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting %d %s items: %w", len(ids), kind, err)
	}

	query, args, err = sqlx.In(
		"DELETE FROM item_labels WHERE user_id = ? AND item_kind = ? AND item_id IN (?)",
		userID, string(kind), ids,
	)
	if err != nil {
		return fmt.Errorf("expanding id list: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting labels for %d %s items: %w", len(ids), kind, err)
	}
	return nil
}

// CleanMailbox wipes the cached mailbox for one user, used for event
// cursor resets and sign-out. Draft messages survive unless
// removeDrafts is set, so unsynced local drafts are not lost.
func (s *SQLiteStore) CleanMailbox(
	ctx context.Context,
	userID string,
	removeDrafts bool,
) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM conversations WHERE user_id = ?", userID,
	); err != nil {
		return fmt.Errorf("wiping conversations: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM item_labels WHERE user_id = ? AND item_kind = 'conversation'", userID,
	); err != nil {
		return fmt.Errorf("wiping conversation labels: %w", err)
	}

	if removeDrafts {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM messages WHERE user_id = ?", userID,
		); err != nil {
			return fmt.Errorf("wiping messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM item_labels WHERE user_id = ? AND item_kind = 'message'", userID,
		); err != nil {
			return fmt.Errorf("wiping message labels: %w", err)
		}
	} else {
		const keepDrafts = `
			id NOT IN (
				SELECT item_id FROM item_labels
				WHERE user_id = ? AND item_kind = 'message' AND label_id = ?
			)`
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM messages WHERE user_id = ? AND "+keepDrafts,
			userID, userID, model.LabelDrafts,
		); err != nil {
			return fmt.Errorf("wiping non-draft messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM item_labels WHERE user_id = ? AND item_kind = 'message' AND item_id NOT IN (
				SELECT id FROM messages WHERE user_id = ?
			)`,
			userID, userID,
		); err != nil {
			return fmt.Errorf("wiping orphaned message labels: %w", err)
		}
	}

	return tx.Commit()
}

// Cursor returns the persisted event cursor for the user, or the
// empty string when the user has never completed a bootstrap.
func (s *SQLiteStore) Cursor(ctx context.Context, userID string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value,
		"SELECT value FROM sync_state WHERE user_id = ? AND key = ?",
		userID, cursorKey,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("reading event cursor: %w", err)
	}
	return value, nil
}

// SetCursor persists the event cursor for the user.
func (s *SQLiteStore) SetCursor(ctx context.Context, userID string, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO sync_state (user_id, key, value) VALUES (?, ?, ?)",
		userID, cursorKey, eventID,
	)
	if err != nil {
		return fmt.Errorf("persisting event cursor: %w", err)
	}
	return nil
}

// SetLabelFetchedAt records when a mailbox was last fetched fresh.
func (s *SQLiteStore) SetLabelFetchedAt(
	ctx context.Context,
	userID string,
	labelID string,
	at time.Time,
) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO sync_state (user_id, key, value) VALUES (?, ?, ?)",
		userID, labelFetchedAtKey+labelID, at.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("recording fetch time for label %s: %w", labelID, err)
	}
	return nil
}

// ClearLabelFetchTimes drops all per-label fetch bookkeeping, part of
// the cleanup performed on an event cursor reset.
func (s *SQLiteStore) ClearLabelFetchTimes(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM sync_state WHERE user_id = ? AND key LIKE ?",
		userID, labelFetchedAtKey+"%",
	)
	if err != nil {
		return fmt.Errorf("clearing label fetch times: %w", err)
	}
	return nil
}

// scanItems converts mailbox rows into display items, labels not yet
// attached.
func scanItems(rows *sqlx.Rows, kind model.ItemKind) ([]model.Item, error) {
	var items []model.Item

	for rows.Next() {
		var (
			item model.Item
			secs int64
		)
		switch kind {
		case model.KindMessage:
			var unread int
			if err := rows.Scan(
				&item.ID, &item.ConversationID, &item.Subject, &secs, &unread,
			); err != nil {
				return nil, fmt.Errorf("scanning message row: %w", err)
			}
			item.Kind = model.KindMessage
			item.Unread = unread != 0
			item.NumMessages = 1
			if item.Unread {
				item.NumUnread = 1
			}
		default:
			if err := rows.Scan(
				&item.ID, &item.Subject, &secs, &item.NumMessages, &item.NumUnread,
			); err != nil {
				return nil, fmt.Errorf("scanning conversation row: %w", err)
			}
			item.Kind = model.KindConversation
			item.Unread = item.NumUnread > 0
		}
		item.Time = time.Unix(secs, 0).UTC()
		items = append(items, item)
	}

	return items, rows.Err()
}

// attachLabels fills in LabelIDs and the Starred flag for a scanned
// item batch with a single query.
func (s *SQLiteStore) attachLabels(
	ctx context.Context,
	userID string,
	kind model.ItemKind,
	items []model.Item,
) ([]model.Item, error) {
	if len(items) == 0 {
		return items, nil
	}

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}

	query, args, err := sqlx.In(
		"SELECT item_id, label_id FROM item_labels WHERE user_id = ? AND item_kind = ? AND item_id IN (?) ORDER BY label_id",
		userID, string(kind), ids,
	)
	if err != nil {
		return nil, fmt.Errorf("expanding id list: %w", err)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying labels: %w", err)
	}
	defer rows.Close()

	labelsByID := make(map[string][]string, len(items))
	for rows.Next() {
		var itemID, labelID string
		if err := rows.Scan(&itemID, &labelID); err != nil {
			return nil, fmt.Errorf("scanning label row: %w", err)
		}
		labelsByID[itemID] = append(labelsByID[itemID], labelID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range items {
		items[i].LabelIDs = labelsByID[items[i].ID]
		items[i].Starred = items[i].HasLabel(model.LabelStarred)
	}

	return items, nil
}
