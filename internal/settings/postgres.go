package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the settings tables. Dictionary tables are
// created per owner by [PostgresStore.EnsureDictionary].
const Schema = `
CREATE TABLE IF NOT EXISTS guilds (
    id                   BIGINT PRIMARY KEY,
    speaker              INTEGER NOT NULL DEFAULT 3,
    speed                DOUBLE PRECISION NOT NULL DEFAULT 1.1,
    pitch                DOUBLE PRECISION NOT NULL DEFAULT 0,
    intonation           DOUBLE PRECISION NOT NULL DEFAULT 1,
    volume               DOUBLE PRECISION NOT NULL DEFAULT 1,
    force_setting        BOOLEAN NOT NULL DEFAULT FALSE,
    force_speaker        BOOLEAN NOT NULL DEFAULT FALSE,
    read_joinleave       BOOLEAN NOT NULL DEFAULT TRUE,
    read_nonparticipants BOOLEAN NOT NULL DEFAULT FALSE,
    read_replyuser       BOOLEAN NOT NULL DEFAULT FALSE,
    read_nick            BOOLEAN NOT NULL DEFAULT TRUE,
    read_length          INTEGER NOT NULL DEFAULT 100,
    ignore_users         JSONB NOT NULL DEFAULT '[]',
    ignore_roles         JSONB NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS users (
    id            BIGINT PRIMARY KEY,
    speaker       INTEGER NOT NULL DEFAULT 3,
    speed         DOUBLE PRECISION NOT NULL DEFAULT 1.1,
    pitch         DOUBLE PRECISION NOT NULL DEFAULT 0,
    intonation    DOUBLE PRECISION NOT NULL DEFAULT 1,
    volume        DOUBLE PRECISION NOT NULL DEFAULT 1,
    use_dict_name BOOLEAN NOT NULL DEFAULT FALSE
);
`

// dictionarySchema is the DDL template for one owner's dictionary table.
const dictionarySchema = `
CREATE TABLE IF NOT EXISTS %s (
    id     BIGSERIAL PRIMARY KEY,
    before TEXT UNIQUE NOT NULL,
    after  TEXT NOT NULL DEFAULT '',
    re     BOOLEAN NOT NULL DEFAULT FALSE
)`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
// Ignore lists are serialised as JSONB arrays of snowflake strings.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL, creating the guilds and users tables if
// they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("settings: migrate: %w", err)
	}
	return nil
}

// ─── guild settings ──────────────────────────────────────────────────────────

// GuildSettings implements [Store].
func (s *PostgresStore) GuildSettings(ctx context.Context, id string) (*GuildSettings, error) {
	key, err := parseID(id)
	if err != nil {
		return nil, err
	}

	const query = `
		SELECT speaker, speed, pitch, intonation, volume,
		       force_setting, force_speaker, read_joinleave, read_nonparticipants,
		       read_replyuser, read_nick, read_length, ignore_users, ignore_roles
		FROM guilds
		WHERE id = $1`

	g := GuildSettings{ID: id}
	var usersJSON, rolesJSON []byte
	err = s.db.QueryRow(ctx, query, key).Scan(
		&g.SpeakerID, &g.Speed, &g.Pitch, &g.Intonation, &g.Volume,
		&g.ForceProfile, &g.ForceSpeaker, &g.ReadJoinLeave, &g.ReadNonParticipants,
		&g.ReadReplyUser, &g.ReadNickname, &g.MaxReadLength, &usersJSON, &rolesJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("settings: get guild %s: %w", id, err)
	}
	if g.IgnoreUsers, err = unmarshalIDs(usersJSON); err != nil {
		return nil, fmt.Errorf("settings: unmarshal ignore_users: %w", err)
	}
	if g.IgnoreRoles, err = unmarshalIDs(rolesJSON); err != nil {
		return nil, fmt.Errorf("settings: unmarshal ignore_roles: %w", err)
	}
	return &g, nil
}

// PutGuildSettings implements [Store].
func (s *PostgresStore) PutGuildSettings(ctx context.Context, g *GuildSettings) error {
	key, err := parseID(g.ID)
	if err != nil {
		return err
	}
	if err := g.Validate(); err != nil {
		return err
	}
	usersJSON, err := json.Marshal(emptySlice(g.IgnoreUsers))
	if err != nil {
		return fmt.Errorf("settings: marshal ignore_users: %w", err)
	}
	rolesJSON, err := json.Marshal(emptySlice(g.IgnoreRoles))
	if err != nil {
		return fmt.Errorf("settings: marshal ignore_roles: %w", err)
	}

	const query = `
		INSERT INTO guilds (
			id, speaker, speed, pitch, intonation, volume,
			force_setting, force_speaker, read_joinleave, read_nonparticipants,
			read_replyuser, read_nick, read_length, ignore_users, ignore_roles
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO UPDATE SET
			speaker = EXCLUDED.speaker,
			speed = EXCLUDED.speed,
			pitch = EXCLUDED.pitch,
			intonation = EXCLUDED.intonation,
			volume = EXCLUDED.volume,
			force_setting = EXCLUDED.force_setting,
			force_speaker = EXCLUDED.force_speaker,
			read_joinleave = EXCLUDED.read_joinleave,
			read_nonparticipants = EXCLUDED.read_nonparticipants,
			read_replyuser = EXCLUDED.read_replyuser,
			read_nick = EXCLUDED.read_nick,
			read_length = EXCLUDED.read_length,
			ignore_users = EXCLUDED.ignore_users,
			ignore_roles = EXCLUDED.ignore_roles`

	_, err = s.db.Exec(ctx, query,
		key, g.SpeakerID, g.Speed, g.Pitch, g.Intonation, g.Volume,
		g.ForceProfile, g.ForceSpeaker, g.ReadJoinLeave, g.ReadNonParticipants,
		g.ReadReplyUser, g.ReadNickname, g.MaxReadLength, usersJSON, rolesJSON,
	)
	if err != nil {
		return fmt.Errorf("settings: put guild %s: %w", g.ID, err)
	}
	return nil
}

// ─── user settings ───────────────────────────────────────────────────────────

// UserSettings implements [Store].
func (s *PostgresStore) UserSettings(ctx context.Context, id string) (*UserSettings, error) {
	key, err := parseID(id)
	if err != nil {
		return nil, err
	}

	const query = `
		SELECT speaker, speed, pitch, intonation, volume, use_dict_name
		FROM users
		WHERE id = $1`

	u := UserSettings{ID: id}
	err = s.db.QueryRow(ctx, query, key).Scan(
		&u.SpeakerID, &u.Speed, &u.Pitch, &u.Intonation, &u.Volume, &u.UseDictName,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("settings: get user %s: %w", id, err)
	}
	return &u, nil
}

// PutUserSettings implements [Store].
func (s *PostgresStore) PutUserSettings(ctx context.Context, u *UserSettings) error {
	key, err := parseID(u.ID)
	if err != nil {
		return err
	}
	if err := u.Validate(); err != nil {
		return err
	}

	const query = `
		INSERT INTO users (id, speaker, speed, pitch, intonation, volume, use_dict_name)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			speaker = EXCLUDED.speaker,
			speed = EXCLUDED.speed,
			pitch = EXCLUDED.pitch,
			intonation = EXCLUDED.intonation,
			volume = EXCLUDED.volume,
			use_dict_name = EXCLUDED.use_dict_name`

	_, err = s.db.Exec(ctx, query, key, u.SpeakerID, u.Speed, u.Pitch, u.Intonation, u.Volume, u.UseDictName)
	if err != nil {
		return fmt.Errorf("settings: put user %s: %w", u.ID, err)
	}
	return nil
}

// ─── dictionaries ────────────────────────────────────────────────────────────

// table returns the sanitized dictionary table identifier for owner.
func table(owner Owner) (string, error) {
	name, err := owner.TableName()
	if err != nil {
		return "", err
	}
	return pgx.Identifier{name}.Sanitize(), nil
}

// EnsureDictionary implements [Store].
func (s *PostgresStore) EnsureDictionary(ctx context.Context, owner Owner) error {
	tbl, err := table(owner)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, fmt.Sprintf(dictionarySchema, tbl)); err != nil {
		return fmt.Errorf("settings: create dictionary %s: %w", owner, err)
	}
	return nil
}

// Rules implements [Store].
func (s *PostgresStore) Rules(ctx context.Context, owner Owner) ([]Rule, error) {
	tbl, err := table(owner)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, "SELECT id, before, after, re FROM "+tbl+" ORDER BY id")
	if err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("settings: list rules %s: %w", owner, err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.ID, &r.Pattern, &r.Replacement, &r.IsRegex); err != nil {
			return nil, fmt.Errorf("settings: list rules scan: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("settings: list rules %s: %w", owner, err)
	}
	return rules, nil
}

// AddRule implements [Store].
func (s *PostgresStore) AddRule(ctx context.Context, owner Owner, rule Rule) (Rule, error) {
	tbl, err := table(owner)
	if err != nil {
		return Rule{}, err
	}
	query := "INSERT INTO " + tbl + " (before, after, re) VALUES ($1, $2, $3) RETURNING id"
	if err := s.db.QueryRow(ctx, query, rule.Pattern, rule.Replacement, rule.IsRegex).Scan(&rule.ID); err != nil {
		if isDuplicateKeyError(err) {
			return Rule{}, fmt.Errorf("%w: %q", ErrDuplicateRule, rule.Pattern)
		}
		return Rule{}, fmt.Errorf("settings: add rule %s: %w", owner, err)
	}
	return rule, nil
}

// DeleteRule implements [Store].
func (s *PostgresStore) DeleteRule(ctx context.Context, owner Owner, pattern string) error {
	tbl, err := table(owner)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, "DELETE FROM "+tbl+" WHERE before = $1", pattern)
	if err != nil {
		return fmt.Errorf("settings: delete rule %s: %w", owner, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", ErrRuleNotFound, pattern)
	}
	return nil
}

// UpdateRule implements [Store].
func (s *PostgresStore) UpdateRule(ctx context.Context, owner Owner, oldPattern string, rule Rule) (Rule, error) {
	tbl, err := table(owner)
	if err != nil {
		return Rule{}, err
	}
	query := "UPDATE " + tbl + " SET before = $1, after = $2, re = $3 WHERE before = $4 RETURNING id"
	err = s.db.QueryRow(ctx, query, rule.Pattern, rule.Replacement, rule.IsRegex, oldPattern).Scan(&rule.ID)
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return Rule{}, fmt.Errorf("%w: %q", ErrRuleNotFound, oldPattern)
		case isDuplicateKeyError(err):
			return Rule{}, fmt.Errorf("%w: %q", ErrDuplicateRule, rule.Pattern)
		}
		return Rule{}, fmt.Errorf("settings: update rule %s: %w", owner, err)
	}
	return rule, nil
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// unmarshalIDs decodes a JSONB array of snowflakes. Numbers are accepted as
// well as strings since older rows stored them as integers.
func unmarshalIDs(data []byte) ([]string, error) {
	if len(data) == 0 {
		return []string{}, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			out = append(out, s)
			continue
		}
		var n int64
		if err := json.Unmarshal(r, &n); err != nil {
			return nil, err
		}
		out = append(out, strconv.FormatInt(n, 10))
	}
	return out, nil
}

// emptySlice returns s if non-nil, otherwise an empty non-nil slice. This
// ensures JSON marshalling produces "[]" instead of "null".
func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isUndefinedTable checks for SQLSTATE 42P01.
func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42P01"
	}
	return false
}
