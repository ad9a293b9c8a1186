package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ---------------------------------------------------------------------------
// Test helpers: mock DB types
// ---------------------------------------------------------------------------

// mockRow implements pgx.Row for testing.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// mockRows implements pgx.Rows for testing.
type mockRows struct {
	data    [][]any
	idx     int
	err     error
	closed  bool
	scanErr error
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *int64:
			*d = v.(int64)
		case *string:
			*d = v.(string)
		case *bool:
			*d = v.(bool)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

// mockDB implements the DB interface for testing.
type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

// ---------------------------------------------------------------------------
// Migrate
// ---------------------------------------------------------------------------

func TestPostgresStore_Migrate(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		var got string
		db := &mockDB{execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
			got = sql
			return pgconn.CommandTag{}, nil
		}}
		if err := NewPostgresStore(db).Migrate(context.Background()); err != nil {
			t.Fatalf("Migrate() unexpected error: %v", err)
		}
		if !strings.Contains(got, "CREATE TABLE IF NOT EXISTS guilds") || !strings.Contains(got, "CREATE TABLE IF NOT EXISTS users") {
			t.Errorf("Migrate() executed %q, want settings DDL", got)
		}
	})

	t.Run("error", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, errors.New("connection refused")
		}}
		err := NewPostgresStore(db).Migrate(context.Background())
		if err == nil || !strings.Contains(err.Error(), "settings: migrate") {
			t.Errorf("Migrate() error = %v, want wrapped migrate error", err)
		}
	})
}

// ---------------------------------------------------------------------------
// Guild settings
// ---------------------------------------------------------------------------

func TestPostgresStore_GuildSettings(t *testing.T) {
	t.Parallel()

	t.Run("found", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{
			queryRowFunc: func(_ context.Context, _ string, args ...any) pgx.Row {
				if args[0] != int64(42) {
					t.Errorf("GuildSettings() id arg = %v, want int64 42", args[0])
				}
				return &mockRow{scanFunc: func(dest ...any) error {
					*(dest[0].(*int)) = 8
					*(dest[1].(*float64)) = 1.3
					*(dest[2].(*float64)) = 0.05
					*(dest[3].(*float64)) = 1.0
					*(dest[4].(*float64)) = 0.9
					*(dest[5].(*bool)) = false
					*(dest[6].(*bool)) = true
					*(dest[7].(*bool)) = true
					*(dest[8].(*bool)) = false
					*(dest[9].(*bool)) = true
					*(dest[10].(*bool)) = true
					*(dest[11].(*int)) = 50
					*(dest[12].(*[]byte)) = []byte(`["111", 222]`)
					*(dest[13].(*[]byte)) = []byte(`[]`)
					return nil
				}}
			},
		}
		g, err := NewPostgresStore(db).GuildSettings(context.Background(), "42")
		if err != nil {
			t.Fatalf("GuildSettings() unexpected error: %v", err)
		}
		if g == nil {
			t.Fatal("GuildSettings() = nil, want settings")
		}
		if g.ID != "42" || g.SpeakerID != 8 || g.Speed != 1.3 || g.MaxReadLength != 50 {
			t.Errorf("GuildSettings() = %+v", g)
		}
		if !g.ForceSpeaker || !g.ReadReplyUser {
			t.Errorf("flags = %+v, want ForceSpeaker and ReadReplyUser", g)
		}
		if len(g.IgnoreUsers) != 2 || g.IgnoreUsers[0] != "111" || g.IgnoreUsers[1] != "222" {
			t.Errorf("IgnoreUsers = %v, want [111 222]", g.IgnoreUsers)
		}
	})

	t.Run("not found", func(t *testing.T) {
		t.Parallel()
		g, err := NewPostgresStore(&mockDB{}).GuildSettings(context.Background(), "42")
		if err != nil {
			t.Fatalf("GuildSettings() unexpected error: %v", err)
		}
		if g != nil {
			t.Errorf("GuildSettings() = %v, want nil", g)
		}
	})

	t.Run("invalid id", func(t *testing.T) {
		t.Parallel()
		if _, err := NewPostgresStore(&mockDB{}).GuildSettings(context.Background(), "abc"); err == nil {
			t.Error("GuildSettings(abc): expected error")
		}
	})
}

func TestPostgresStore_PutGuildSettings(t *testing.T) {
	t.Parallel()

	t.Run("upsert", func(t *testing.T) {
		t.Parallel()
		var gotArgs []any
		db := &mockDB{execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			if !strings.Contains(sql, "ON CONFLICT (id) DO UPDATE") {
				t.Errorf("PutGuildSettings() sql = %q, want upsert", sql)
			}
			gotArgs = args
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		}}
		g := DefaultGuildSettings("7")
		g.IgnoreUsers = nil
		if err := NewPostgresStore(db).PutGuildSettings(context.Background(), &g); err != nil {
			t.Fatalf("PutGuildSettings() unexpected error: %v", err)
		}
		if len(gotArgs) != 15 {
			t.Fatalf("args = %d, want 15", len(gotArgs))
		}
		if gotArgs[0] != int64(7) {
			t.Errorf("id arg = %v, want int64 7", gotArgs[0])
		}
		if string(gotArgs[13].([]byte)) != "[]" {
			t.Errorf("ignore_users = %s, want []", gotArgs[13])
		}
	})

	t.Run("out of range rejected before query", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			t.Error("Exec called for invalid settings")
			return pgconn.CommandTag{}, nil
		}}
		g := DefaultGuildSettings("7")
		g.Pitch = 0.5
		if err := NewPostgresStore(db).PutGuildSettings(context.Background(), &g); err == nil {
			t.Error("PutGuildSettings() expected validation error")
		}
	})
}

// ---------------------------------------------------------------------------
// User settings
// ---------------------------------------------------------------------------

func TestPostgresStore_UserSettings(t *testing.T) {
	t.Parallel()

	db := &mockDB{
		queryRowFunc: func(_ context.Context, _ string, _ ...any) pgx.Row {
			return &mockRow{scanFunc: func(dest ...any) error {
				*(dest[0].(*int)) = 1
				*(dest[1].(*float64)) = 1.0
				*(dest[2].(*float64)) = 0
				*(dest[3].(*float64)) = 1.0
				*(dest[4].(*float64)) = 1.0
				*(dest[5].(*bool)) = true
				return nil
			}}
		},
	}
	u, err := NewPostgresStore(db).UserSettings(context.Background(), "99")
	if err != nil {
		t.Fatalf("UserSettings() unexpected error: %v", err)
	}
	if u.ID != "99" || u.SpeakerID != 1 || !u.UseDictName {
		t.Errorf("UserSettings() = %+v", u)
	}

	var gotArgs []any
	db.execFunc = func(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
		gotArgs = args
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	if err := NewPostgresStore(db).PutUserSettings(context.Background(), u); err != nil {
		t.Fatalf("PutUserSettings() unexpected error: %v", err)
	}
	if len(gotArgs) != 7 || gotArgs[6] != true {
		t.Errorf("PutUserSettings() args = %v", gotArgs)
	}
}

// ---------------------------------------------------------------------------
// Dictionaries
// ---------------------------------------------------------------------------

func TestPostgresStore_EnsureDictionary(t *testing.T) {
	t.Parallel()

	var got string
	db := &mockDB{execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
		got = sql
		return pgconn.CommandTag{}, nil
	}}
	s := NewPostgresStore(db)
	if err := s.EnsureDictionary(context.Background(), GuildOwner("123")); err != nil {
		t.Fatalf("EnsureDictionary() unexpected error: %v", err)
	}
	if !strings.Contains(got, `CREATE TABLE IF NOT EXISTS "guild123"`) {
		t.Errorf("EnsureDictionary() sql = %q", got)
	}

	if err := s.EnsureDictionary(context.Background(), UserOwner("1; DROP TABLE guilds")); err == nil {
		t.Error("EnsureDictionary() with non-numeric id: expected error")
	}
}

func TestPostgresStore_Rules(t *testing.T) {
	t.Parallel()

	t.Run("ordered rows", func(t *testing.T) {
		t.Parallel()
		rows := &mockRows{data: [][]any{
			{int64(1), "w", "わら", false},
			{int64(2), `(\d+)円`, `\1えん`, true},
		}}
		db := &mockDB{queryFunc: func(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
			if !strings.Contains(sql, `FROM "user5" ORDER BY id`) {
				t.Errorf("Rules() sql = %q", sql)
			}
			return rows, nil
		}}
		rules, err := NewPostgresStore(db).Rules(context.Background(), UserOwner("5"))
		if err != nil {
			t.Fatalf("Rules() unexpected error: %v", err)
		}
		if len(rules) != 2 || rules[1].Pattern != `(\d+)円` || !rules[1].IsRegex {
			t.Errorf("Rules() = %+v", rules)
		}
		if !rows.closed {
			t.Error("rows not closed")
		}
	})

	t.Run("missing table is empty", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
			return nil, &pgconn.PgError{Code: "42P01"}
		}}
		rules, err := NewPostgresStore(db).Rules(context.Background(), GuildOwner("5"))
		if err != nil || len(rules) != 0 {
			t.Errorf("Rules() = %v, %v; want empty, nil", rules, err)
		}
	})
}

func TestPostgresStore_AddRule(t *testing.T) {
	t.Parallel()

	t.Run("assigns id", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{queryRowFunc: func(_ context.Context, _ string, args ...any) pgx.Row {
			if args[0] != "草" || args[1] != "くさ" || args[2] != false {
				t.Errorf("AddRule() args = %v", args)
			}
			return &mockRow{scanFunc: func(dest ...any) error {
				*(dest[0].(*int64)) = 17
				return nil
			}}
		}}
		r, err := NewPostgresStore(db).AddRule(context.Background(), GuildOwner("1"), Rule{Pattern: "草", Replacement: "くさ"})
		if err != nil {
			t.Fatalf("AddRule() unexpected error: %v", err)
		}
		if r.ID != 17 {
			t.Errorf("ID = %d, want 17", r.ID)
		}
	})

	t.Run("duplicate", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{queryRowFunc: func(context.Context, string, ...any) pgx.Row {
			return &mockRow{scanFunc: func(...any) error { return &pgconn.PgError{Code: "23505"} }}
		}}
		_, err := NewPostgresStore(db).AddRule(context.Background(), GuildOwner("1"), Rule{Pattern: "草"})
		if !errors.Is(err, ErrDuplicateRule) {
			t.Errorf("AddRule() error = %v, want ErrDuplicateRule", err)
		}
	})
}

func TestPostgresStore_DeleteRule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		tag     string
		wantErr error
	}{
		{name: "deleted", tag: "DELETE 1"},
		{name: "not found", tag: "DELETE 0", wantErr: ErrRuleNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			db := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
				return pgconn.NewCommandTag(tt.tag), nil
			}}
			err := NewPostgresStore(db).DeleteRule(context.Background(), GuildOwner("1"), "w")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("DeleteRule() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPostgresStore_UpdateRule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		scanErr error
		wantErr error
	}{
		{name: "updated"},
		{name: "not found", scanErr: pgx.ErrNoRows, wantErr: ErrRuleNotFound},
		{name: "duplicate", scanErr: &pgconn.PgError{Code: "23505"}, wantErr: ErrDuplicateRule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			db := &mockDB{queryRowFunc: func(_ context.Context, _ string, args ...any) pgx.Row {
				if args[3] != "old" {
					t.Errorf("UpdateRule() where arg = %v, want old", args[3])
				}
				return &mockRow{scanFunc: func(dest ...any) error {
					if tt.scanErr != nil {
						return tt.scanErr
					}
					*(dest[0].(*int64)) = 3
					return nil
				}}
			}}
			r, err := NewPostgresStore(db).UpdateRule(context.Background(), UserOwner("1"), "old", Rule{Pattern: "new", Replacement: "x"})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("UpdateRule() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && r.ID != 3 {
				t.Errorf("ID = %d, want 3", r.ID)
			}
		})
	}
}

func TestUnmarshalIDs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want []string
	}{
		{"", []string{}},
		{"[]", []string{}},
		{`["1","2"]`, []string{"1", "2"}},
		{`[123456789012345678]`, []string{"123456789012345678"}},
	}
	for _, tt := range tests {
		got, err := unmarshalIDs([]byte(tt.in))
		if err != nil {
			t.Errorf("unmarshalIDs(%q) error: %v", tt.in, err)
			continue
		}
		if fmt.Sprint(got) != fmt.Sprint(tt.want) {
			t.Errorf("unmarshalIDs(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := unmarshalIDs([]byte(`{`)); err == nil {
		t.Error("unmarshalIDs(invalid) expected error")
	}
}
