package community

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/steemit/hivemind-go/internal/ops"
	"github.com/steemit/hivemind-go/internal/storage"
	"github.com/steemit/hivemind-go/internal/storage/sqlite"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.New(ctx, t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("create test database: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return store
}

func addAccount(t *testing.T, s *sqlite.Store, name string) {
	t.Helper()
	ctx := context.Background()
	err := s.RunInTransaction(ctx, func(tx storage.Tx) error {
		return tx.InsertAccount(ctx, name, time.Date(2017, 3, 1, 0, 0, 0, 0, time.UTC))
	})
	if err != nil {
		t.Fatalf("insert account %s: %v", name, err)
	}
}

func apply(t *testing.T, s *sqlite.Store, account, body string) {
	t.Helper()
	ctx := context.Background()
	err := s.RunInTransaction(ctx, func(tx storage.Tx) error {
		return ProcessOp(ctx, tx, account, body, time.Date(2017, 3, 2, 0, 0, 0, 0, time.UTC), discardLogger())
	})
	if err != nil {
		t.Fatalf("process op %q: %v", body, err)
	}
}

func isValid(t *testing.T, s *sqlite.Store, name, author string) bool {
	t.Helper()
	ctx := context.Background()
	policy := NewPolicy(discardLogger())
	var valid bool
	err := s.RunInTransaction(ctx, func(tx storage.Tx) error {
		valid = policy.IsValidPost(ctx, tx, name, &ops.CommentOp{Author: author, Permlink: "p"})
		return nil
	})
	if err != nil {
		t.Fatalf("policy check: %v", err)
	}
	return valid
}

func TestUnregisteredCommunityIsPersonal(t *testing.T) {
	s := newTestStore(t)
	addAccount(t, s, "alice")

	if !isValid(t, s, "alice", "alice") {
		t.Error("own namespace should be valid")
	}
	if isValid(t, s, "alice", "bob") {
		t.Error("foreign post in unregistered namespace should be invalid")
	}
	if isValid(t, s, "", "bob") {
		t.Error("empty community should be invalid")
	}
}

func TestCreateRequiresOwner(t *testing.T) {
	s := newTestStore(t)
	addAccount(t, s, "club")
	addAccount(t, s, "mallory")

	// mallory cannot register club's namespace
	apply(t, s, "mallory", `["create", {"community": "club", "type": "council"}]`)
	ctx0 := context.Background()
	s.RunInTransaction(ctx0, func(tx storage.Tx) error {
		if _, err := tx.Community(ctx0, "club"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("community err = %v, want ErrNotFound", err)
		}
		return nil
	})

	// the community account can
	apply(t, s, "club", `["create", {"community": "club", "title": "The Club", "type": "council"}]`)

	ctx := context.Background()
	err := s.RunInTransaction(ctx, func(tx storage.Tx) error {
		c, err := tx.Community(ctx, "club")
		if err != nil {
			return err
		}
		if c.Title != "The Club" || c.TypeID != TypeCouncil {
			t.Errorf("community = %+v", c)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("community lookup: %v", err)
	}
}

func TestCreateFirstRegistrationWins(t *testing.T) {
	s := newTestStore(t)
	addAccount(t, s, "club")

	apply(t, s, "club", `["create", {"community": "club", "title": "First", "type": "journal"}]`)
	apply(t, s, "club", `["create", {"community": "club", "title": "Second", "type": "topic"}]`)

	ctx := context.Background()
	s.RunInTransaction(ctx, func(tx storage.Tx) error {
		c, err := tx.Community(ctx, "club")
		if err != nil {
			t.Fatalf("community lookup: %v", err)
		}
		if c.Title != "First" || c.TypeID != TypeJournal {
			t.Errorf("community = %+v, want first registration", c)
		}
		return nil
	})
}

func TestTopicCommunityAcceptsEveryone(t *testing.T) {
	s := newTestStore(t)
	addAccount(t, s, "hive")
	apply(t, s, "hive", `["create", {"community": "hive", "type": "topic"}]`)

	if !isValid(t, s, "hive", "stranger") {
		t.Error("topic community should accept any author")
	}
}

func TestRestrictedCommunityMembership(t *testing.T) {
	s := newTestStore(t)
	addAccount(t, s, "club")
	addAccount(t, s, "alice")
	addAccount(t, s, "bob")
	apply(t, s, "club", `["create", {"community": "club", "type": "journal"}]`)

	if isValid(t, s, "club", "alice") {
		t.Error("non-member should be invalid in journal community")
	}

	apply(t, s, "club", `["addMembers", {"community": "club", "accounts": ["alice", "8bad", "ghost"]}]`)

	if !isValid(t, s, "club", "alice") {
		t.Error("member should be valid")
	}
	if isValid(t, s, "club", "ghost") {
		t.Error("unknown account must not have been added")
	}
	if !isValid(t, s, "club", "club") {
		t.Error("community account itself is always valid")
	}

	apply(t, s, "club", `["removeMembers", {"community": "club", "accounts": ["alice"]}]`)
	if isValid(t, s, "club", "alice") {
		t.Error("removed member should be invalid again")
	}

	// bob holds no authority
	apply(t, s, "bob", `["addMembers", {"community": "club", "accounts": ["bob"]}]`)
	if isValid(t, s, "club", "bob") {
		t.Error("non-admin must not alter the roster")
	}
}

func TestAdminCanManageRoster(t *testing.T) {
	s := newTestStore(t)
	addAccount(t, s, "club")
	addAccount(t, s, "alice")
	addAccount(t, s, "bob")
	apply(t, s, "club", `["create", {"community": "club", "type": "council"}]`)
	apply(t, s, "club", `["addMembers", {"community": "club", "accounts": ["alice"], "admin": true}]`)

	apply(t, s, "alice", `["addMembers", {"community": "club", "accounts": ["bob"]}]`)
	if !isValid(t, s, "club", "bob") {
		t.Error("admin-added member should be valid")
	}

	apply(t, s, "alice", `["update", {"community": "club", "title": "Renamed", "about": "now run by alice"}]`)
	ctx := context.Background()
	s.RunInTransaction(ctx, func(tx storage.Tx) error {
		c, err := tx.Community(ctx, "club")
		if err != nil {
			t.Fatalf("community lookup: %v", err)
		}
		if c.Title != "Renamed" {
			t.Errorf("title = %q, want Renamed", c.Title)
		}
		if c.TypeID != TypeCouncil {
			t.Errorf("type = %d, update must not change it", c.TypeID)
		}
		return nil
	})
}

func TestMalformedOpsAreSkipped(t *testing.T) {
	s := newTestStore(t)
	addAccount(t, s, "club")
	apply(t, s, "club", `["create", {"community": "club"}]`)

	for _, body := range []string{
		`not json`,
		`{"create": {}}`,
		`["create"]`,
		`[42, {}]`,
		`["create", {"community": "INVALID"}]`,
		`["subscribe", {"community": "club"}]`,
		`["unsubscribe", {"community": "club"}]`,
		`["flagPost", {"community": "club"}]`,
		`["update", {"community": "ghost"}]`,
	} {
		apply(t, s, "club", body)
	}

	// registry unchanged
	ctx := context.Background()
	s.RunInTransaction(ctx, func(tx storage.Tx) error {
		c, err := tx.Community(ctx, "club")
		if err != nil {
			t.Fatalf("community lookup: %v", err)
		}
		if c.TypeID != TypeTopic {
			t.Errorf("type = %d, want topic default", c.TypeID)
		}
		return nil
	})
}

func TestTypeMapping(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"topic", TypeTopic},
		{"journal", TypeJournal},
		{"council", TypeCouncil},
		{"", TypeTopic},
		{"other", TypeTopic},
	}
	for _, tc := range cases {
		if got := typeID(tc.in); got != tc.want {
			t.Errorf("typeID(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
