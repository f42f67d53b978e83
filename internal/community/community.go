// Package community implements the community registry and the post
// validity policy applied during block projection.
//
// A community is an account whose namespace other accounts may post into.
// Until the account registers itself via a com.steemit.community create op
// the namespace is personal: only the account's own posts are valid in it.
// Registration and roster changes arrive as custom_json ops and are stored
// in hive_communities and hive_members.
package community

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/steemit/hivemind-go/internal/ops"
	"github.com/steemit/hivemind-go/internal/storage"
	"github.com/steemit/hivemind-go/internal/types"
)

// OpID is the custom_json id carrying community operations.
const OpID = "com.steemit.community"

// StartBlock gates community op processing. Payloads in earlier blocks
// predate the protocol and are ignored.
const StartBlock = 13_000_000

// Community types. Topic communities accept posts from any account;
// journal and council communities restrict posting to the roster.
const (
	TypeTopic   = 0
	TypeJournal = 1
	TypeCouncil = 2
)

// Reader is the subset of store reads the policy needs. storage.Tx
// satisfies it, so validation runs inside the projection transaction and
// sees ops applied earlier in the same block.
type Reader interface {
	Community(ctx context.Context, name string) (*storage.CommunityRow, error)
	IsCommunityMember(ctx context.Context, community, account string) (bool, error)
}

// Tx adds the writes used by op processing. storage.Tx satisfies it.
type Tx interface {
	Reader
	AccountExists(ctx context.Context, name string) (bool, error)
	IsCommunityAdmin(ctx context.Context, community, account string) (bool, error)
	UpsertCommunity(ctx context.Context, c *storage.CommunityRow) error
	AddCommunityMember(ctx context.Context, community, account string, isAdmin bool) error
	RemoveCommunityMember(ctx context.Context, community, account string) error
}

// Policy decides whether a post is valid within its community. Validity is
// recorded on the post row; it never blocks insertion.
type Policy interface {
	IsValidPost(ctx context.Context, r Reader, community string, op *ops.CommentOp) bool
}

// DefaultPolicy applies the standard rules: an unregistered community is a
// personal namespace, a registered one admits its own account, roster
// members, and, for topic communities, everyone.
type DefaultPolicy struct {
	log *slog.Logger
}

// NewPolicy returns the default policy.
func NewPolicy(log *slog.Logger) *DefaultPolicy {
	return &DefaultPolicy{log: log}
}

func (p *DefaultPolicy) IsValidPost(ctx context.Context, r Reader, name string, op *ops.CommentOp) bool {
	if name == "" {
		return false
	}
	if name == op.Author {
		return true
	}
	c, err := r.Community(ctx, name)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			p.log.Warn("community lookup failed", "community", name, "error", err)
		}
		return false
	}
	if c.TypeID == TypeTopic {
		return true
	}
	member, err := r.IsCommunityMember(ctx, name, op.Author)
	if err != nil {
		p.log.Warn("membership lookup failed",
			"community", name, "account", op.Author, "error", err)
		return false
	}
	return member
}

var _ Policy = (*DefaultPolicy)(nil)

// opPayload is the union of every community command body. Commands read
// only the fields they define; extra fields are ignored.
type opPayload struct {
	Community string          `json:"community"`
	Title     string          `json:"title"`
	About     string          `json:"about"`
	Type      string          `json:"type"`
	Settings  json.RawMessage `json:"settings"`
	Accounts  []string        `json:"accounts"`
	Admin     bool            `json:"admin"`
}

func typeID(s string) int {
	switch s {
	case "journal":
		return TypeJournal
	case "council":
		return TypeCouncil
	default:
		return TypeTopic
	}
}

func settingsString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// ProcessOp applies one com.steemit.community payload issued by account.
// Shape mismatches and authority failures skip the op; only store errors
// propagate.
func ProcessOp(ctx context.Context, tx Tx, account, body string, at time.Time, log *slog.Logger) error {
	var pair []json.RawMessage
	if err := json.Unmarshal([]byte(body), &pair); err != nil || len(pair) != 2 {
		log.Warn("skipping malformed community op", "account", account)
		return nil
	}
	var cmd string
	if err := json.Unmarshal(pair[0], &cmd); err != nil {
		log.Warn("skipping community op with non-string command", "account", account)
		return nil
	}
	var p opPayload
	if err := json.Unmarshal(pair[1], &p); err != nil {
		log.Warn("skipping malformed community payload", "account", account, "command", cmd)
		return nil
	}
	if !types.ValidAccountName(p.Community) {
		log.Warn("skipping community op with invalid name",
			"account", account, "community", p.Community)
		return nil
	}

	switch cmd {
	case "create":
		return create(ctx, tx, account, &p, at, log)
	case "update":
		return update(ctx, tx, account, &p, log)
	case "addMembers":
		return changeMembers(ctx, tx, account, &p, true, log)
	case "removeMembers":
		return changeMembers(ctx, tx, account, &p, false, log)
	case "subscribe", "unsubscribe":
		// Accepted but not indexed yet.
		return nil
	default:
		log.Debug("ignoring unknown community command", "command", cmd, "account", account)
		return nil
	}
}

// create registers a community. Only the community account may register
// itself, and the first registration wins.
func create(ctx context.Context, tx Tx, account string, p *opPayload, at time.Time, log *slog.Logger) error {
	if account != p.Community {
		log.Warn("dropping community create for another account",
			"account", account, "community", p.Community)
		return nil
	}
	if _, err := tx.Community(ctx, p.Community); err == nil {
		log.Debug("ignoring duplicate community create", "community", p.Community)
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return tx.UpsertCommunity(ctx, &storage.CommunityRow{
		Name:      p.Community,
		Title:     p.Title,
		About:     p.About,
		Settings:  settingsString(p.Settings),
		TypeID:    typeID(p.Type),
		CreatedAt: at,
	})
}

// update rewrites a registered community's profile. The type is fixed at
// creation.
func update(ctx context.Context, tx Tx, account string, p *opPayload, log *slog.Logger) error {
	c, err := authorize(ctx, tx, account, p.Community, log)
	if err != nil || c == nil {
		return err
	}
	c.Title = p.Title
	c.About = p.About
	c.Settings = settingsString(p.Settings)
	return tx.UpsertCommunity(ctx, c)
}

// changeMembers adds or removes roster entries. Additions carry the
// payload's admin flag; unknown or invalid accounts are skipped.
func changeMembers(ctx context.Context, tx Tx, account string, p *opPayload, add bool, log *slog.Logger) error {
	c, err := authorize(ctx, tx, account, p.Community, log)
	if err != nil || c == nil {
		return err
	}
	for _, member := range p.Accounts {
		if !types.ValidAccountName(member) {
			log.Warn("skipping invalid member name", "community", p.Community, "name", member)
			continue
		}
		if add {
			exists, err := tx.AccountExists(ctx, member)
			if err != nil {
				return err
			}
			if !exists {
				log.Warn("skipping unknown member account", "community", p.Community, "name", member)
				continue
			}
			if err := tx.AddCommunityMember(ctx, p.Community, member, p.Admin); err != nil {
				return err
			}
		} else {
			if err := tx.RemoveCommunityMember(ctx, p.Community, member); err != nil {
				return err
			}
		}
	}
	return nil
}

// authorize resolves the community and checks the acting account may
// administer it: the community account itself, or a roster admin. A nil
// community with nil error means the op should be skipped.
func authorize(ctx context.Context, tx Tx, account, name string, log *slog.Logger) (*storage.CommunityRow, error) {
	c, err := tx.Community(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("dropping op for unregistered community", "account", account, "community", name)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if account == name {
		return c, nil
	}
	admin, err := tx.IsCommunityAdmin(ctx, name, account)
	if err != nil {
		return nil, err
	}
	if !admin {
		log.Warn("dropping community op by non-admin", "account", account, "community", name)
		return nil, nil
	}
	return c, nil
}
