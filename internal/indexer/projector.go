package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/steemit/hivemind-go/internal/community"
	"github.com/steemit/hivemind-go/internal/ops"
	"github.com/steemit/hivemind-go/internal/storage"
	"github.com/steemit/hivemind-go/internal/types"
)

// legacyFollowBlock is the height below which bare-object follow bodies
// predate the [cmd, data] envelope and are wrapped as ["follow", body].
const legacyFollowBlock = 6_000_000

// Projector applies one block's effects to the store. All writes for a
// block happen inside the transaction the caller supplies, so a failure
// anywhere rolls the whole block back.
type Projector struct {
	policy community.Policy
	log    *slog.Logger
}

// NewProjector returns a projector using the given community policy.
func NewProjector(policy community.Policy, log *slog.Logger) *Projector {
	return &Projector{policy: policy, log: log}
}

// ApplyBlock projects a block: the block row, new accounts, posts,
// deletes, then custom-json side effects, in that order. It returns the
// "author/permlink" refs dirtied by comment and vote ops.
func (p *Projector) ApplyBlock(ctx context.Context, tx storage.Tx, b *types.Block) ([]string, error) {
	bo, err := ops.Classify(b, p.log)
	if err != nil {
		return nil, err
	}

	if err := tx.InsertBlock(ctx, &storage.BlockRow{
		Num:       bo.Num,
		Hash:      b.ID,
		Prev:      b.Previous,
		TxCount:   len(b.Transactions),
		CreatedAt: bo.Time,
	}); err != nil {
		return nil, err
	}

	if err := p.registerAccounts(ctx, tx, bo.NewAccounts, bo.Time); err != nil {
		return nil, err
	}
	if err := p.registerPosts(ctx, tx, bo.Comments, bo.Time); err != nil {
		return nil, err
	}
	if err := p.deletePosts(ctx, tx, bo.Deletes); err != nil {
		return nil, err
	}
	if err := p.applyCustomJSON(ctx, tx, bo); err != nil {
		return nil, err
	}
	return bo.Dirty, nil
}

// registerAccounts inserts unseen account names with the block timestamp.
// Names are stored as given; the chain is the source of truth.
func (p *Projector) registerAccounts(ctx context.Context, tx storage.Tx, names []string, at time.Time) error {
	for _, name := range names {
		exists, err := tx.AccountExists(ctx, name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := tx.InsertAccount(ctx, name, at); err != nil {
			return err
		}
	}
	return nil
}

// registerPosts inserts new posts and reinstates deleted ones. Edits of
// live posts are skipped here; the dirty set routes them to the cache.
func (p *Projector) registerPosts(ctx context.Context, tx storage.Tx, comments []*ops.CommentOp, at time.Time) error {
	for _, c := range comments {
		var reinstateID int64
		meta, err := tx.PostMeta(ctx, c.Author, c.Permlink)
		switch {
		case err == nil && !meta.IsDeleted:
			continue // edit
		case err == nil:
			reinstateID = meta.ID
		case errors.Is(err, storage.ErrNotFound):
			// new post
		default:
			return err
		}

		var parentID *int64
		var depth int
		var category, comm string
		if c.ParentAuthor == "" {
			depth = 0
			category = c.ParentPermlink
			comm = c.Community()
			if comm == "" {
				comm = c.Author
			}
		} else {
			parent, err := tx.PostMeta(ctx, c.ParentAuthor, c.ParentPermlink)
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("parent %s/%s of %s/%s not indexed: %w",
					c.ParentAuthor, c.ParentPermlink, c.Author, c.Permlink, ErrIntegrity)
			}
			if err != nil {
				return err
			}
			id := parent.ID
			parentID = &id
			depth = parent.Depth + 1
			category = parent.Category
			comm = parent.Community
		}

		// community must name an existing account
		if ok, err := p.communityAccountExists(ctx, tx, comm); err != nil {
			return err
		} else if !ok {
			p.log.Warn("invalid community, using author",
				"author", c.Author, "permlink", c.Permlink, "community", comm)
			comm = c.Author
		}

		isValid := p.policy.IsValidPost(ctx, tx, comm, c)
		if !isValid {
			p.log.Warn("post not valid in community",
				"author", c.Author, "permlink", c.Permlink, "community", comm)
		}

		row := &storage.PostRow{
			Author:    c.Author,
			Permlink:  c.Permlink,
			ParentID:  parentID,
			Category:  category,
			Community: comm,
			Depth:     depth,
			IsValid:   isValid,
			CreatedAt: at,
		}
		postID := reinstateID
		if reinstateID != 0 {
			if err := tx.ReinstatePost(ctx, reinstateID, row); err != nil {
				return err
			}
			if err := tx.DeleteFeedEntry(ctx, c.Author, reinstateID); err != nil {
				return err
			}
		} else {
			postID, err = tx.InsertPost(ctx, row)
			if err != nil {
				return err
			}
		}

		if depth == 0 {
			if err := tx.InsertFeedEntry(ctx, c.Author, postID, at); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Projector) communityAccountExists(ctx context.Context, tx storage.Tx, name string) (bool, error) {
	if !types.ValidAccountName(name) {
		return false, nil
	}
	return tx.AccountExists(ctx, name)
}

// deletePosts soft-deletes posts and clears their cache, feed, and reblog
// rows. Deletes of unknown posts are tolerated.
func (p *Projector) deletePosts(ctx context.Context, tx storage.Tx, deletes []*ops.DeleteOp) error {
	for _, d := range deletes {
		meta, err := tx.PostMeta(ctx, d.Author, d.Permlink)
		if errors.Is(err, storage.ErrNotFound) {
			p.log.Debug("delete of unknown post", "author", d.Author, "permlink", d.Permlink)
			continue
		}
		if err != nil {
			return err
		}
		if err := tx.MarkPostDeleted(ctx, meta.ID); err != nil {
			return err
		}
		if err := tx.DeletePostCache(ctx, meta.ID); err != nil {
			return err
		}
		if err := tx.DeleteFeedEntriesByPost(ctx, meta.ID); err != nil {
			return err
		}
		if err := tx.DeleteReblogsByPost(ctx, meta.ID); err != nil {
			return err
		}
	}
	return nil
}

// applyCustomJSON dispatches follow and community payloads. Every shape
// failure skips the op; only store errors abort the block.
func (p *Projector) applyCustomJSON(ctx context.Context, tx storage.Tx, bo *ops.BlockOps) error {
	for _, op := range bo.CustomJSON {
		if op.ID != "follow" && op.ID != community.OpID {
			continue
		}
		if len(op.RequiredPostingAuths) != 1 {
			p.log.Warn("unexpected auth count on custom op",
				"id", op.ID, "block", bo.Num, "auths", len(op.RequiredPostingAuths))
			continue
		}
		account := op.RequiredPostingAuths[0]

		switch op.ID {
		case "follow":
			if err := p.applyFollowOp(ctx, tx, account, op.JSON, bo.Num, bo.Time); err != nil {
				return err
			}
		case community.OpID:
			if bo.Num > community.StartBlock {
				if err := community.ProcessOp(ctx, tx, account, op.JSON, bo.Time, p.log); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

type followData struct {
	Follower  string          `json:"follower"`
	Following string          `json:"following"`
	What      json.RawMessage `json:"what"`
}

type reblogData struct {
	Account  string `json:"account"`
	Author   string `json:"author"`
	Permlink string `json:"permlink"`
	Delete   string `json:"delete"`
}

// applyFollowOp decodes a follow-plugin body into its [cmd, data]
// envelope and dispatches follow and reblog commands.
func (p *Projector) applyFollowOp(ctx context.Context, tx storage.Tx, account, body string, blockNum uint32, at time.Time) error {
	var pair []json.RawMessage
	if err := json.Unmarshal([]byte(body), &pair); err != nil {
		if blockNum >= legacyFollowBlock {
			return nil
		}
		trimmed := strings.TrimSpace(body)
		if !strings.HasPrefix(trimmed, "{") || !json.Valid([]byte(trimmed)) {
			return nil
		}
		pair = []json.RawMessage{json.RawMessage(`"follow"`), json.RawMessage(trimmed)}
	}
	if len(pair) != 2 {
		return nil
	}
	var cmd string
	if err := json.Unmarshal(pair[0], &cmd); err != nil {
		return nil
	}

	switch cmd {
	case "follow":
		return p.applyFollow(ctx, tx, account, pair[1], at)
	case "reblog":
		return p.applyReblog(ctx, tx, account, pair[1], at)
	}
	return nil
}

func (p *Projector) applyFollow(ctx context.Context, tx storage.Tx, account string, data json.RawMessage, at time.Time) error {
	var d followData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil
	}
	var whatList []any
	if err := json.Unmarshal(d.What, &whatList); err != nil {
		return nil
	}
	what := "clear"
	if len(whatList) > 0 {
		s, ok := whatList[0].(string)
		if !ok {
			return nil
		}
		if s != "" {
			what = s
		}
	}
	var state int
	switch what {
	case "clear":
		state = storage.FollowStateClear
	case "blog":
		state = storage.FollowStateBlog
	case "ignore":
		state = storage.FollowStateIgnore
	default:
		return nil
	}

	if d.Follower == "" || d.Following == "" {
		p.log.Warn("bad follow op", "at", at, "account", account)
		return nil
	}
	if d.Follower != account {
		return nil // impersonation
	}
	if !types.ValidAccountName(d.Follower) || !types.ValidAccountName(d.Following) {
		return nil
	}
	return tx.UpsertFollow(ctx, d.Follower, d.Following, state, at)
}

func (p *Projector) applyReblog(ctx context.Context, tx storage.Tx, account string, data json.RawMessage, at time.Time) error {
	var d reblogData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil
	}
	if d.Account != account {
		return nil // impersonation
	}
	if !types.ValidAccountName(d.Account) || !types.ValidAccountName(d.Author) {
		return nil
	}

	meta, err := tx.PostMeta(ctx, d.Author, d.Permlink)
	if errors.Is(err, storage.ErrNotFound) {
		p.log.Warn("reblog of unknown post", "author", d.Author, "permlink", d.Permlink)
		return nil
	}
	if err != nil {
		return err
	}
	if meta.Depth > 0 {
		return nil // no comment reblogs
	}
	if meta.IsDeleted {
		p.log.Warn("reblog of deleted post", "author", d.Author, "permlink", d.Permlink)
		return nil
	}

	if d.Delete == "delete" {
		if err := tx.DeleteReblog(ctx, d.Account, meta.ID); err != nil {
			return err
		}
		return tx.DeleteFeedEntry(ctx, d.Account, meta.ID)
	}
	if err := tx.InsertReblog(ctx, d.Account, meta.ID, at); err != nil {
		return err
	}
	return tx.InsertFeedEntry(ctx, d.Account, meta.ID, at)
}
