// Package ops classifies raw block operations into the typed groups the
// block projector consumes: new accounts, comments, deletes, custom-json
// payloads, and the dirty set of touched posts.
package ops

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/steemit/hivemind-go/internal/types"
)

// CommentOp is the payload of a comment operation. Both new posts and edits
// arrive as comments; the projector tells them apart by store lookup.
type CommentOp struct {
	Author         string `json:"author"`
	Permlink       string `json:"permlink"`
	ParentAuthor   string `json:"parent_author"`
	ParentPermlink string `json:"parent_permlink"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	JSONMetadata   string `json:"json_metadata"`
}

// Community returns the community named in the op's metadata, or "" when
// the metadata is absent, malformed, or names none.
func (c *CommentOp) Community() string {
	return types.ParseMetadata(c.JSONMetadata).Community
}

// DeleteOp is the payload of a delete_comment operation.
type DeleteOp struct {
	Author   string `json:"author"`
	Permlink string `json:"permlink"`
}

// CustomOp is the payload of a custom_json operation. The JSON field is a
// string-encoded document whose shape depends on ID.
type CustomOp struct {
	ID                   string   `json:"id"`
	JSON                 string   `json:"json"`
	RequiredAuths        []string `json:"required_auths"`
	RequiredPostingAuths []string `json:"required_posting_auths"`
}

// BlockOps is the classified content of one block.
type BlockOps struct {
	Num  uint32
	Time time.Time

	NewAccounts []string
	Comments    []*CommentOp
	Deletes     []*DeleteOp
	CustomJSON  []*CustomOp

	// Dirty lists "author/permlink" refs touched by comments or votes,
	// deduplicated, in stream order.
	Dirty []string
}

type pow1Body struct {
	WorkerAccount string `json:"worker_account"`
}

type pow2Body struct {
	Work []json.RawMessage `json:"work"`
}

type pow2Input struct {
	Input struct {
		WorkerAccount string `json:"worker_account"`
	} `json:"input"`
}

type accountCreateBody struct {
	NewAccountName string `json:"new_account_name"`
}

type voteBody struct {
	Author   string `json:"author"`
	Permlink string `json:"permlink"`
}

// Classify walks a block's transactions in order and buckets every
// recognized operation. Malformed op bodies are logged and skipped; unknown
// op types are ignored. The only hard failure is an undecodable block id.
func Classify(b *types.Block, log *slog.Logger) (*BlockOps, error) {
	num, err := b.Num()
	if err != nil {
		return nil, err
	}

	out := &BlockOps{Num: num, Time: b.Timestamp.Time}
	seenAccounts := make(map[string]bool)
	seenDirty := make(map[string]bool)

	addAccount := func(name string) {
		if name == "" || seenAccounts[name] {
			return
		}
		seenAccounts[name] = true
		out.NewAccounts = append(out.NewAccounts, name)
	}
	markDirty := func(author, permlink string) {
		ref := author + "/" + permlink
		if seenDirty[ref] {
			return
		}
		seenDirty[ref] = true
		out.Dirty = append(out.Dirty, ref)
	}

	for _, tx := range b.Transactions {
		for _, op := range tx.Operations {
			switch op.Type {
			case "pow":
				var body pow1Body
				if err := json.Unmarshal(op.Body, &body); err != nil {
					log.Warn("skipping malformed pow op", "block", num, "error", err)
					continue
				}
				addAccount(body.WorkerAccount)

			case "pow2":
				var body pow2Body
				if err := json.Unmarshal(op.Body, &body); err != nil || len(body.Work) < 2 {
					log.Warn("skipping malformed pow2 op", "block", num, "error", err)
					continue
				}
				var inner pow2Input
				if err := json.Unmarshal(body.Work[1], &inner); err != nil {
					log.Warn("skipping malformed pow2 work", "block", num, "error", err)
					continue
				}
				addAccount(inner.Input.WorkerAccount)

			case "account_create", "account_create_with_delegation":
				var body accountCreateBody
				if err := json.Unmarshal(op.Body, &body); err != nil {
					log.Warn("skipping malformed account_create op", "block", num, "error", err)
					continue
				}
				addAccount(body.NewAccountName)

			case "comment":
				var body CommentOp
				if err := json.Unmarshal(op.Body, &body); err != nil {
					log.Warn("skipping malformed comment op", "block", num, "error", err)
					continue
				}
				out.Comments = append(out.Comments, &body)
				markDirty(body.Author, body.Permlink)

			case "delete_comment":
				var body DeleteOp
				if err := json.Unmarshal(op.Body, &body); err != nil {
					log.Warn("skipping malformed delete_comment op", "block", num, "error", err)
					continue
				}
				out.Deletes = append(out.Deletes, &body)

			case "vote":
				var body voteBody
				if err := json.Unmarshal(op.Body, &body); err != nil {
					log.Warn("skipping malformed vote op", "block", num, "error", err)
					continue
				}
				markDirty(body.Author, body.Permlink)

			case "custom_json":
				var body CustomOp
				if err := json.Unmarshal(op.Body, &body); err != nil {
					log.Warn("skipping malformed custom_json op", "block", num, "error", err)
					continue
				}
				out.CustomJSON = append(out.CustomJSON, &body)
			}
		}
	}

	return out, nil
}
