package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Asset is a chain asset string such as "1.234 SBD". Only the numeric
// magnitude is retained; the symbol is discarded.
type Asset float64

func (a *Asset) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to decode asset: %w", err)
	}
	if s == "" {
		*a = 0
		return nil
	}
	num, _, _ := strings.Cut(s, " ")
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return fmt.Errorf("failed to parse asset %q: %w", s, err)
	}
	*a = Asset(v)
	return nil
}

// Int64 tolerates both number and string encodings, which the upstream
// mixes freely for large vote weights.
type Int64 int64

func (i *Int64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*i = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("failed to parse integer %q: %w", s, err)
	}
	*i = Int64(v)
	return nil
}

// Vote is one entry of a content record's active vote list.
type Vote struct {
	Voter   string `json:"voter"`
	Rshares Int64  `json:"rshares"`
	Percent int    `json:"percent"`
	Time    Time   `json:"time"`
}

// Content is the upstream's full record for one post, consumed by the cache
// maintainer when refreshing hive_posts_cache rows.
type Content struct {
	Author             string `json:"author"`
	Permlink           string `json:"permlink"`
	Category           string `json:"category"`
	Depth              uint32 `json:"depth"`
	Title              string `json:"title"`
	Body               string `json:"body"`
	JSONMetadata       string `json:"json_metadata"`
	Created            Time   `json:"created"`
	LastPayout         Time   `json:"last_payout"`
	CashoutTime        Time   `json:"cashout_time"`
	PendingPayoutValue Asset  `json:"pending_payout_value"`
	TotalPayoutValue   Asset  `json:"total_payout_value"`
	CuratorPayoutValue Asset  `json:"curator_payout_value"`
	MaxAcceptedPayout  Asset  `json:"max_accepted_payout"`
	Promoted           Asset  `json:"promoted"`
	ActiveVotes        []Vote `json:"active_votes"`
}

// IsPaidOut reports whether the payout window has closed. The upstream
// signals a paid-out post by resetting cashout_time to an epoch-era value.
func (c *Content) IsPaidOut() bool {
	return !c.CashoutTime.IsZero() && c.CashoutTime.Year() <= 1970
}

// Metadata is the parsed form of a json_metadata field.
type Metadata struct {
	Community string
	Tags      []string
	Image     []string
}

// ParseMetadata decodes a json_metadata payload. Malformed or non-object
// payloads yield a zero Metadata rather than an error; the upstream carries
// plenty of both.
func ParseMetadata(raw string) Metadata {
	var md Metadata
	if strings.TrimSpace(raw) == "" {
		return md
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return md
	}
	if s, ok := obj["community"].(string); ok {
		md.Community = s
	}
	switch tags := obj["tags"].(type) {
	case []any:
		for _, t := range tags {
			if s, ok := t.(string); ok {
				md.Tags = append(md.Tags, s)
			}
		}
	case string:
		if tags != "" {
			md.Tags = append(md.Tags, tags)
		}
	}
	if imgs, ok := obj["image"].([]any); ok {
		for _, im := range imgs {
			if s, ok := im.(string); ok && s != "" {
				md.Image = append(md.Image, s)
			}
		}
	}
	return md
}
