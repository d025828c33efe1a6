package lemmyapi

import "time"

// Community is the subset of the remote server's community_view the core
// cares about (spec.md §4.B resolve_community / fetch_community_id).
type Community struct {
	ID    int64
	Name  string
	Title string
}

// Moderator is one row of a community's moderator list (spec.md §4.B
// fetch_community_moderators, used by the command processor's
// authorization check).
type Moderator struct {
	PersonID int64
	Name     string
	ActorID  string
}

// PrivateMessage is one direct message as returned by list_private_messages
// (spec.md §4.B / §4.G).
type PrivateMessage struct {
	ID             int64
	CreatorID      int64
	CreatorName    string
	CreatorActorID string
	Content        string
	Read           bool
	Published      time.Time
}

// CreateCommunityOptions models the dynamic-keyword create_community call
// as an explicit options record (spec.md §9 Design Note).
type CreateCommunityOptions struct {
	Name                    string
	Title                   string
	Icon                    string
	Description             string
	PostingRestrictedToMods bool
}

// CreatePostOptions models the dynamic-keyword create_post call as an
// explicit options record (spec.md §9 Design Note). Body is optional,
// matching the original's **kwargs usage for non-link posts.
type CreatePostOptions struct {
	CommunityID int64
	Title       string
	URL         string
	Body        string
}
