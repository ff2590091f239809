package models

import "time"

// RoleTag describes an identity's relationship to a content item.
type RoleTag string

const (
	RoleOwner      RoleTag = "owner"
	RoleProcessor  RoleTag = "processor"
	RoleDownloader RoleTag = "downloader"
)

// IsValid returns true if the tag is a known RoleTag.
func (r RoleTag) IsValid() bool {
	switch r {
	case RoleOwner, RoleProcessor, RoleDownloader:
		return true
	}
	return false
}

// DownloadMode selects which streams a pipeline run acquires.
type DownloadMode string

const (
	ModeAuto  DownloadMode = "auto" // video + audio, merged
	ModeVideo DownloadMode = "video"
	ModeAudio DownloadMode = "audio"
)

// IsValid returns true if the mode is a known DownloadMode.
func (m DownloadMode) IsValid() bool {
	switch m {
	case ModeAuto, ModeVideo, ModeAudio:
		return true
	}
	return false
}

// ContentItem is a persisted, fully processed media item keyed by its
// canonical upstream id.
type ContentItem struct {
	ID          int64  `json:"id"`
	CanonicalID string `json:"canonicalId"`
	UpstreamAID string `json:"aid,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	CoverURL    string `json:"coverUrl,omitempty"`
	OwnerName   string `json:"ownerName,omitempty"`
	OwnerFace   string `json:"ownerFace,omitempty"`
	PublishedAt int64  `json:"publishedAt,omitempty"`
	Duration    int64  `json:"durationSeconds,omitempty"`
	Quality     int    `json:"quality"`

	// Aggregate engagement counters from the upstream provider.
	Views     int64 `json:"views"`
	Danmaku   int64 `json:"danmaku"`
	Likes     int64 `json:"likes"`
	Coins     int64 `json:"coins"`
	Favorites int64 `json:"favorites"`
	Shares    int64 `json:"shares"`
	Replies   int64 `json:"replies"`

	FilePath string `json:"filePath,omitempty"`
	PlayURL  string `json:"playUrl,omitempty"`

	// RelationCount is the number of relation edges on the item. Populated
	// only by aggregate listings.
	RelationCount int64 `json:"relationCount,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FileName returns the canonical storage file name for the item.
func (c *ContentItem) FileName() string {
	if c.FilePath == "" {
		return ""
	}
	for i := len(c.FilePath) - 1; i >= 0; i-- {
		if c.FilePath[i] == '/' {
			return c.FilePath[i+1:]
		}
	}
	return c.FilePath
}

// ItemStat carries the upstream engagement counters.
type ItemStat struct {
	Views     int64 `json:"view"`
	Danmaku   int64 `json:"danmaku"`
	Likes     int64 `json:"like"`
	Coins     int64 `json:"coin"`
	Favorites int64 `json:"favorite"`
	Shares    int64 `json:"share"`
	Replies   int64 `json:"reply"`
}

// ItemOwner identifies the upstream author of an item.
type ItemOwner struct {
	MID  int64  `json:"mid"`
	Name string `json:"name"`
	Face string `json:"face,omitempty"`
}

// ItemMetadata is the descriptive record fetched from the upstream provider.
type ItemMetadata struct {
	CanonicalID string    `json:"bvid"`
	AID         int64     `json:"aid"`
	SubID       int64     `json:"cid"`
	Title       string    `json:"title"`
	Description string    `json:"desc"`
	CoverURL    string    `json:"pic"`
	Duration    int64     `json:"duration"`
	PublishedAt int64     `json:"pubdate"`
	Owner       ItemOwner `json:"owner"`
	Stat        ItemStat  `json:"stat"`
}

// PlaybackSources holds the resolved stream locations for one item variant.
type PlaybackSources struct {
	VideoURL string `json:"videoUrl"`
	AudioURL string `json:"audioUrl"`
	Quality  int    `json:"quality"`
}

// Relation is an edge linking an identity to a content item with a role.
type Relation struct {
	IdentityID string    `json:"identityId"`
	ItemID     int64     `json:"itemId"`
	Role       RoleTag   `json:"role"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Identity is the verified principal handed to the core by the outer
// authentication layer.
type Identity struct {
	ID   string `json:"id"`
	Tier int    `json:"tier"`
}

// Credential is an upstream access credential owned by an identity.
type Credential struct {
	ID         int64  `json:"id"`
	IdentityID string `json:"identityId"`
	UpstreamID string `json:"upstreamId"`
	Cookie     string `json:"-"`
	Active     bool   `json:"active"`
}
