package store

import "time"

// Reader is a registered user. Password holds the two-stage salted digest,
// never the raw password. Permission is a sorted string of single-letter
// grants: lowercase granted, uppercase explicitly revoked, absent = default.
type Reader struct {
	ID         int64
	Email      string
	Nickname   string
	Avatar     string
	Password   string
	Salt       string
	Permission string
	IsAdmin    bool
	IsActive   bool
	CreateTime time.Time
	UpdateTime time.Time
	AccessTime time.Time
	LastRead   *time.Time
}

// ReviewBook is created lazily the first time a title is looked up.
// Title is the normalized (lowercased, trimmed) form; Alias keeps the raw
// string for fuzzy matching.
type ReviewBook struct {
	ID    int64
	Title string
	Alias string
}

// ReviewChapter is scoped to a book. Title is the canonical normalized name,
// Alias the raw chapter name as first seen. Parents is reserved for
// hierarchical chapter names and currently unused.
type ReviewChapter struct {
	ID      int64
	BookID  int64
	Title   string
	Alias   string
	Parents string
}

// Review types.
const (
	ReviewTypeText    = 1
	ReviewTypeLike    = 2
	ReviewTypeDislike = 3
)

// Review is a per-paragraph comment. RootID and QuoteID are weak integer
// back-references into the same table; 0 means unset. A review with no root
// is itself a root.
type Review struct {
	ID         int64
	BookID     int64
	ChapterID  int64
	SegmentID  int64
	Type       int
	Level      int
	Content    string
	Geo        string
	CreateTime time.Time
	UpdateTime time.Time
	UserID     int64
	RootID     int64
	QuoteID    int64
}

// ReviewView is a review joined with its author and, when QuoteID is set,
// the quoted review's content and author. It backs the serialized API shape.
type ReviewView struct {
	Review
	Nickname      string
	Avatar        string
	QuoteContent  string
	QuoteUserID   int64
	QuoteNickname string
}

// SegmentCount is one group-count row of the per-chapter summary.
type SegmentCount struct {
	SegmentID int64
	Count     int
}

// Stats holds the system-wide table counts for the root status page.
type Stats struct {
	Readers  int
	Books    int
	Chapters int
	Reviews  int
}
