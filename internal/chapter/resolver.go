// Package chapter resolves raw chapter and book titles to canonical records,
// creating them lazily on first sight.
package chapter

import (
	"context"
	"regexp"
	"strings"

	"brs/api/internal/store"
)

var (
	whitespaceRuns = regexp.MustCompile(`\s\s*`)
	// Greedy: with several bracket pairs in one title this deletes a single
	// region from the first opener to the last closer. Matching stays this
	// way on purpose; stored canonical titles depend on it.
	bracketedRun = regexp.MustCompile(`[(（【].*[】）)]`)
)

// NormalizeTitle canonicalizes a raw chapter name: full-width spaces become
// regular spaces, whitespace runs collapse to one space, and a bracketed
// suffix such as a promo note is stripped.
func NormalizeTitle(raw string) string {
	s := strings.ReplaceAll(raw, "　", " ")
	s = whitespaceRuns.ReplaceAllString(s, " ")
	s = bracketedRun.ReplaceAllString(s, "")
	return s
}

// Store is the persistence surface the resolver needs.
type Store interface {
	FindChapter(ctx context.Context, bookID int64, title, alias string) (*store.ReviewChapter, error)
	UpsertChapter(ctx context.Context, chapter store.ReviewChapter) (store.ReviewChapter, error)
	GetBookByTitle(ctx context.Context, title string) (*store.ReviewBook, error)
	GetBookByAlias(ctx context.Context, title string) (*store.ReviewBook, error)
	UpsertBook(ctx context.Context, title, alias string) (store.ReviewBook, error)
}

type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve looks up the chapter for a raw title without creating it. The
// normalized title and the exact raw alias both match. Returns nil when the
// book has no such chapter yet.
func (r *Resolver) Resolve(ctx context.Context, bookID int64, rawTitle string) (*store.ReviewChapter, error) {
	return r.store.FindChapter(ctx, bookID, NormalizeTitle(rawTitle), rawTitle)
}

// ResolveOrCreate is Resolve with get-or-create semantics: on a miss the
// chapter is persisted with the normalized title as canonical name and the
// raw string as alias.
func (r *Resolver) ResolveOrCreate(ctx context.Context, bookID int64, rawTitle string) (store.ReviewChapter, error) {
	name := NormalizeTitle(rawTitle)
	found, err := r.store.FindChapter(ctx, bookID, name, rawTitle)
	if err != nil {
		return store.ReviewChapter{}, err
	}
	if found != nil {
		return *found, nil
	}
	return r.store.UpsertChapter(ctx, store.ReviewChapter{
		BookID: bookID,
		Title:  name,
		Alias:  rawTitle,
	})
}

// ResolveBook finds or creates the book for a raw title: exact match on the
// lowercased trimmed title first, then a substring match against stored
// aliases, else a new record with title and alias both set to the
// normalized form.
func (r *Resolver) ResolveBook(ctx context.Context, rawTitle string) (store.ReviewBook, error) {
	title := strings.ToLower(strings.TrimSpace(rawTitle))

	book, err := r.store.GetBookByTitle(ctx, title)
	if err != nil {
		return store.ReviewBook{}, err
	}
	if book != nil {
		return *book, nil
	}

	book, err = r.store.GetBookByAlias(ctx, title)
	if err != nil {
		return store.ReviewBook{}, err
	}
	if book != nil {
		return *book, nil
	}

	return r.store.UpsertBook(ctx, title, title)
}
