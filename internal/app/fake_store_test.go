package app

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"brs/api/internal/chapter"
	"brs/api/internal/config"
	"brs/api/internal/store"
	"brs/api/internal/tasks"
)

// memStore is an in-memory dataStore used by the service and HTTP tests.
type memStore struct {
	mu       sync.Mutex
	readers  map[int64]store.Reader
	books    []store.ReviewBook
	chapters []store.ReviewChapter
	reviews  map[int64]*store.Review
	nextID   int64

	panicOnList bool
}

func newMemStore() *memStore {
	return &memStore{
		readers: make(map[int64]store.Reader),
		reviews: make(map[int64]*store.Review),
		nextID:  1,
	}
}

func (m *memStore) id() int64 {
	id := m.nextID
	m.nextID++
	return id
}

func (m *memStore) Ping(ctx context.Context) error { return nil }

func (m *memStore) GetReaderByEmail(ctx context.Context, email string) (store.Reader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.readers {
		if r.Email == email {
			return r, nil
		}
	}
	return store.Reader{}, sql.ErrNoRows
}

func (m *memStore) GetReaderByID(ctx context.Context, id int64) (store.Reader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.readers[id]
	if !ok {
		return store.Reader{}, sql.ErrNoRows
	}
	return r, nil
}

func (m *memStore) CreateReader(ctx context.Context, reader *store.Reader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reader.ID = m.id()
	m.readers[reader.ID] = *reader
	return nil
}

func (m *memStore) UpdateReader(ctx context.Context, reader store.Reader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readers[reader.ID] = reader
	return nil
}

func (m *memStore) TouchReaderAccess(ctx context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.readers[id]
	if !ok {
		return nil
	}
	r.AccessTime = at
	m.readers[id] = r
	return nil
}

func (m *memStore) GetBookByTitle(ctx context.Context, title string) (*store.ReviewBook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.books {
		if m.books[i].Title == title {
			b := m.books[i]
			return &b, nil
		}
	}
	return nil, nil
}

func (m *memStore) GetBookByAlias(ctx context.Context, title string) (*store.ReviewBook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.books {
		if strings.Contains(m.books[i].Alias, title) {
			b := m.books[i]
			return &b, nil
		}
	}
	return nil, nil
}

func (m *memStore) UpsertBook(ctx context.Context, title, alias string) (store.ReviewBook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.books {
		if m.books[i].Title == title {
			return m.books[i], nil
		}
	}
	book := store.ReviewBook{ID: m.id(), Title: title, Alias: alias}
	m.books = append(m.books, book)
	return book, nil
}

func (m *memStore) FindChapter(ctx context.Context, bookID int64, title, alias string) (*store.ReviewChapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.chapters {
		c := m.chapters[i]
		if c.BookID == bookID && (c.Title == title || c.Alias == alias) {
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memStore) UpsertChapter(ctx context.Context, ch store.ReviewChapter) (store.ReviewChapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.chapters {
		c := m.chapters[i]
		if c.BookID == ch.BookID && c.Title == ch.Title {
			return c, nil
		}
	}
	ch.ID = m.id()
	m.chapters = append(m.chapters, ch)
	return ch, nil
}

func (m *memStore) InsertReview(ctx context.Context, review *store.Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.reviews {
		if r.BookID == review.BookID && r.ChapterID == review.ChapterID && r.SegmentID == review.SegmentID {
			n++
		}
	}
	review.ID = m.id()
	review.Level = n + 1
	clone := *review
	m.reviews[review.ID] = &clone
	return nil
}

func (m *memStore) TouchReview(ctx context.Context, id int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reviews[id]
	if !ok {
		return false, nil
	}
	r.UpdateTime = at
	return true, nil
}

func (m *memStore) view(r store.Review) store.ReviewView {
	v := store.ReviewView{Review: r}
	if author, ok := m.readers[r.UserID]; ok {
		v.Nickname = author.Nickname
		v.Avatar = author.Avatar
	}
	if r.QuoteID != 0 {
		if q, ok := m.reviews[r.QuoteID]; ok {
			v.QuoteContent = q.Content
			v.QuoteUserID = q.UserID
			if qa, ok := m.readers[q.UserID]; ok {
				v.QuoteNickname = qa.Nickname
			}
		}
	}
	return v
}

func (m *memStore) GetReviewView(ctx context.Context, id int64) (store.ReviewView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reviews[id]
	if !ok {
		return store.ReviewView{}, sql.ErrNoRows
	}
	return m.view(*r), nil
}

func (m *memStore) ListSegmentReviews(ctx context.Context, bookID, chapterID, segmentID int64) ([]store.ReviewView, error) {
	if m.panicOnList {
		panic("list blew up")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.ReviewView
	for _, r := range m.reviews {
		if r.BookID == bookID && r.ChapterID == chapterID && r.SegmentID == segmentID {
			out = append(out, m.view(*r))
		}
	}
	return out, nil
}

func (m *memStore) matchesLastRead(r *store.Review, userID int64, lastRead *time.Time) bool {
	if r.UserID != userID {
		return false
	}
	if lastRead != nil {
		return r.UpdateTime.After(*lastRead)
	}
	return r.UpdateTime.After(r.CreateTime)
}

func (m *memStore) ListReaderReviews(ctx context.Context, userID int64, lastRead *time.Time) ([]store.ReviewView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.ReviewView
	for _, r := range m.reviews {
		if m.matchesLastRead(r, userID, lastRead) {
			out = append(out, m.view(*r))
		}
	}
	return out, nil
}

func (m *memStore) CountReaderReviews(ctx context.Context, userID int64, lastRead *time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.reviews {
		if m.matchesLastRead(r, userID, lastRead) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) CountSegments(ctx context.Context, bookID, chapterID int64) ([]store.SegmentCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[int64]int)
	for _, r := range m.reviews {
		if r.BookID == bookID && r.ChapterID == chapterID {
			counts[r.SegmentID]++
		}
	}
	var out []store.SegmentCount
	for seg, n := range counts {
		out = append(out, store.SegmentCount{SegmentID: seg, Count: n})
	}
	return out, nil
}

func (m *memStore) Stats(ctx context.Context) (store.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return store.Stats{
		Readers:  len(m.readers),
		Books:    len(m.books),
		Chapters: len(m.chapters),
		Reviews:  len(m.reviews),
	}, nil
}

// fakeDispatcher records submitted tasks instead of executing them.
type fakeDispatcher struct {
	mu        sync.Mutex
	submitted []tasks.Task
}

func (d *fakeDispatcher) Handle(kind string, handler tasks.Handler) {}

func (d *fakeDispatcher) Submit(task tasks.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submitted = append(d.submitted, task)
	return nil
}

func (d *fakeDispatcher) Close() error { return nil }

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.submitted)
}

func testConfig() config.Config {
	return config.Config{
		CookieSecret:  "test-secret",
		SessionTTL:    7 * 24 * time.Hour,
		CORSOrigin:    "*",
		SiteTitle:     "Test Library",
		AvatarService: "https://avatars.example.com",
		SMTPServer:    "smtp.example.com:587",
		SMTPUsername:  "noreply@example.com",
	}
}

func newTestService(ms *memStore, dispatcher tasks.Dispatcher) *Service {
	return &Service{
		cfg:      testConfig(),
		store:    ms,
		resolver: chapter.NewResolver(ms),
		tasks:    dispatcher,
	}
}
