package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const readerColumns = `id, email, nickname, avatar, password, salt, permission,
	is_admin, is_active, create_time, update_time, access_time, last_read`

func scanReader(row *sql.Row) (Reader, error) {
	var r Reader
	err := row.Scan(
		&r.ID, &r.Email, &r.Nickname, &r.Avatar, &r.Password, &r.Salt, &r.Permission,
		&r.IsAdmin, &r.IsActive, &r.CreateTime, &r.UpdateTime, &r.AccessTime, &r.LastRead,
	)
	return r, err
}

func (s *PostgresStore) GetReaderByEmail(ctx context.Context, email string) (Reader, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+readerColumns+` FROM readers WHERE email=$1`, email)
	return scanReader(row)
}

func (s *PostgresStore) GetReaderByID(ctx context.Context, id int64) (Reader, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+readerColumns+` FROM readers WHERE id=$1`, id)
	return scanReader(row)
}

func (s *PostgresStore) CreateReader(ctx context.Context, reader *Reader) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO readers (email, nickname, avatar, password, salt, permission,
			is_admin, is_active, create_time, update_time, access_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`,
		reader.Email, reader.Nickname, reader.Avatar, reader.Password, reader.Salt,
		reader.Permission, reader.IsAdmin, reader.IsActive,
		reader.CreateTime, reader.UpdateTime, reader.AccessTime,
	).Scan(&reader.ID)
	if err != nil {
		return fmt.Errorf("insert reader: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateReader(ctx context.Context, reader Reader) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE readers
		SET nickname=$2, avatar=$3, password=$4, salt=$5, permission=$6,
			is_admin=$7, is_active=$8, update_time=$9, access_time=$10, last_read=$11
		WHERE id=$1
	`,
		reader.ID, reader.Nickname, reader.Avatar, reader.Password, reader.Salt,
		reader.Permission, reader.IsAdmin, reader.IsActive,
		reader.UpdateTime, reader.AccessTime, reader.LastRead,
	)
	if err != nil {
		return fmt.Errorf("update reader: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchReaderAccess(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE readers SET access_time=$2 WHERE id=$1`, id, at)
	if err != nil {
		return fmt.Errorf("touch reader access: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBookByTitle(ctx context.Context, title string) (*ReviewBook, error) {
	var book ReviewBook
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, alias FROM review_books WHERE title=$1
	`, title).Scan(&book.ID, &book.Title, &book.Alias)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get book by title: %w", err)
	}
	return &book, nil
}

func (s *PostgresStore) GetBookByAlias(ctx context.Context, title string) (*ReviewBook, error) {
	var book ReviewBook
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, alias FROM review_books WHERE alias LIKE '%' || $1 || '%' LIMIT 1
	`, title).Scan(&book.ID, &book.Title, &book.Alias)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get book by alias: %w", err)
	}
	return &book, nil
}

// UpsertBook converges concurrent identical creates on one row via the
// UNIQUE(title) constraint. The no-op DO UPDATE makes RETURNING yield the
// surviving row either way.
func (s *PostgresStore) UpsertBook(ctx context.Context, title, alias string) (ReviewBook, error) {
	var book ReviewBook
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO review_books (title, alias)
		VALUES ($1, $2)
		ON CONFLICT (title) DO UPDATE SET title=EXCLUDED.title
		RETURNING id, title, alias
	`, title, alias).Scan(&book.ID, &book.Title, &book.Alias)
	if err != nil {
		return ReviewBook{}, fmt.Errorf("upsert book: %w", err)
	}
	return book, nil
}

// FindChapter matches either the canonical title or the exact raw alias.
// With duplicate rows the first in storage order wins; there is no defined
// tie-break beyond that.
func (s *PostgresStore) FindChapter(ctx context.Context, bookID int64, title, alias string) (*ReviewChapter, error) {
	var ch ReviewChapter
	err := s.db.QueryRowContext(ctx, `
		SELECT id, book_id, title, alias, parents
		FROM review_chapters
		WHERE book_id=$1 AND (title=$2 OR alias=$3)
		LIMIT 1
	`, bookID, title, alias).Scan(&ch.ID, &ch.BookID, &ch.Title, &ch.Alias, &ch.Parents)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find chapter: %w", err)
	}
	return &ch, nil
}

func (s *PostgresStore) UpsertChapter(ctx context.Context, chapter ReviewChapter) (ReviewChapter, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO review_chapters (book_id, title, alias, parents)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (book_id, title) DO UPDATE SET title=EXCLUDED.title
		RETURNING id, book_id, title, alias, parents
	`, chapter.BookID, chapter.Title, chapter.Alias, chapter.Parents).Scan(
		&chapter.ID, &chapter.BookID, &chapter.Title, &chapter.Alias, &chapter.Parents,
	)
	if err != nil {
		return ReviewChapter{}, fmt.Errorf("upsert chapter: %w", err)
	}
	return chapter, nil
}

// InsertReview assigns the floor number in the insert statement itself:
// level = count of existing reviews in the segment + 1. A single statement,
// but not serializable; concurrent inserts into one segment can still
// produce duplicate levels.
func (s *PostgresStore) InsertReview(ctx context.Context, review *Review) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO reviews (book_id, chapter_id, segment_id, type, level, content,
			geo, create_time, update_time, user_id, root_id, quote_id)
		SELECT $1, $2, $3, $4, COUNT(*)+1, $5, $6, $7, $8, $9, $10, $11
		FROM reviews
		WHERE book_id=$1 AND chapter_id=$2 AND segment_id=$3
		RETURNING id, level
	`,
		review.BookID, review.ChapterID, review.SegmentID, review.Type, review.Content,
		review.Geo, review.CreateTime, review.UpdateTime, review.UserID,
		review.RootID, review.QuoteID,
	).Scan(&review.ID, &review.Level)
	if err != nil {
		return fmt.Errorf("insert review: %w", err)
	}
	return nil
}

// TouchReview bumps a review's update_time, marking its thread as having new
// activity. Returns false when no such review exists.
func (s *PostgresStore) TouchReview(ctx context.Context, id int64, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE reviews SET update_time=$2 WHERE id=$1`, id, at)
	if err != nil {
		return false, fmt.Errorf("touch review: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("touch review result: %w", err)
	}
	return affected > 0, nil
}

const reviewViewQuery = `
	SELECT r.id, r.book_id, r.chapter_id, r.segment_id, r.type, r.level, r.content,
		r.geo, r.create_time, r.update_time, r.user_id, r.root_id, r.quote_id,
		COALESCE(u.nickname, ''), COALESCE(u.avatar, ''),
		COALESCE(q.content, ''), COALESCE(q.user_id, 0), COALESCE(qu.nickname, '')
	FROM reviews r
	LEFT JOIN readers u ON u.id = r.user_id
	LEFT JOIN reviews q ON q.id = r.quote_id
	LEFT JOIN readers qu ON qu.id = q.user_id
`

func scanReviewView(scan func(dest ...any) error) (ReviewView, error) {
	var v ReviewView
	err := scan(
		&v.ID, &v.BookID, &v.ChapterID, &v.SegmentID, &v.Type, &v.Level, &v.Content,
		&v.Geo, &v.CreateTime, &v.UpdateTime, &v.UserID, &v.RootID, &v.QuoteID,
		&v.Nickname, &v.Avatar,
		&v.QuoteContent, &v.QuoteUserID, &v.QuoteNickname,
	)
	return v, err
}

func (s *PostgresStore) GetReviewView(ctx context.Context, id int64) (ReviewView, error) {
	row := s.db.QueryRowContext(ctx, reviewViewQuery+` WHERE r.id=$1`, id)
	view, err := scanReviewView(row.Scan)
	if err != nil {
		return ReviewView{}, err
	}
	return view, nil
}

func (s *PostgresStore) listReviewViews(ctx context.Context, query string, args ...any) ([]ReviewView, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	items := make([]ReviewView, 0)
	for rows.Next() {
		view, err := scanReviewView(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		items = append(items, view)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviews: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListSegmentReviews(ctx context.Context, bookID, chapterID, segmentID int64) ([]ReviewView, error) {
	return s.listReviewViews(ctx,
		reviewViewQuery+` WHERE r.book_id=$1 AND r.chapter_id=$2 AND r.segment_id=$3`,
		bookID, chapterID, segmentID,
	)
}

// ListReaderReviews returns a reader's reviews that have seen activity since
// the last-read marker, or since their creation when no marker exists.
func (s *PostgresStore) ListReaderReviews(ctx context.Context, userID int64, lastRead *time.Time) ([]ReviewView, error) {
	if lastRead != nil {
		return s.listReviewViews(ctx,
			reviewViewQuery+` WHERE r.user_id=$1 AND r.update_time > $2`,
			userID, *lastRead,
		)
	}
	return s.listReviewViews(ctx,
		reviewViewQuery+` WHERE r.user_id=$1 AND r.update_time > r.create_time`,
		userID,
	)
}

func (s *PostgresStore) CountReaderReviews(ctx context.Context, userID int64, lastRead *time.Time) (int, error) {
	var count int
	var err error
	if lastRead != nil {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM reviews WHERE user_id=$1 AND update_time > $2`,
			userID, *lastRead,
		).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM reviews WHERE user_id=$1 AND update_time > create_time`,
			userID,
		).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("count reader reviews: %w", err)
	}
	return count, nil
}

// CountSegments group-counts a chapter's reviews by segment. No ordering
// guarantee on the result.
func (s *PostgresStore) CountSegments(ctx context.Context, bookID, chapterID int64) ([]SegmentCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT segment_id, COUNT(*)
		FROM reviews
		WHERE book_id=$1 AND chapter_id=$2
		GROUP BY segment_id
	`, bookID, chapterID)
	if err != nil {
		return nil, fmt.Errorf("count segments: %w", err)
	}
	defer rows.Close()

	items := make([]SegmentCount, 0)
	for rows.Next() {
		var item SegmentCount
		if err := rows.Scan(&item.SegmentID, &item.Count); err != nil {
			return nil, fmt.Errorf("scan segment count: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate segment counts: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM readers),
			(SELECT COUNT(*) FROM review_books),
			(SELECT COUNT(*) FROM review_chapters),
			(SELECT COUNT(*) FROM reviews)
	`).Scan(&stats.Readers, &stats.Books, &stats.Chapters, &stats.Reviews)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return stats, nil
}
