package app

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"log"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"brs/api/internal/chapter"
	"brs/api/internal/config"
	"brs/api/internal/credential"
	"brs/api/internal/mail"
	"brs/api/internal/store"
	"brs/api/internal/tasks"
)

// timeFormat is the wall-clock layout used for every timestamp the API
// exposes.
const timeFormat = "2006-01-02 15:04:05"

var (
	reEmail    = regexp.MustCompile(`^[^@]+@[^@]+\.[^@]+$`)
	rePassword = regexp.MustCompile(`^[a-zA-Z0-9!@#$%^&*()_+\-=\[\]{};':",./<>?\|]*$`)
)

type dataStore interface {
	GetReaderByEmail(ctx context.Context, email string) (store.Reader, error)
	GetReaderByID(ctx context.Context, id int64) (store.Reader, error)
	CreateReader(ctx context.Context, reader *store.Reader) error
	UpdateReader(ctx context.Context, reader store.Reader) error
	TouchReaderAccess(ctx context.Context, id int64, at time.Time) error
	GetBookByTitle(ctx context.Context, title string) (*store.ReviewBook, error)
	GetBookByAlias(ctx context.Context, title string) (*store.ReviewBook, error)
	UpsertBook(ctx context.Context, title, alias string) (store.ReviewBook, error)
	FindChapter(ctx context.Context, bookID int64, title, alias string) (*store.ReviewChapter, error)
	UpsertChapter(ctx context.Context, chapter store.ReviewChapter) (store.ReviewChapter, error)
	InsertReview(ctx context.Context, review *store.Review) error
	TouchReview(ctx context.Context, id int64, at time.Time) (bool, error)
	GetReviewView(ctx context.Context, id int64) (store.ReviewView, error)
	ListSegmentReviews(ctx context.Context, bookID, chapterID, segmentID int64) ([]store.ReviewView, error)
	ListReaderReviews(ctx context.Context, userID int64, lastRead *time.Time) ([]store.ReviewView, error)
	CountReaderReviews(ctx context.Context, userID int64, lastRead *time.Time) (int, error)
	CountSegments(ctx context.Context, bookID, chapterID int64) ([]store.SegmentCount, error)
	Stats(ctx context.Context) (store.Stats, error)
	Ping(ctx context.Context) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	resolver *chapter.Resolver
	tasks    tasks.Dispatcher
}

func New(cfg config.Config, dataStore *store.PostgresStore, dispatcher tasks.Dispatcher) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		resolver: chapter.NewResolver(dataStore),
		tasks:    dispatcher,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Stats(ctx context.Context) (store.Stats, error) {
	return s.store.Stats(ctx)
}

// ResolveBook looks up a book by title, falling back to alias substring
// match, creating the book when neither hits.
func (s *Service) ResolveBook(ctx context.Context, title string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errParamsInvalid()
	}
	book, err := s.resolver.ResolveBook(ctx, title)
	if err != nil {
		return nil, dbError(err)
	}
	return map[string]any{
		"id":    book.ID,
		"title": book.Title,
		"alias": book.Alias,
	}, nil
}

// Summary returns the per-segment review counts for one chapter. An unknown
// chapter means no reviews yet, not an error.
func (s *Service) Summary(ctx context.Context, bookID int64, chapterName string) (map[string]any, error) {
	ch, err := s.resolver.Resolve(ctx, bookID, chapterName)
	if err != nil {
		return nil, dbError(err)
	}
	if ch == nil {
		return map[string]any{"list": []map[string]any{}}, nil
	}
	counts, err := s.store.CountSegments(ctx, bookID, ch.ID)
	if err != nil {
		return nil, dbError(err)
	}
	list := make([]map[string]any, 0, len(counts))
	for _, c := range counts {
		list = append(list, map[string]any{"segmentId": c.SegmentID, "reviewNum": c.Count})
	}
	return map[string]any{"chapter_id": ch.ID, "list": list}, nil
}

// ListReviews returns every review anchored to one segment.
func (s *Service) ListReviews(ctx context.Context, bookID, chapterID, segmentID int64, viewer *store.Reader) (map[string]any, error) {
	views, err := s.store.ListSegmentReviews(ctx, bookID, chapterID, segmentID)
	if err != nil {
		return nil, dbError(err)
	}
	return map[string]any{"list": serializeReviews(views, viewer)}, nil
}

type AddReviewInput struct {
	BookID      int64  `json:"book_id"`
	ChapterName string `json:"chapter_name"`
	SegmentID   int64  `json:"segment_id"`
	Type        int    `json:"type"`
	Content     string `json:"content"`
	RootID      int64  `json:"root_id"`
	QuoteID     int64  `json:"quote_id"`
}

// AddReview creates a review, assigns its floor number and bumps the
// update_time of the quoted and root reviews so their authors see new
// activity. A dangling quote or root reference is skipped.
func (s *Service) AddReview(ctx context.Context, reader store.Reader, input AddReviewInput, remoteIP string) (map[string]any, error) {
	if input.BookID <= 0 || strings.TrimSpace(input.ChapterName) == "" {
		return nil, errParamsInvalid()
	}

	ch, err := s.resolver.ResolveOrCreate(ctx, input.BookID, input.ChapterName)
	if err != nil {
		return nil, dbError(err)
	}

	now := time.Now()
	review := store.Review{
		BookID:     input.BookID,
		ChapterID:  ch.ID,
		SegmentID:  input.SegmentID,
		Type:       input.Type,
		Content:    input.Content,
		Geo:        remoteIP,
		CreateTime: now,
		UpdateTime: now,
		UserID:     reader.ID,
		RootID:     input.RootID,
		QuoteID:    input.QuoteID,
	}
	if err := s.store.InsertReview(ctx, &review); err != nil {
		return nil, dbError(err)
	}

	if review.QuoteID != 0 {
		if _, err := s.store.TouchReview(ctx, review.QuoteID, time.Now()); err != nil {
			return nil, dbError(err)
		}
	}
	if review.RootID != 0 {
		if _, err := s.store.TouchReview(ctx, review.RootID, time.Now()); err != nil {
			return nil, dbError(err)
		}
	}

	view, err := s.store.GetReviewView(ctx, review.ID)
	if err != nil {
		return nil, dbError(err)
	}
	return serializeReview(view, &reader), nil
}

// ReviewsForMe lists the requesting reader's reviews that have seen activity
// since their last-read marker, or since creation when no marker exists.
func (s *Service) ReviewsForMe(ctx context.Context, reader store.Reader, countOnly bool) (map[string]any, error) {
	if countOnly {
		count, err := s.store.CountReaderReviews(ctx, reader.ID, reader.LastRead)
		if err != nil {
			return nil, dbError(err)
		}
		return map[string]any{"count": count}, nil
	}
	views, err := s.store.ListReaderReviews(ctx, reader.ID, reader.LastRead)
	if err != nil {
		return nil, dbError(err)
	}
	return map[string]any{"list": serializeReviews(views, &reader)}, nil
}

// SignUp registers a reader and mails them a generated password.
func (s *Service) SignUp(ctx context.Context, email, nickname string) error {
	email = strings.TrimSpace(email)
	nickname = strings.TrimSpace(nickname)
	if email == "" || nickname == "" {
		return errParamsInvalid()
	}
	if !reEmail.MatchString(email) {
		return domainError(codeEmailInvalid, "invalid email")
	}
	if n := utf8.RuneCountInString(nickname); n < 2 || n > 50 {
		return domainError(codeNicknameInvalid, "invalid nickname")
	}

	existing, err := s.store.GetReaderByEmail(ctx, email)
	if err == nil && existing.ID != 0 {
		return domainError(codeUserExist, "email already taken")
	}
	if err != nil && !isNotFound(err) {
		return dbError(err)
	}

	now := time.Now()
	reader := store.Reader{
		Email:      email,
		Nickname:   nickname,
		Avatar:     s.cfg.AvatarService + "/avatar/" + md5Hex(email),
		IsActive:   true,
		CreateTime: now,
		UpdateTime: now,
		AccessTime: now,
	}
	password := credential.ResetPassword(&reader)
	if err := s.store.CreateReader(ctx, &reader); err != nil {
		return dbError(err)
	}

	s.sendPasswordMail(reader, password)
	return nil
}

// SignIn authenticates a reader by email and password and bumps their
// access time.
func (s *Service) SignIn(ctx context.Context, email, password string) (store.Reader, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	password = strings.TrimSpace(password)
	if email == "" || password == "" {
		return store.Reader{}, domainError(codeParamsInvalid, "wrong email or password")
	}
	reader, err := s.store.GetReaderByEmail(ctx, email)
	if err != nil {
		if isNotFound(err) {
			return store.Reader{}, domainError(codeNoUser, "no such user")
		}
		return store.Reader{}, dbError(err)
	}
	if !credential.VerifyPassword(&reader, password) {
		return store.Reader{}, domainError(codeParamsInvalid, "wrong email or password")
	}
	if !credential.CanLogin(&reader) {
		return store.Reader{}, domainError(codePermission, "login not permitted")
	}
	if err := s.store.TouchReaderAccess(ctx, reader.ID, time.Now()); err != nil {
		return store.Reader{}, dbError(err)
	}
	return reader, nil
}

type UpdateProfileInput struct {
	Nickname  string `json:"nickname"`
	Password0 string `json:"password0"`
	Password1 string `json:"password1"`
}

// UpdateProfile changes the reader's nickname and, when the old password
// checks out, their password.
func (s *Service) UpdateProfile(ctx context.Context, reader store.Reader, input UpdateProfileInput) (store.Reader, error) {
	nickname := strings.TrimSpace(input.Nickname)
	if nickname != "" {
		if utf8.RuneCountInString(nickname) < 3 {
			return store.Reader{}, domainError(codeNicknameInvalid, "invalid nickname")
		}
		reader.Nickname = nickname
	}

	p0 := strings.TrimSpace(input.Password0)
	p1 := strings.TrimSpace(input.Password1)
	if p0 != "" {
		if !credential.VerifyPassword(&reader, p0) {
			return store.Reader{}, domainError(codePasswordError, "wrong password")
		}
		if len(p1) < 8 || len(p1) > 20 || !rePassword.MatchString(p1) {
			return store.Reader{}, domainError(codePasswordInvalid, "invalid password")
		}
		log.Printf("reader %d changed password", reader.ID)
		credential.SetPassword(&reader, p1)
	}

	reader.UpdateTime = time.Now()
	if err := s.store.UpdateReader(ctx, reader); err != nil {
		return store.Reader{}, dbError(err)
	}
	return reader, nil
}

// ResetPassword generates a fresh password for the account and mails it.
func (s *Service) ResetPassword(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return errParamsInvalid()
	}
	reader, err := s.store.GetReaderByEmail(ctx, email)
	if err != nil {
		if isNotFound(err) {
			return domainError(codeNoUser, "no such user")
		}
		return dbError(err)
	}
	password := credential.ResetPassword(&reader)
	reader.UpdateTime = time.Now()
	if err := s.store.UpdateReader(ctx, reader); err != nil {
		return dbError(err)
	}
	s.sendPasswordMail(reader, password)
	return nil
}

// ReaderData builds the profile payload for /api/user/info and sign-in.
func (s *Service) ReaderData(reader store.Reader) map[string]any {
	return map[string]any{
		"id":          reader.ID,
		"email":       reader.Email,
		"nickname":    reader.Nickname,
		"avatar":      reader.Avatar,
		"permission":  reader.Permission,
		"create_time": reader.CreateTime.Format(timeFormat),
		"update_time": reader.UpdateTime.Format(timeFormat),
	}
}

// GetReader loads a reader by id for the session gate.
func (s *Service) GetReader(ctx context.Context, id int64) (store.Reader, error) {
	return s.store.GetReaderByID(ctx, id)
}

// sendPasswordMail queues the one-time password notification. Delivery is
// fire-and-forget: a full queue or missing SMTP config is logged, never
// surfaced to the caller.
func (s *Service) sendPasswordMail(reader store.Reader, password string) {
	if s.cfg.SMTPServer == "" {
		log.Printf("mail not configured, skipping password mail to %s", reader.Email)
		return
	}
	task, err := tasks.NewTask(mail.TaskKind, mail.Message{
		From:    s.cfg.SMTPUsername,
		To:      reader.Email,
		Subject: s.cfg.SiteTitle + " - your new password",
		Body:    mail.ResetBody(s.cfg.SiteTitle, reader.Nickname, password),
	})
	if err != nil {
		log.Printf("build password mail task: %v", err)
		return
	}
	if err := s.tasks.Submit(task); err != nil {
		log.Printf("queue password mail for %s: %v", reader.Email, err)
	}
}

func serializeReviews(views []store.ReviewView, viewer *store.Reader) []map[string]any {
	out := make([]map[string]any, 0, len(views))
	for _, v := range views {
		out = append(out, serializeReview(v, viewer))
	}
	return out
}

// serializeReview maps a review onto the external field names the reading
// clients expect.
func serializeReview(v store.ReviewView, viewer *store.Reader) map[string]any {
	d := map[string]any{
		"reviewId":      v.ID,
		"cbid":          v.BookID,
		"ccid":          v.ChapterID,
		"bookId":        v.BookID,
		"chapterId":     v.ChapterID,
		"content":       v.Content,
		"segmentId":     v.SegmentID,
		"type":          v.Type,
		"geo":           v.Geo,
		"level":         v.Level,
		"createTime":    v.CreateTime.Format(timeFormat),
		"updateTime":    v.UpdateTime.Format(timeFormat),
		"userId":        v.UserID,
		"avatar":        v.Avatar,
		"nickName":      v.Nickname,
		"rootReviewId":  v.RootID,
		"quoteReviewId": v.QuoteID,
		"quoteContent":  "",
		"quoteUserId":   int64(0),
		"quoteNickName": "",
		"isSelf":        false,
	}
	if v.QuoteID != 0 {
		d["quoteContent"] = v.QuoteContent
		d["quoteUserId"] = v.QuoteUserID
		d["quoteNickName"] = v.QuoteNickname
	}
	if viewer != nil {
		d["isSelf"] = v.UserID == viewer.ID
	}
	return d
}

func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
