package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"brs/api/internal/auth"
	"brs/api/internal/config"
	"brs/api/internal/store"
)

const (
	cookieUserID    = "user_id"
	cookieLoginTime = "lt"
)

type HTTPServer struct {
	service *Service
	cfg     config.Config
	secret  []byte
}

func NewHTTPServer(service *Service, cfg config.Config) *HTTPServer {
	return &HTTPServer{
		service: service,
		cfg:     cfg,
		secret:  []byte(cfg.CookieSecret),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/" {
		s.handleStats(w, r)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := s.service.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/review/book" {
		s.handleReviewBook(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/review/summary" {
		s.handleReviewSummary(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/review/list" {
		s.handleReviewList(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/review/add" {
		s.handleReviewAdd(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/review/me" {
		s.handleReviewMe(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/user/sign_up" {
		s.handleSignUp(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/user/sign_in" {
		s.handleSignIn(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/user/sign_out" {
		s.handleSignOut(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/user/info" {
		s.handleUserInfo(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/user/update" {
		s.handleUserUpdate(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/user/reset" {
		s.handleUserReset(w, r)
		return
	}

	writeJSON(w, http.StatusNotFound, map[string]any{"err": codeException, "msg": "not found"})
}

// handleStats serves plain-text table counts on the root path.
func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.Stats(r.Context())
	if err != nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, "unavailable")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "%s\n", s.cfg.SiteTitle)
	fmt.Fprintf(w, "readers: %d\n", stats.Readers)
	fmt.Fprintf(w, "books: %d\n", stats.Books)
	fmt.Fprintf(w, "chapters: %d\n", stats.Chapters)
	fmt.Fprintf(w, "reviews: %d\n", stats.Reviews)
}

func (s *HTTPServer) handleReviewBook(w http.ResponseWriter, r *http.Request) {
	data, err := s.service.ResolveBook(r.Context(), r.URL.Query().Get("title"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, data)
}

func (s *HTTPServer) handleReviewSummary(w http.ResponseWriter, r *http.Request) {
	bookID, ok := digitParam(r, "book_id")
	chapterName := strings.TrimSpace(r.URL.Query().Get("chapter_name"))
	if !ok || chapterName == "" {
		writeErr(w, errParamsInvalid())
		return
	}
	data, err := s.service.Summary(r.Context(), bookID, chapterName)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, data)
}

func (s *HTTPServer) handleReviewList(w http.ResponseWriter, r *http.Request) {
	bookID, ok1 := digitParam(r, "book_id")
	chapterID, ok2 := digitParam(r, "chapter_id")
	segmentID, ok3 := digitParam(r, "segment_id")
	if !ok1 || !ok2 || !ok3 {
		writeErr(w, errParamsInvalid())
		return
	}
	viewer := s.currentReader(w, r)
	data, err := s.service.ListReviews(r.Context(), bookID, chapterID, segmentID, viewer)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, data)
}

func (s *HTTPServer) handleReviewAdd(w http.ResponseWriter, r *http.Request) {
	reader := s.currentReader(w, r)
	if reader == nil {
		writeErr(w, errNeedLogin())
		return
	}
	var input AddReviewInput
	if err := decodeBody(r, &input); err != nil {
		writeErr(w, errParamsInvalid())
		return
	}
	data, err := s.service.AddReview(r.Context(), *reader, input, remoteIP(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, data)
}

func (s *HTTPServer) handleReviewMe(w http.ResponseWriter, r *http.Request) {
	reader := s.currentReader(w, r)
	if reader == nil {
		writeErr(w, errNeedLogin())
		return
	}
	countOnly := strings.TrimSpace(r.URL.Query().Get("count")) != ""
	data, err := s.service.ReviewsForMe(r.Context(), *reader, countOnly)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, data)
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	if err := s.service.SignUp(r.Context(), r.FormValue("email"), r.FormValue("nickname")); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	reader, err := s.service.SignIn(r.Context(), r.FormValue("email"), r.FormValue("password"))
	if err != nil {
		writeErr(w, err)
		return
	}
	log.Printf("login: %s - %d - %s", remoteIP(r), reader.ID, reader.Email)
	s.setLoginCookies(w, reader.ID)
	writeOK(w, s.service.ReaderData(reader))
}

func (s *HTTPServer) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if s.currentReader(w, r) == nil {
		writeErr(w, errNeedLogin())
		return
	}
	s.clearLoginCookies(w)
	writeEnvelope(w, codeOK, "signed out", nil)
}

func (s *HTTPServer) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	reader := s.currentReader(w, r)
	if reader == nil {
		writeErr(w, errNeedLogin())
		return
	}
	writeOK(w, s.service.ReaderData(*reader))
}

func (s *HTTPServer) handleUserUpdate(w http.ResponseWriter, r *http.Request) {
	reader := s.currentReader(w, r)
	if reader == nil {
		writeErr(w, errNeedLogin())
		return
	}
	var input UpdateProfileInput
	if err := decodeBody(r, &input); err != nil {
		writeErr(w, errParamsInvalid())
		return
	}
	updated, err := s.service.UpdateProfile(r.Context(), *reader, input)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, s.service.ReaderData(updated))
}

func (s *HTTPServer) handleUserReset(w http.ResponseWriter, r *http.Request) {
	if err := s.service.ResetPassword(r.Context(), r.FormValue("email")); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

// currentReader resolves the requesting reader from the session cookies, and
// falls back to HTTP Basic credentials, logging the reader in (setting both
// cookies) when they check out. Returns nil when no identity is established.
func (s *HTTPServer) currentReader(w http.ResponseWriter, r *http.Request) *store.Reader {
	if id, ok := s.cookieUserID(r); ok {
		reader, err := s.service.GetReader(r.Context(), id)
		if err == nil {
			return &reader
		}
		if !isNotFound(err) {
			log.Printf("load session reader %d: %v", id, err)
		}
	}
	if email, password, ok := r.BasicAuth(); ok {
		reader, err := s.service.SignIn(r.Context(), email, password)
		if err == nil {
			s.setLoginCookies(w, reader.ID)
			return &reader
		}
	}
	return nil
}

// cookieUserID validates the lt/user_id cookie pair. The login timestamp
// must parse and be within the session TTL.
func (s *HTTPServer) cookieUserID(r *http.Request) (int64, bool) {
	lt, err := r.Cookie(cookieLoginTime)
	if err != nil {
		return 0, false
	}
	ltValue, err := auth.VerifyValue(s.secret, cookieLoginTime, lt.Value)
	if err != nil {
		return 0, false
	}
	loginUnix, err := strconv.ParseInt(ltValue, 10, 64)
	if err != nil {
		return 0, false
	}
	if time.Since(time.Unix(loginUnix, 0)) > s.cfg.SessionTTL {
		return 0, false
	}

	uid, err := r.Cookie(cookieUserID)
	if err != nil {
		return 0, false
	}
	uidValue, err := auth.VerifyValue(s.secret, cookieUserID, uid.Value)
	if err != nil {
		return 0, false
	}
	id, err := strconv.ParseInt(uidValue, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (s *HTTPServer) setLoginCookies(w http.ResponseWriter, readerID int64) {
	maxAge := int(s.cfg.SessionTTL / time.Second)
	http.SetCookie(w, &http.Cookie{
		Name:     cookieUserID,
		Value:    auth.SignValue(s.secret, cookieUserID, strconv.FormatInt(readerID, 10)),
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     cookieLoginTime,
		Value:    auth.SignValue(s.secret, cookieLoginTime, strconv.FormatInt(time.Now().Unix(), 10)),
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
	})
}

func (s *HTTPServer) clearLoginCookies(w http.ResponseWriter) {
	for _, name := range []string{cookieUserID, cookieLoginTime} {
		http.SetCookie(w, &http.Cookie{Name: name, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.cfg.CORSOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Printf("panic serving %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
					writeEnvelope(writer, codeException, "internal error", nil)
				}
			}()
			next.ServeHTTP(writer, r)
		}()

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Access-Control-Allow-Credentials", "true")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeEnvelope emits the API envelope. Errors travel in the err code, not
// the HTTP status: every envelope response is a 200.
func writeEnvelope(w http.ResponseWriter, code, msg string, data any) {
	response := map[string]any{
		"err": code,
		"msg": msg,
	}
	if data != nil {
		response["data"] = data
	}
	writeJSON(w, http.StatusOK, response)
}

func writeOK(w http.ResponseWriter, data any) {
	writeEnvelope(w, codeOK, "ok", data)
}

func writeErr(w http.ResponseWriter, err error) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		writeEnvelope(w, domainErr.Code, domainErr.Message, nil)
		return
	}
	log.Printf("unhandled error: %v", err)
	writeEnvelope(w, codeException, "internal error", nil)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return fmt.Errorf("empty body")
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// digitParam parses a query parameter that must be all digits.
func digitParam(r *http.Request, name string) (int64, bool) {
	value := strings.TrimSpace(r.URL.Query().Get(name))
	if value == "" {
		return 0, false
	}
	for _, c := range value {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func remoteIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
