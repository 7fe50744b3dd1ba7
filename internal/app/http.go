package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"weave/api/internal/align"
	"weave/api/internal/baseline"
	"weave/api/internal/hub"
	"weave/api/internal/membership"
	"weave/api/internal/room"
	"weave/api/internal/search"
	"weave/api/internal/util"
)

// ArchiveStore lists and retrieves the byte-level document exports the
// merge coordinator uploads before retiring a source document.
type ArchiveStore interface {
	List(ctx context.Context, docID string) ([]string, error)
	Fetch(ctx context.Context, key string) ([]byte, error)
}

type HTTPServer struct {
	hub        *hub.Hub
	rooms      *membership.Service
	search     *search.Service
	baselines  *baseline.Service
	align      *align.Service
	archives   ArchiveStore
	corsOrigin string

	// ping checks the database; nil when no database is configured.
	ping func(ctx context.Context) error
}

func NewHTTPServer(h *hub.Hub, rooms *membership.Service, searcher *search.Service,
	baselines *baseline.Service, aligner *align.Service, archives ArchiveStore,
	corsOrigin string, ping func(ctx context.Context) error) *HTTPServer {
	return &HTTPServer{
		hub:        h,
		rooms:      rooms,
		search:     searcher,
		baselines:  baselines,
		align:      aligner,
		archives:   archives,
		corsOrigin: corsOrigin,
		ping:       ping,
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

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	parts := splitPath(r.URL.Path)

	// The mutation channel itself: /ws/rooms/{roomID}
	if len(parts) == 3 && parts[0] == "ws" && parts[1] == "rooms" {
		s.hub.ServeRoom(w, r, parts[2])
		return
	}

	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "rooms" {
		s.handleRooms(w, r, parts[2:])
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "share-links" {
		s.handleShareLinks(w, r, parts[2:])
		return
	}

	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "docs" {
		s.handleDocArchives(w, r, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}

	if s.ping != nil {
		checks["database"] = map[string]any{"status": "ok"}
		if err := s.ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleRooms(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		s.handleCreateRoom(w, r)
	case len(rest) == 0 && r.Method == http.MethodGet:
		s.handleListRooms(w, r)
	case len(rest) == 1 && r.Method == http.MethodGet:
		s.handleGetRoom(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "state" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.hub.Snapshot(rest[0]))
	case len(rest) == 2 && rest[1] == "search" && r.Method == http.MethodGet:
		s.handleSearch(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "share-links" && r.Method == http.MethodPost:
		s.handleCreateShareLink(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "baselines" && r.Method == http.MethodGet:
		s.handleBaselineHistory(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "baselines" && r.Method == http.MethodPost:
		s.handleBaselineCheckpoint(w, r, rest[0])
	case len(rest) == 3 && rest[1] == "baselines" && r.Method == http.MethodGet:
		s.handleBaselineByHash(w, r, rest[0], rest[2])
	case len(rest) == 2 && rest[1] == "coverage" && r.Method == http.MethodPost:
		s.handleCoverage(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "suggestions" && r.Method == http.MethodPost:
		s.handleApplySuggestion(w, r, rest[0])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	if s.rooms == nil {
		writeError(w, http.StatusNotImplemented, "NO_MEMBERSHIP", "Room registry not configured", nil)
		return
	}
	var body struct {
		Name   string `json:"name"`
		UserID string `json:"userId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.Name) == "" || body.UserID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "name and userId are required", nil)
		return
	}
	created, err := s.rooms.CreateRoom(r.Context(), body.Name, body.UserID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleListRooms(w http.ResponseWriter, r *http.Request) {
	if s.rooms == nil {
		writeError(w, http.StatusNotImplemented, "NO_MEMBERSHIP", "Room registry not configured", nil)
		return
	}
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "userId is required", nil)
		return
	}
	rooms, err := s.rooms.RoomsForUser(r.Context(), userID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if rooms == nil {
		rooms = []membership.Room{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

func (s *HTTPServer) handleGetRoom(w http.ResponseWriter, r *http.Request, roomID string) {
	if s.rooms == nil {
		writeError(w, http.StatusNotImplemented, "NO_MEMBERSHIP", "Room registry not configured", nil)
		return
	}
	info, err := s.rooms.Room(r.Context(), roomID)
	if err != nil {
		s.fail(w, err)
		return
	}
	members, err := s.rooms.Members(r.Context(), roomID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"room":    info,
		"members": members,
		"online":  s.hub.RoomSize(roomID),
	})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, roomID string) {
	q := search.Query{
		Text:         r.URL.Query().Get("q"),
		FilterRoomID: roomID,
		FilterType:   search.ResultType(r.URL.Query().Get("type")),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		q.Limit, _ = strconv.Atoi(limit)
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		q.Offset, _ = strconv.Atoi(offset)
	}
	writeJSON(w, http.StatusOK, s.search.Search(q))
}

func (s *HTTPServer) handleCreateShareLink(w http.ResponseWriter, r *http.Request, roomID string) {
	if s.rooms == nil {
		writeError(w, http.StatusNotImplemented, "NO_MEMBERSHIP", "Room registry not configured", nil)
		return
	}
	var body struct {
		Role           string `json:"role"`
		Password       string `json:"password"`
		UserID         string `json:"userId"`
		ExpiresInHours int    `json:"expiresInHours"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	var expiresAt *time.Time
	if body.ExpiresInHours > 0 {
		t := time.Now().Add(time.Duration(body.ExpiresInHours) * time.Hour)
		expiresAt = &t
	}
	link, err := s.rooms.CreateShareLink(r.Context(), roomID, body.Role, body.Password, body.UserID, expiresAt)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":     link.Token,
		"roomId":    link.RoomID,
		"role":      link.Role,
		"expiresAt": link.ExpiresAt,
	})
}

func (s *HTTPServer) handleShareLinks(w http.ResponseWriter, r *http.Request, rest []string) {
	if s.rooms == nil {
		writeError(w, http.StatusNotImplemented, "NO_MEMBERSHIP", "Room registry not configured", nil)
		return
	}
	token := rest[0]
	switch {
	case len(rest) == 2 && rest[1] == "redeem" && r.Method == http.MethodPost:
		var body struct {
			Password string `json:"password"`
			UserID   string `json:"userId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
			return
		}
		if body.UserID == "" {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "userId is required", nil)
			return
		}
		joined, err := s.rooms.RedeemShareLink(r.Context(), token, body.Password, body.UserID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"room": joined})

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.rooms.RevokeShareLink(r.Context(), token); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleBaselineHistory(w http.ResponseWriter, r *http.Request, roomID string) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	history, err := s.baselines.History(roomID, limit)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"baselines": []baseline.CommitInfo{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"baselines": history})
}

func (s *HTTPServer) handleBaselineCheckpoint(w http.ResponseWriter, r *http.Request, roomID string) {
	var body struct {
		Author  string `json:"author"`
		Message string `json:"message"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	if body.Author == "" {
		body.Author = "system"
	}
	if body.Message == "" {
		body.Message = "Manual checkpoint"
	}
	info, err := s.baselines.Commit(roomID, s.hub.Snapshot(roomID), body.Author, body.Message)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *HTTPServer) handleBaselineByHash(w http.ResponseWriter, r *http.Request, roomID, hash string) {
	snap, err := s.baselines.SnapshotByHash(roomID, hash)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Baseline not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleDocArchives serves the snapshot archive of one replicated text
// document: list the archived keys, or download one export for restore.
func (s *HTTPServer) handleDocArchives(w http.ResponseWriter, r *http.Request, rest []string) {
	if s.archives == nil {
		writeError(w, http.StatusNotImplemented, "NO_ARCHIVE", "Document archive not configured", nil)
		return
	}
	switch {
	case len(rest) == 2 && rest[1] == "archives" && r.Method == http.MethodGet:
		keys, err := s.archives.List(r.Context(), rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		if keys == nil {
			keys = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"archives": keys})

	case len(rest) == 3 && rest[1] == "archives" && r.Method == http.MethodGet:
		key := rest[0] + "/" + rest[2]
		state, err := s.archives.Fetch(r.Context(), key)
		if err != nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Archive not found", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"key": key, "state": state})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// handleCoverage is advisory: upstream failures return a null report
// rather than an error, so the writing flow never blocks on analysis.
func (s *HTTPServer) handleCoverage(w http.ResponseWriter, r *http.Request, roomID string) {
	var body struct {
		Texts map[string]string `json:"texts"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	if s.align == nil || !s.align.IsConfigured() {
		writeJSON(w, http.StatusOK, map[string]any{"report": nil})
		return
	}
	report, err := s.align.Analyze(r.Context(), s.hub.Snapshot(roomID), body.Texts)
	if err != nil {
		log.Printf("align: analyze room %s: %v", roomID, err)
		writeJSON(w, http.StatusOK, map[string]any{"report": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

func (s *HTTPServer) handleApplySuggestion(w http.ResponseWriter, r *http.Request, roomID string) {
	var sug align.Suggestion
	if err := decodeBody(r, &sug); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	if strings.TrimSpace(sug.Content) == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "content is required", nil)
		return
	}

	st := room.NewState()
	st.Replace(s.hub.Snapshot(roomID))
	cmd := align.Translate(st, sug, func() string { return util.NewID("blk") })
	if cmd == nil {
		writeError(w, http.StatusConflict, "STALE_ANCHOR", "Suggestion anchor no longer exists", nil)
		return
	}
	if err := s.hub.Issue(roomID, *cmd); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"blockId": cmd.Block.ID})
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, membership.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, membership.ErrLinkExpired):
		return http.StatusGone, "LINK_EXPIRED", "Share link expired", nil
	case errors.Is(err, membership.ErrBadPassword):
		return http.StatusForbidden, "BAD_PASSWORD", "Wrong password", nil
	default:
		return http.StatusInternalServerError, "INTERNAL", "Internal error", nil
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

		// Websocket upgrades manage their own connection; skip the
		// JSON headers and the status recorder wrapping.
		if strings.HasPrefix(r.URL.Path, "/ws/") {
			next.ServeHTTP(w, r)
			return
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

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
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
