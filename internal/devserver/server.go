// Package devserver is a reference implementation of the remote field-ops
// API. It applies every mutation id at most once, accepts direct and
// chunked photo uploads, publishes realtime events, and lets tests script
// conflicts and outages.
package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	gosync "sync"

	"github.com/gin-gonic/gin"

	"github.com/kimhsiao/fieldsync/internal/clock"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/remote"
	"github.com/kimhsiao/fieldsync/internal/sync/photo"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

// maxPhotoSize bounds a single upload.
const maxPhotoSize = 64 << 20

// Conflict is a scripted conflict reply.
type Conflict struct {
	// AsStatus409 selects the 409 {code:"CONFLICT"} form instead of
	// 200 {conflict:true}.
	AsStatus409 bool
	ServerData  json.RawMessage
	Message     string
	// Times is how many requests receive the conflict; 0 means every one.
	Times int
}

type chunkSession struct {
	init     photo.ChunkedInit
	next     int
	data     []byte
	complete bool
}

// Server holds the in-memory remote state.
type Server struct {
	engine *gin.Engine
	hub    *Hub
	clock  clock.Clock
	log    *logging.Logger
	newID  uuid.Generator
	cancel context.CancelFunc

	mu            gosync.Mutex
	applied       map[string]models.MutationType
	byType        map[models.MutationType]int
	requests      int
	conflictsByID map[string]*Conflict
	conflictsByTy map[models.MutationType]*Conflict
	failNext      int
	offline       bool
	attendance    map[string]models.AttendanceStatus
	manifests     map[string]models.ManifestEntry
	photos        map[string][]byte
	sessions      map[string]*chunkSession
}

// Option configures a Server.
type Option func(*Server)

// WithClock sets the server clock.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithLogger sets the server logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New creates a Server and starts its realtime hub. Close stops the hub.
func New(opts ...Option) *Server {
	s := &Server{
		clock:         clock.Real(),
		log:           logging.Get().Named("devserver"),
		newID:         uuid.New,
		applied:       make(map[string]models.MutationType),
		byType:        make(map[models.MutationType]int),
		conflictsByID: make(map[string]*Conflict),
		conflictsByTy: make(map[models.MutationType]*Conflict),
		attendance:    make(map[string]models.AttendanceStatus),
		manifests:     make(map[string]models.ManifestEntry),
		photos:        make(map[string][]byte),
		sessions:      make(map[string]*chunkSession),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.hub = NewHub(s.clock, s.log)
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.hub.Run(ctx)

	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Hub returns the realtime hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close stops the realtime hub and disconnects its clients.
func (s *Server) Close() {
	s.cancel()
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.outage())

	r.GET("/health", s.health)
	r.POST("/sync", s.sync)
	r.POST("/photos", s.uploadDirect)
	r.POST("/photos/chunked", s.chunkedControl)
	r.PUT("/photos/chunked", s.uploadChunk)
	r.GET("/files/:id", s.file)
	r.GET("/realtime", func(c *gin.Context) { s.hub.ServeWS(c.Writer, c.Request) })
	r.GET("/attendance/:trip/:guide", s.getAttendance)
	r.GET("/stats", s.stats)
	return r
}

// =====================================================
// Scripting
// =====================================================

// ScriptConflict makes requests for mutation id answer with c.
func (s *Server) ScriptConflict(id string, c Conflict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflictsByID[id] = &c
}

// ScriptConflictForType makes every request of type t answer with c.
func (s *Server) ScriptConflictForType(t models.MutationType, c Conflict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflictsByTy[t] = &c
}

// FailNext makes the next n sync requests return 503.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// SetOffline makes every endpoint return 503 while on.
func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// SetAttendance seeds the server's attendance state.
func (s *Server) SetAttendance(tripID, guideID string, st models.AttendanceStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attendance[models.AttendanceKey(tripID, guideID)] = st
}

// Applied reports whether mutation id has been applied.
func (s *Server) Applied(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.applied[id]
	return ok
}

// Stats is a snapshot of server counters.
type Stats struct {
	Requests int                         `json:"requests"`
	Applied  int                         `json:"applied"`
	ByType   map[models.MutationType]int `json:"byType"`
	Photos   int                         `json:"photos"`
}

// Stats returns the server counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	byType := make(map[models.MutationType]int, len(s.byType))
	for k, v := range s.byType {
		byType[k] = v
	}
	return Stats{Requests: s.requests, Applied: len(s.applied), ByType: byType, Photos: len(s.photos)}
}

// Photo returns stored photo bytes by id.
func (s *Server) Photo(id string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.photos[id]
	return data, ok
}

// =====================================================
// Handlers
// =====================================================

func (s *Server) outage() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		offline := s.offline
		s.mu.Unlock()
		if offline {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "offline"})
			return
		}
		c.Next()
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "fieldsync-devserver"})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.Stats())
}

func (s *Server) getAttendance(c *gin.Context) {
	s.mu.Lock()
	st, ok := s.attendance[models.AttendanceKey(c.Param("trip"), c.Param("guide"))]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) sync(c *gin.Context) {
	var req remote.SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ID == "" || !req.Type.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id and a known type are required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++

	if s.failNext > 0 {
		s.failNext--
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
		return
	}
	if _, done := s.applied[req.ID]; done {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	if conflict := s.takeConflict(req); conflict != nil {
		s.log.Info("Scripted conflict", map[string]interface{}{"id": req.ID, "type": string(req.Type)})
		body := gin.H{"message": conflict.Message}
		if len(conflict.ServerData) > 0 {
			body["serverData"] = conflict.ServerData
		}
		if conflict.AsStatus409 {
			body["code"] = "CONFLICT"
			c.JSON(http.StatusConflict, body)
			return
		}
		body["conflict"] = true
		c.JSON(http.StatusOK, body)
		return
	}

	p, err := queue.DecodePayload(req.Type, req.Payload)
	if err == nil {
		err = p.Validate()
	}
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	s.apply(p)
	s.applied[req.ID] = req.Type
	s.byType[req.Type]++
	c.JSON(http.StatusOK, gin.H{})
}

// takeConflict returns the scripted conflict for req, consuming one use.
// Caller holds s.mu.
func (s *Server) takeConflict(req remote.SyncRequest) *Conflict {
	if c, ok := s.conflictsByID[req.ID]; ok {
		if c.Times > 0 {
			c.Times--
			if c.Times == 0 {
				delete(s.conflictsByID, req.ID)
			}
		}
		return c
	}
	if c, ok := s.conflictsByTy[req.Type]; ok {
		if c.Times > 0 {
			c.Times--
			if c.Times == 0 {
				delete(s.conflictsByTy, req.Type)
			}
		}
		return c
	}
	return nil
}

// apply updates server state for a mutation and publishes the change.
// Caller holds s.mu.
func (s *Server) apply(p queue.Payload) {
	now := clock.NowMillis(s.clock)
	switch v := p.(type) {
	case queue.CheckInPayload:
		key := models.AttendanceKey(v.TripID, v.GuideID)
		st := s.attendance[key]
		st.CheckedIn = true
		at := v.Timestamp
		if at == 0 {
			at = now
		}
		st.CheckInTime = &at
		s.attendance[key] = st
		s.hub.Broadcast(EventAttendanceUpdated, attendanceEvent{TripID: v.TripID, GuideID: v.GuideID, Status: st})

	case queue.CheckOutPayload:
		key := models.AttendanceKey(v.TripID, v.GuideID)
		st := s.attendance[key]
		st.CheckedOut = true
		at := v.Timestamp
		if at == 0 {
			at = now
		}
		st.CheckOutTime = &at
		s.attendance[key] = st
		s.hub.Broadcast(EventAttendanceUpdated, attendanceEvent{TripID: v.TripID, GuideID: v.GuideID, Status: st})

	case queue.UpdateManifestPayload:
		e := s.manifestEntry(v.TripID, v.EntryID)
		if v.Boarded != nil {
			e.Boarded = *v.Boarded
		}
		if v.Returned != nil {
			e.Returned = *v.Returned
		}
		e.UpdatedAt = now
		s.manifests[e.ID] = e
		s.hub.Broadcast(EventManifestUpdated, e)

	case queue.UpdateManifestDetailsPayload:
		e := s.manifestEntry(v.TripID, v.EntryID)
		if e.Details == nil {
			e.Details = make(map[string]interface{})
		}
		for k, val := range v.Details {
			e.Details[k] = val
		}
		e.UpdatedAt = now
		s.manifests[e.ID] = e
		s.hub.Broadcast(EventManifestUpdated, e)

	case queue.ChatMessagePayload:
		s.hub.Broadcast(EventChatMessage, v)
	}
}

func (s *Server) manifestEntry(tripID, entryID string) models.ManifestEntry {
	e, ok := s.manifests[entryID]
	if !ok {
		e = models.ManifestEntry{ID: entryID, TripID: tripID}
	}
	return e
}

type attendanceEvent struct {
	TripID  string                  `json:"tripId"`
	GuideID string                  `json:"guideId"`
	Status  models.AttendanceStatus `json:"status"`
}

// PublishSOS broadcasts an SOS alert to realtime subscribers.
func (s *Server) PublishSOS(tripID, guideID string, at models.Coordinates, message string) {
	s.hub.Broadcast(EventSOSAlert, map[string]interface{}{
		"tripId":      tripID,
		"guideId":     guideID,
		"coordinates": at,
		"message":     message,
	})
}

// PublishTrip broadcasts a trip change.
func (s *Server) PublishTrip(t models.Trip) {
	s.hub.Broadcast(EventTripUpdated, t)
}

func (s *Server) uploadDirect(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if c.PostForm("type") == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type is required"})
		return
	}
	if fh.Size > maxPhotoSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "photo too large"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": s.storePhoto(c, data)})
}

type controlRequest struct {
	UploadID string `json:"uploadId"`
	Action   string `json:"action"`
	photo.ChunkedInit
}

func (s *Server) chunkedControl(c *gin.Context) {
	var req controlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.UploadID == "" {
		req.UploadID = s.newID()
	}

	if req.Action == "finalize" {
		s.finalize(c, req.UploadID)
		return
	}

	if req.TotalChunks <= 0 || req.FileSize <= 0 || req.FileSize > maxPhotoSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "totalChunks and fileSize are required"})
		return
	}
	s.mu.Lock()
	s.sessions[req.UploadID] = &chunkSession{init: req.ChunkedInit}
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"uploadId": req.UploadID})
}

func (s *Server) uploadChunk(c *gin.Context) {
	uploadID := c.PostForm("uploadId")
	index, err := strconv.Atoi(c.PostForm("chunkIndex"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chunkIndex is required"})
		return
	}
	fh, err := c.FormFile("chunk")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chunk is required"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[uploadID]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown upload"})
		return
	}
	if index != sess.next {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("expected chunk %d, got %d", sess.next, index)})
		return
	}
	sess.data = append(sess.data, data...)
	sess.next++
	c.JSON(http.StatusOK, gin.H{"received": sess.next})
}

func (s *Server) finalize(c *gin.Context, uploadID string) {
	s.mu.Lock()
	sess, ok := s.sessions[uploadID]
	if ok {
		delete(s.sessions, uploadID)
	}
	s.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown upload"})
		return
	}
	if sess.next != sess.init.TotalChunks || int64(len(sess.data)) != sess.init.FileSize {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("incomplete upload: %d/%d chunks, %d/%d bytes",
				sess.next, sess.init.TotalChunks, len(sess.data), sess.init.FileSize),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": s.storePhoto(c, sess.data)})
}

func (s *Server) storePhoto(c *gin.Context, data []byte) string {
	id := s.newID()
	s.mu.Lock()
	s.photos[id] = data
	s.mu.Unlock()
	return fmt.Sprintf("http://%s/files/%s", c.Request.Host, id)
}

func (s *Server) file(c *gin.Context) {
	data, ok := s.Photo(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}
