package devserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := New(WithLogger(logging.Discard()))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return s, ts
}

func postSync(t *testing.T, ts *httptest.Server, id string, typ models.MutationType, payload string) (int, map[string]interface{}) {
	t.Helper()
	body := fmt.Sprintf(`{"id":%q,"type":%q,"payload":%s}`, id, typ, payload)
	resp, err := http.Post(ts.URL+"/sync", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /sync error = %v", err)
	}
	defer resp.Body.Close()
	out := map[string]interface{}{}
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		json.Unmarshal(data, &out)
	}
	return resp.StatusCode, out
}

const checkInJSON = `{"tripId":"trip-1","guideId":"guide-1","coordinates":{"latitude":25.03,"longitude":121.56},"timestamp":1700000000000}`

// =====================================================
// Sync endpoint Tests
// =====================================================

// TestHealth verifies the health probe.
func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

// TestSync_appliesOnce verifies a replayed id is acknowledged without a
// second application.
func TestSync_appliesOnce(t *testing.T) {
	s, ts := newTestServer(t)

	for i := 0; i < 3; i++ {
		if code, _ := postSync(t, ts, "m-1", models.MutationCheckIn, checkInJSON); code != http.StatusOK {
			t.Fatalf("attempt %d status = %d", i, code)
		}
	}

	if !s.Applied("m-1") {
		t.Error("m-1 not applied")
	}
	st := s.Stats()
	if st.Requests != 3 || st.Applied != 1 || st.ByType[models.MutationCheckIn] != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

// TestSync_rejectsBadRequests verifies unknown types and invalid payloads.
func TestSync_rejectsBadRequests(t *testing.T) {
	s, ts := newTestServer(t)

	if code, _ := postSync(t, ts, "m-1", "TELEPORT", `{}`); code != http.StatusBadRequest {
		t.Errorf("unknown type status = %d, want 400", code)
	}
	if code, _ := postSync(t, ts, "m-2", models.MutationCheckIn, `{"tripId":"t"}`); code != http.StatusUnprocessableEntity {
		t.Errorf("invalid payload status = %d, want 422", code)
	}
	if s.Stats().Applied != 0 {
		t.Error("bad requests were applied")
	}
}

// TestSync_conflictForms verifies both conflict reply shapes.
func TestSync_conflictForms(t *testing.T) {
	s, ts := newTestServer(t)
	server := json.RawMessage(`{"checkedIn":true,"isLate":true}`)

	s.ScriptConflict("m-409", Conflict{AsStatus409: true, ServerData: server, Message: "already checked in"})
	code, body := postSync(t, ts, "m-409", models.MutationCheckIn, checkInJSON)
	if code != http.StatusConflict || body["code"] != "CONFLICT" {
		t.Errorf("409 form = %d %v", code, body)
	}
	if _, ok := body["serverData"]; !ok {
		t.Error("409 reply missing serverData")
	}

	s.ScriptConflict("m-200", Conflict{Message: "stale"})
	code, body = postSync(t, ts, "m-200", models.MutationCheckIn, checkInJSON)
	if code != http.StatusOK || body["conflict"] != true {
		t.Errorf("200 form = %d %v", code, body)
	}
	if _, ok := body["serverData"]; ok {
		t.Error("serverData present without scripted data")
	}
	if s.Applied("m-409") || s.Applied("m-200") {
		t.Error("conflicting mutation was applied")
	}
}

// TestSync_conflictTimes verifies a limited script is consumed.
func TestSync_conflictTimes(t *testing.T) {
	s, ts := newTestServer(t)
	s.ScriptConflictForType(models.MutationCheckIn, Conflict{Times: 1})

	if _, body := postSync(t, ts, "m-1", models.MutationCheckIn, checkInJSON); body["conflict"] != true {
		t.Fatalf("first reply = %v, want conflict", body)
	}
	if _, body := postSync(t, ts, "m-1", models.MutationCheckIn, checkInJSON); body["conflict"] == true {
		t.Fatalf("second reply = %v, want success", body)
	}
	if !s.Applied("m-1") {
		t.Error("m-1 not applied after script consumed")
	}
}

// TestSync_outages verifies FailNext and SetOffline.
func TestSync_outages(t *testing.T) {
	s, ts := newTestServer(t)

	s.FailNext(2)
	for i := 0; i < 2; i++ {
		if code, _ := postSync(t, ts, "m-1", models.MutationCheckIn, checkInJSON); code != http.StatusServiceUnavailable {
			t.Errorf("attempt %d status = %d, want 503", i, code)
		}
	}
	if code, _ := postSync(t, ts, "m-1", models.MutationCheckIn, checkInJSON); code != http.StatusOK {
		t.Errorf("after FailNext status = %d", code)
	}

	s.SetOffline(true)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("offline health = %d", resp.StatusCode)
	}
}

// TestSync_attendanceState verifies check-in updates server attendance.
func TestSync_attendanceState(t *testing.T) {
	_, ts := newTestServer(t)
	postSync(t, ts, "m-1", models.MutationCheckIn, checkInJSON)

	resp, err := http.Get(ts.URL + "/attendance/trip-1/guide-1")
	if err != nil {
		t.Fatalf("GET attendance error = %v", err)
	}
	defer resp.Body.Close()
	var st models.AttendanceStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if !st.CheckedIn || st.CheckInTime == nil || *st.CheckInTime != 1700000000000 {
		t.Errorf("status = %+v", st)
	}
}

// =====================================================
// Photo endpoint Tests
// =====================================================

func multipartBody(t *testing.T, fields map[string]string, fileField string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		w.WriteField(k, v)
	}
	part, err := w.CreateFormFile(fileField, "blob")
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	part.Write(data)
	w.Close()
	return &buf, w.FormDataContentType()
}

// TestPhotos_direct verifies a direct upload is stored and served.
func TestPhotos_direct(t *testing.T) {
	s, ts := newTestServer(t)
	data := bytes.Repeat([]byte("p"), 4096)

	body, ct := multipartBody(t, map[string]string{"type": "receipt", "tripId": "trip-1"}, "file", data)
	resp, err := http.Post(ts.URL+"/photos", ct, body)
	if err != nil {
		t.Fatalf("POST /photos error = %v", err)
	}
	defer resp.Body.Close()
	var out struct{ URL string }
	json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(out.URL, ts.URL+"/files/") {
		t.Fatalf("upload = %d %q", resp.StatusCode, out.URL)
	}

	got, err := http.Get(out.URL)
	if err != nil {
		t.Fatalf("GET file error = %v", err)
	}
	defer got.Body.Close()
	served, _ := io.ReadAll(got.Body)
	if !bytes.Equal(served, data) {
		t.Errorf("served %d bytes, want %d", len(served), len(data))
	}
	if s.Stats().Photos != 1 {
		t.Errorf("Photos = %d", s.Stats().Photos)
	}
}

// TestPhotos_directRequiresType verifies metadata validation.
func TestPhotos_directRequiresType(t *testing.T) {
	_, ts := newTestServer(t)
	body, ct := multipartBody(t, nil, "file", []byte("x"))
	resp, err := http.Post(ts.URL+"/photos", ct, body)
	if err != nil {
		t.Fatalf("POST /photos error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func putChunk(t *testing.T, ts *httptest.Server, uploadID string, index int, data []byte) int {
	t.Helper()
	body, ct := multipartBody(t, map[string]string{"uploadId": uploadID, "chunkIndex": fmt.Sprint(index)}, "chunk", data)
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/photos/chunked", body)
	req.Header.Set("Content-Type", ct)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT chunk error = %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func postControl(t *testing.T, ts *httptest.Server, body string) (int, map[string]string) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/photos/chunked", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /photos/chunked error = %v", err)
	}
	defer resp.Body.Close()
	out := map[string]string{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

// TestPhotos_chunked verifies ordered chunks are assembled on finalize.
func TestPhotos_chunked(t *testing.T) {
	s, ts := newTestServer(t)

	code, out := postControl(t, ts, `{"uploadId":"up-1","fileName":"a.jpg","fileSize":6,"totalChunks":2,"metadata":{"type":"receipt"}}`)
	if code != http.StatusOK || out["uploadId"] != "up-1" {
		t.Fatalf("init = %d %v", code, out)
	}

	if code := putChunk(t, ts, "up-1", 1, []byte("def")); code != http.StatusConflict {
		t.Errorf("out-of-order chunk status = %d, want 409", code)
	}
	if code := putChunk(t, ts, "up-1", 0, []byte("abc")); code != http.StatusOK {
		t.Fatalf("chunk 0 status = %d", code)
	}
	if code := putChunk(t, ts, "up-1", 1, []byte("def")); code != http.StatusOK {
		t.Fatalf("chunk 1 status = %d", code)
	}

	code, out = postControl(t, ts, `{"uploadId":"up-1","action":"finalize"}`)
	if code != http.StatusOK || out["url"] == "" {
		t.Fatalf("finalize = %d %v", code, out)
	}
	id := out["url"][strings.LastIndex(out["url"], "/")+1:]
	if data, ok := s.Photo(id); !ok || string(data) != "abcdef" {
		t.Errorf("stored = %q, %v", data, ok)
	}
}

// TestPhotos_chunkedIncomplete verifies finalize rejects missing chunks.
func TestPhotos_chunkedIncomplete(t *testing.T) {
	_, ts := newTestServer(t)
	postControl(t, ts, `{"uploadId":"up-2","fileSize":6,"totalChunks":2,"metadata":{"type":"receipt"}}`)
	putChunk(t, ts, "up-2", 0, []byte("abc"))

	if code, _ := postControl(t, ts, `{"uploadId":"up-2","action":"finalize"}`); code != http.StatusBadRequest {
		t.Errorf("finalize status = %d, want 400", code)
	}
	if code, _ := postControl(t, ts, `{"uploadId":"up-2","action":"finalize"}`); code != http.StatusNotFound {
		t.Errorf("second finalize status = %d, want 404", code)
	}
}

// =====================================================
// Realtime Tests
// =====================================================

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/realtime"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Hub().ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want %d", s.Hub().ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return env
}

// TestRealtime_broadcastOnApply verifies applied mutations are published.
func TestRealtime_broadcastOnApply(t *testing.T) {
	s, ts := newTestServer(t)
	conn := dial(t, ts)
	waitClients(t, s, 1)

	postSync(t, ts, "m-1", models.MutationCheckIn, checkInJSON)

	env := readEnvelope(t, conn)
	if env.Type != EventAttendanceUpdated {
		t.Errorf("event type = %q", env.Type)
	}
	data, _ := env.Data.(map[string]interface{})
	if data["tripId"] != "trip-1" {
		t.Errorf("event data = %v", env.Data)
	}
}

// TestRealtime_subscriptions verifies filtering by event type.
func TestRealtime_subscriptions(t *testing.T) {
	s, ts := newTestServer(t)
	conn := dial(t, ts)
	waitClients(t, s, 1)

	if err := conn.WriteJSON(map[string]interface{}{"action": "subscribe", "events": []string{EventSOSAlert}}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	readEnvelope(t, conn) // subscribe_ack

	s.PublishTrip(models.Trip{ID: "trip-1"})
	s.PublishSOS("trip-1", "guide-1", models.Coordinates{Latitude: 1, Longitude: 2}, "help")

	env := readEnvelope(t, conn)
	if env.Type != EventSOSAlert {
		t.Errorf("event type = %q, want %q", env.Type, EventSOSAlert)
	}
}

// TestRealtime_closeDisconnects verifies Close drops clients.
func TestRealtime_closeDisconnects(t *testing.T) {
	s, ts := newTestServer(t)
	conn := dial(t, ts)
	waitClients(t, s, 1)

	s.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	if s.Hub().ClientCount() != 0 {
		t.Errorf("ClientCount() = %d after Close", s.Hub().ClientCount())
	}
}
