package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"classtrack/internal/attendance"
	"classtrack/internal/auth"
	"classtrack/internal/clock"
	"classtrack/internal/docstore"
	"classtrack/internal/queue"
	"classtrack/internal/roster"
	"classtrack/internal/session"
)

const (
	testKey    = "test-signing-key"
	testIssuer = "classtrack-test"
)

type api struct {
	router *gin.Engine
	clock  *clock.Fixed
}

func newAPI(t *testing.T) *api {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mem := docstore.NewMemory()
	clk := clock.NewFixed(time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC))
	dir := roster.NewDirectory(mem, clk)
	mgr := session.NewManager(mem, dir, clk)
	att := attendance.NewService(mem, mgr, dir, queue.NewMemory(16), clk, 15*time.Minute)
	r := gin.New()
	New(dir, mgr, att).Routes(r, testKey, testIssuer)
	return &api{router: r, clock: clk}
}

func (a *api) token(t *testing.T, subject string, role auth.Role) string {
	t.Helper()
	tok, _, err := auth.Issue(subject, role, testIssuer, testKey, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (a *api) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var data []byte
	if body != nil {
		var err error
		if data, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

type envelope struct {
	OK        bool            `json:"ok"`
	Data      json.RawMessage `json:"data"`
	ErrorKind string          `json:"error_kind"`
	Message   string          `json:"message"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder, wantStatus int) envelope {
	t.Helper()
	if w.Code != wantStatus {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, wantStatus, w.Body.String())
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %s)", err, w.Body.String())
	}
	return env
}

func dataInto(t *testing.T, env envelope, out any) {
	t.Helper()
	if !env.OK {
		t.Fatalf("envelope not ok: %s: %s", env.ErrorKind, env.Message)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func (a *api) createClass(t *testing.T, teacherTok, name string) string {
	t.Helper()
	env := decode(t, a.do(t, http.MethodPost, "/v1/classes", teacherTok, gin.H{"name": name}), http.StatusCreated)
	var class struct {
		ID string `json:"id"`
	}
	dataInto(t, env, &class)
	return class.ID
}

func (a *api) enroll(t *testing.T, teacherTok, classID, studentID, name string) {
	t.Helper()
	decode(t, a.do(t, http.MethodPost, "/v1/classes/"+classID+"/enrollments", teacherTok,
		gin.H{"student_id": studentID, "student_name": name}), http.StatusCreated)
}

func (a *api) createSession(t *testing.T, teacherTok, classID string) string {
	t.Helper()
	env := decode(t, a.do(t, http.MethodPost, "/v1/sessions", teacherTok, gin.H{
		"class_id":      classID,
		"location":      gin.H{"lat": 40.0, "lng": -75.0},
		"radius_meters": 50,
	}), http.StatusCreated)
	var s struct {
		ID string `json:"id"`
	}
	dataInto(t, env, &s)
	return s.ID
}

func TestAuthRequired(t *testing.T) {
	a := newAPI(t)

	env := decode(t, a.do(t, http.MethodGet, "/v1/me/classes", "", nil), http.StatusUnauthorized)
	if env.OK || env.ErrorKind != "unauthorized" {
		t.Fatalf("envelope = %+v", env)
	}

	decode(t, a.do(t, http.MethodGet, "/v1/me/classes", "not-a-token", nil), http.StatusUnauthorized)
}

func TestRoleGate(t *testing.T) {
	a := newAPI(t)

	student := a.token(t, "s1", auth.RoleStudent)
	env := decode(t, a.do(t, http.MethodPost, "/v1/classes", student, gin.H{"name": "Algebra"}), http.StatusForbidden)
	if env.Message != "insufficient role" {
		t.Fatalf("message = %q", env.Message)
	}

	admin := a.token(t, "root", auth.RoleAdmin)
	decode(t, a.do(t, http.MethodPost, "/v1/classes", admin, gin.H{"name": "Ops"}), http.StatusCreated)
}

func TestClassAndEnrollmentFlow(t *testing.T) {
	a := newAPI(t)
	teacher := a.token(t, "t1", auth.RoleTeacher)
	student := a.token(t, "alice", auth.RoleStudent)

	classID := a.createClass(t, teacher, "Algebra")

	env := decode(t, a.do(t, http.MethodGet, "/v1/classes/"+classID, student, nil), http.StatusOK)
	var class struct {
		Name      string `json:"name"`
		TeacherID string `json:"teacher_id"`
	}
	dataInto(t, env, &class)
	if class.Name != "Algebra" || class.TeacherID != "t1" {
		t.Fatalf("class = %+v", class)
	}

	a.enroll(t, teacher, classID, "alice", "Alice")

	env = decode(t, a.do(t, http.MethodGet, "/v1/me/classes", student, nil), http.StatusOK)
	var classes []struct {
		ID string `json:"id"`
	}
	dataInto(t, env, &classes)
	if len(classes) != 1 || classes[0].ID != classID {
		t.Fatalf("classes = %+v", classes)
	}

	other := a.token(t, "t2", auth.RoleTeacher)
	env = decode(t, a.do(t, http.MethodPost, "/v1/classes/"+classID+"/enrollments", other,
		gin.H{"student_id": "bob"}), http.StatusForbidden)
	if env.ErrorKind != "unauthorized" {
		t.Fatalf("error_kind = %q", env.ErrorKind)
	}

	decode(t, a.do(t, http.MethodDelete, "/v1/classes/"+classID+"/enrollments/alice", teacher, nil), http.StatusOK)

	env = decode(t, a.do(t, http.MethodGet, "/v1/me/classes", student, nil), http.StatusOK)
	classes = nil
	dataInto(t, env, &classes)
	if len(classes) != 0 {
		t.Fatalf("classes after unenroll = %+v", classes)
	}
}

func TestSessionAndAttendanceFlow(t *testing.T) {
	a := newAPI(t)
	teacher := a.token(t, "t1", auth.RoleTeacher)
	alice := a.token(t, "alice", auth.RoleStudent)

	classID := a.createClass(t, teacher, "Algebra")
	a.enroll(t, teacher, classID, "alice", "Alice")
	sessionID := a.createSession(t, teacher, classID)

	env := decode(t, a.do(t, http.MethodPost, "/v1/sessions", teacher, gin.H{
		"class_id":      classID,
		"location":      gin.H{"lat": 40.0, "lng": -75.0},
		"radius_meters": 50,
	}), http.StatusConflict)
	if env.ErrorKind != "conflict" {
		t.Fatalf("error_kind = %q", env.ErrorKind)
	}

	env = decode(t, a.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/checkin", alice,
		gin.H{"location": gin.H{"lat": 40.0, "lng": -75.0}}), http.StatusCreated)
	var checkin struct {
		Record struct {
			Status      string `json:"status"`
			GPSVerified bool   `json:"gps_verified"`
		} `json:"record"`
		Message string `json:"message"`
	}
	dataInto(t, env, &checkin)
	if checkin.Record.Status != "verified" || !checkin.Record.GPSVerified {
		t.Fatalf("checkin = %+v", checkin)
	}

	a.clock.Advance(30 * time.Minute)

	env = decode(t, a.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/checkout", alice, nil), http.StatusOK)
	var rec struct {
		Status          string   `json:"status"`
		CheckOutTime    *string  `json:"check_out_time"`
		DurationMinutes *float64 `json:"duration_minutes"`
	}
	dataInto(t, env, &rec)
	if rec.Status != "verified" || rec.CheckOutTime == nil {
		t.Fatalf("checkout = %+v", rec)
	}
	if rec.DurationMinutes == nil || *rec.DurationMinutes != 30 {
		t.Fatalf("duration = %v", rec.DurationMinutes)
	}

	env = decode(t, a.do(t, http.MethodGet, "/v1/sessions/"+sessionID+"/attendance", teacher, nil), http.StatusOK)
	var entries []struct {
		StudentID string `json:"student_id"`
		Status    string `json:"status"`
	}
	dataInto(t, env, &entries)
	if len(entries) != 1 || entries[0].StudentID != "alice" || entries[0].Status != "verified" {
		t.Fatalf("entries = %+v", entries)
	}

	env = decode(t, a.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/end", teacher, nil), http.StatusOK)
	var s struct {
		Status  string  `json:"status"`
		EndTime *string `json:"end_time"`
	}
	dataInto(t, env, &s)
	if s.Status != "ended" || s.EndTime == nil {
		t.Fatalf("session = %+v", s)
	}

	env = decode(t, a.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/checkin", alice,
		gin.H{"location": gin.H{"lat": 40.0, "lng": -75.0}}), http.StatusConflict)
	if env.ErrorKind != "invalid_state" {
		t.Fatalf("error_kind = %q", env.ErrorKind)
	}
}

func TestCheckInOutsideRadius(t *testing.T) {
	a := newAPI(t)
	teacher := a.token(t, "t1", auth.RoleTeacher)
	alice := a.token(t, "alice", auth.RoleStudent)

	classID := a.createClass(t, teacher, "Algebra")
	a.enroll(t, teacher, classID, "alice", "Alice")
	sessionID := a.createSession(t, teacher, classID)

	env := decode(t, a.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/checkin", alice,
		gin.H{"location": gin.H{"lat": 40.001, "lng": -75.0}}), http.StatusCreated)
	var checkin struct {
		Record struct {
			Status      string `json:"status"`
			GPSVerified bool   `json:"gps_verified"`
		} `json:"record"`
	}
	dataInto(t, env, &checkin)
	if checkin.Record.Status != "failed_location" || checkin.Record.GPSVerified {
		t.Fatalf("checkin = %+v", checkin)
	}
}

func TestOverrideEndpoint(t *testing.T) {
	a := newAPI(t)
	teacher := a.token(t, "t1", auth.RoleTeacher)

	classID := a.createClass(t, teacher, "Algebra")
	a.enroll(t, teacher, classID, "alice", "Alice")
	sessionID := a.createSession(t, teacher, classID)

	env := decode(t, a.do(t, http.MethodPut, "/v1/sessions/"+sessionID+"/attendance/alice", teacher,
		gin.H{"status": "verified"}), http.StatusOK)
	var rec struct {
		Status            string `json:"status"`
		GPSVerified       bool   `json:"gps_verified"`
		ManuallyUpdated   bool   `json:"manually_updated"`
		ManuallyUpdatedBy string `json:"manually_updated_by"`
	}
	dataInto(t, env, &rec)
	if rec.Status != "verified" || !rec.GPSVerified || !rec.ManuallyUpdated || rec.ManuallyUpdatedBy != "t1" {
		t.Fatalf("override = %+v", rec)
	}

	env = decode(t, a.do(t, http.MethodPut, "/v1/sessions/"+sessionID+"/attendance/alice", teacher,
		gin.H{"status": "graduated"}), http.StatusBadRequest)
	if env.ErrorKind != "validation" {
		t.Fatalf("error_kind = %q", env.ErrorKind)
	}

	env = decode(t, a.do(t, http.MethodPut, "/v1/sessions/"+sessionID+"/attendance/alice", teacher,
		gin.H{"status": "absent"}), http.StatusOK)
	var absent struct {
		Status string `json:"status"`
	}
	dataInto(t, env, &absent)
	if absent.Status != "absent" {
		t.Fatalf("status = %q", absent.Status)
	}

	env = decode(t, a.do(t, http.MethodGet, "/v1/sessions/"+sessionID+"/attendance", teacher, nil), http.StatusOK)
	var entries []struct {
		StudentID string          `json:"student_id"`
		Status    string          `json:"status"`
		Record    json.RawMessage `json:"record"`
	}
	dataInto(t, env, &entries)
	if len(entries) != 1 || entries[0].Status != "absent" || entries[0].Record != nil {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestVerificationEndpoints(t *testing.T) {
	a := newAPI(t)
	teacher := a.token(t, "t1", auth.RoleTeacher)
	alice := a.token(t, "alice", auth.RoleStudent)

	classID := a.createClass(t, teacher, "Algebra")
	a.enroll(t, teacher, classID, "alice", "Alice")
	sessionID := a.createSession(t, teacher, classID)

	decode(t, a.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/checkin", alice,
		gin.H{"location": gin.H{"lat": 40.0005, "lng": -75.0}}), http.StatusCreated)

	env := decode(t, a.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/verification-requests/alice", teacher, nil), http.StatusCreated)
	var vr struct {
		Status string `json:"status"`
	}
	dataInto(t, env, &vr)
	if vr.Status != "pending" {
		t.Fatalf("request = %+v", vr)
	}

	env = decode(t, a.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/verification-response", alice,
		gin.H{"location": gin.H{"lat": 40.0, "lng": -75.0}}), http.StatusOK)
	var result struct {
		Verified bool `json:"verified"`
		Record   *struct {
			Status string `json:"status"`
		} `json:"record"`
	}
	dataInto(t, env, &result)
	if !result.Verified || result.Record == nil || result.Record.Status != "verified" {
		t.Fatalf("respond = %+v", result)
	}

	env = decode(t, a.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/verification-response", alice, nil), http.StatusConflict)
	if env.ErrorKind != "invalid_state" {
		t.Fatalf("error_kind = %q", env.ErrorKind)
	}
}

func TestSessionOwnership(t *testing.T) {
	a := newAPI(t)
	teacher := a.token(t, "t1", auth.RoleTeacher)
	other := a.token(t, "t2", auth.RoleTeacher)

	classID := a.createClass(t, teacher, "Algebra")
	sessionID := a.createSession(t, teacher, classID)

	env := decode(t, a.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/end", other, nil), http.StatusForbidden)
	if env.ErrorKind != "unauthorized" {
		t.Fatalf("error_kind = %q", env.ErrorKind)
	}

	env = decode(t, a.do(t, http.MethodGet, "/v1/sessions/nope", teacher, nil), http.StatusNotFound)
	if env.ErrorKind != "not_found" {
		t.Fatalf("error_kind = %q", env.ErrorKind)
	}
}

func TestValidationEnvelope(t *testing.T) {
	a := newAPI(t)
	teacher := a.token(t, "t1", auth.RoleTeacher)

	env := decode(t, a.do(t, http.MethodPost, "/v1/classes", teacher, gin.H{}), http.StatusBadRequest)
	if env.OK || env.ErrorKind != "validation" {
		t.Fatalf("envelope = %+v", env)
	}

	classID := a.createClass(t, teacher, "Algebra")
	decode(t, a.do(t, http.MethodPost, "/v1/sessions", teacher, gin.H{
		"class_id":      classID,
		"location":      gin.H{"lat": 95.0, "lng": 0.0},
		"radius_meters": 50,
	}), http.StatusBadRequest)
}
