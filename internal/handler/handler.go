package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"classtrack/internal/apperr"
	"classtrack/internal/attendance"
	"classtrack/internal/auth"
	"classtrack/internal/geo"
	"classtrack/internal/metrics"
	"classtrack/internal/roster"
	"classtrack/internal/session"
)

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("overridable", func(fl validator.FieldLevel) bool {
			return attendance.Status(fl.Field().String()).Overridable()
		})
	}
}

// Handler owns the /v1 routes. All requester identity comes from the JWT
// claims set by the auth middleware, never from request bodies.
type Handler struct {
	roster     *roster.Directory
	sessions   *session.Manager
	attendance *attendance.Service
}

// New creates a handler over the wired services.
func New(ros *roster.Directory, sessions *session.Manager, att *attendance.Service) *Handler {
	return &Handler{roster: ros, sessions: sessions, attendance: att}
}

// Routes mounts the /v1 API on r behind JWT auth.
func (h *Handler) Routes(r *gin.Engine, signingKey, issuer string) {
	teacher := auth.RequireRole(auth.RoleTeacher)
	student := auth.RequireRole(auth.RoleStudent)

	v1 := r.Group("/v1", auth.RequireAuth(signingKey, issuer))
	{
		v1.POST("/classes", teacher, h.CreateClass)
		v1.GET("/classes/:classID", h.GetClass)
		v1.GET("/classes/:classID/sessions", teacher, h.ListClassSessions)
		v1.POST("/classes/:classID/enrollments", teacher, h.Enroll)
		v1.DELETE("/classes/:classID/enrollments/:studentID", teacher, h.Unenroll)
		v1.GET("/me/classes", student, h.MyClasses)

		v1.POST("/sessions", teacher, h.CreateSession)
		v1.GET("/sessions/:sessionID", h.GetSession)
		v1.POST("/sessions/:sessionID/start", teacher, h.StartSession)
		v1.POST("/sessions/:sessionID/end", teacher, h.EndSession)
		v1.POST("/sessions/:sessionID/cancel", teacher, h.CancelSession)
		v1.PUT("/sessions/:sessionID/location", teacher, h.UpdateSessionLocation)
		v1.GET("/sessions/:sessionID/attendance", teacher, h.SessionAttendance)
		v1.POST("/sessions/:sessionID/checkin", student, h.CheckIn)
		v1.POST("/sessions/:sessionID/checkout", student, h.CheckOut)
		v1.PUT("/sessions/:sessionID/attendance/:studentID", teacher, h.OverrideAttendance)
		v1.POST("/sessions/:sessionID/verification-requests/:studentID", teacher, h.RequestVerification)
		v1.POST("/sessions/:sessionID/verification-response", student, h.RespondVerification)
	}
}

// ---------- Envelope ----------

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"ok": true, "data": data})
}

func fail(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	c.JSON(statusFor(kind), gin.H{
		"ok":         false,
		"error_kind": string(kind),
		"message":    apperr.Message(err),
	})
}

func failBind(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"ok":         false,
		"error_kind": string(apperr.Validation),
		"message":    err.Error(),
	})
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Unauthorized:
		return http.StatusForbidden
	case apperr.InvalidState, apperr.Conflict:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

type pointReq struct {
	Lat *float64 `json:"lat" binding:"required,latitude"`
	Lng *float64 `json:"lng" binding:"required,longitude"`
}

func (p pointReq) point() geo.Point { return geo.Point{Lat: *p.Lat, Lng: *p.Lng} }

// ---------- Classes ----------

type createClassReq struct {
	Name string `json:"name" binding:"required"`
}

func (h *Handler) CreateClass(c *gin.Context) {
	var req createClassReq
	if err := c.ShouldBindJSON(&req); err != nil {
		failBind(c, err)
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	class, err := h.roster.CreateClass(c.Request.Context(), claims.Subject, req.Name)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, class)
}

func (h *Handler) GetClass(c *gin.Context) {
	class, err := h.roster.GetClass(c.Request.Context(), c.Param("classID"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, class)
}

func (h *Handler) ListClassSessions(c *gin.Context) {
	class, err := h.ownClass(c)
	if err != nil {
		fail(c, err)
		return
	}
	sessions, err := h.sessions.ListByClass(c.Request.Context(), class.ID)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, sessions)
}

type enrollReq struct {
	StudentID   string `json:"student_id" binding:"required"`
	StudentName string `json:"student_name"`
}

func (h *Handler) Enroll(c *gin.Context) {
	var req enrollReq
	if err := c.ShouldBindJSON(&req); err != nil {
		failBind(c, err)
		return
	}
	class, err := h.ownClass(c)
	if err != nil {
		fail(c, err)
		return
	}
	enr, err := h.roster.Enroll(c.Request.Context(), class.ID, req.StudentID, req.StudentName)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, enr)
}

func (h *Handler) Unenroll(c *gin.Context) {
	class, err := h.ownClass(c)
	if err != nil {
		fail(c, err)
		return
	}
	studentID := c.Param("studentID")
	if err := h.roster.Unenroll(c.Request.Context(), class.ID, studentID); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"class_id": class.ID, "student_id": studentID})
}

func (h *Handler) MyClasses(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)
	classes, err := h.roster.ListClassesForStudent(c.Request.Context(), claims.Subject)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, classes)
}

// ownClass loads the path class and checks the requester teaches it.
func (h *Handler) ownClass(c *gin.Context) (roster.Class, error) {
	class, err := h.roster.GetClass(c.Request.Context(), c.Param("classID"))
	if err != nil {
		return roster.Class{}, err
	}
	claims, _ := auth.ClaimsFrom(c)
	if class.TeacherID != claims.Subject {
		return roster.Class{}, apperr.New(apperr.Unauthorized, "only the class teacher can do this")
	}
	return class, nil
}

// ---------- Sessions ----------

type createSessionReq struct {
	ClassID      string   `json:"class_id" binding:"required"`
	Location     pointReq `json:"location" binding:"required"`
	RadiusMeters float64  `json:"radius_meters" binding:"required,gt=0"`
	Scheduled    bool     `json:"scheduled"`
}

func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		failBind(c, err)
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	s, err := h.sessions.Create(c.Request.Context(), session.CreateInput{
		ClassID:      req.ClassID,
		TeacherID:    claims.Subject,
		Location:     req.Location.point(),
		RadiusMeters: req.RadiusMeters,
		Scheduled:    req.Scheduled,
	})
	if err != nil {
		fail(c, err)
		return
	}
	metrics.SessionEvents.WithLabelValues("created").Inc()
	respond(c, http.StatusCreated, s)
}

func (h *Handler) StartSession(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)
	s, err := h.sessions.Start(c.Request.Context(), c.Param("sessionID"), claims.Subject)
	if err != nil {
		fail(c, err)
		return
	}
	metrics.SessionEvents.WithLabelValues("started").Inc()
	respond(c, http.StatusOK, s)
}

func (h *Handler) EndSession(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)
	s, err := h.sessions.End(c.Request.Context(), c.Param("sessionID"), claims.Subject)
	if err != nil {
		fail(c, err)
		return
	}
	metrics.SessionEvents.WithLabelValues("ended").Inc()
	respond(c, http.StatusOK, s)
}

func (h *Handler) CancelSession(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)
	s, err := h.sessions.Cancel(c.Request.Context(), c.Param("sessionID"), claims.Subject)
	if err != nil {
		fail(c, err)
		return
	}
	metrics.SessionEvents.WithLabelValues("cancelled").Inc()
	respond(c, http.StatusOK, s)
}

type updateLocationReq struct {
	Location     pointReq `json:"location" binding:"required"`
	RadiusMeters float64  `json:"radius_meters" binding:"required,gt=0"`
}

func (h *Handler) UpdateSessionLocation(c *gin.Context) {
	var req updateLocationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		failBind(c, err)
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	s, err := h.sessions.UpdateLocation(c.Request.Context(), c.Param("sessionID"), claims.Subject, req.Location.point(), req.RadiusMeters)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, s)
}

func (h *Handler) GetSession(c *gin.Context) {
	s, err := h.sessions.Get(c.Request.Context(), c.Param("sessionID"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, s)
}

func (h *Handler) SessionAttendance(c *gin.Context) {
	s, err := h.ownSession(c)
	if err != nil {
		fail(c, err)
		return
	}
	entries, err := h.attendance.SessionAttendance(c.Request.Context(), s.ID)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, entries)
}

// ownSession loads the path session and checks the requester runs it.
func (h *Handler) ownSession(c *gin.Context) (session.Session, error) {
	s, err := h.sessions.Get(c.Request.Context(), c.Param("sessionID"))
	if err != nil {
		return session.Session{}, err
	}
	claims, _ := auth.ClaimsFrom(c)
	if s.TeacherID != claims.Subject {
		return session.Session{}, apperr.New(apperr.Unauthorized, "only the session teacher can do this")
	}
	return s, nil
}

// ---------- Attendance ----------

type checkInReq struct {
	Location pointReq `json:"location" binding:"required"`
}

func (h *Handler) CheckIn(c *gin.Context) {
	var req checkInReq
	if err := c.ShouldBindJSON(&req); err != nil {
		failBind(c, err)
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	result, err := h.attendance.CheckIn(c.Request.Context(), c.Param("sessionID"), claims.Subject, req.Location.point())
	if err != nil {
		fail(c, err)
		return
	}
	metrics.CheckIns.WithLabelValues(string(result.Record.Status)).Inc()
	if result.Record.DistanceMeters != nil {
		metrics.CheckInDistance.Observe(*result.Record.DistanceMeters)
	}
	respond(c, http.StatusCreated, result)
}

type checkOutReq struct {
	Extension map[string]any `json:"extension"`
}

func (h *Handler) CheckOut(c *gin.Context) {
	var req checkOutReq
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		failBind(c, err)
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	rec, err := h.attendance.CheckOut(c.Request.Context(), c.Param("sessionID"), claims.Subject, req.Extension)
	if err != nil {
		fail(c, err)
		return
	}
	metrics.CheckOuts.Inc()
	respond(c, http.StatusOK, rec)
}

type overrideReq struct {
	Status    string         `json:"status" binding:"required,overridable"`
	Extension map[string]any `json:"extension"`
}

func (h *Handler) OverrideAttendance(c *gin.Context) {
	var req overrideReq
	if err := c.ShouldBindJSON(&req); err != nil {
		failBind(c, err)
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	rec, err := h.attendance.Override(c.Request.Context(), c.Param("sessionID"), c.Param("studentID"), attendance.Status(req.Status), claims.Subject, req.Extension)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, rec)
}

// ---------- Verification ----------

func (h *Handler) RequestVerification(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)
	vr, err := h.attendance.RequestVerification(c.Request.Context(), c.Param("sessionID"), c.Param("studentID"), claims.Subject)
	if err != nil {
		fail(c, err)
		return
	}
	metrics.VerificationEvents.WithLabelValues("requested").Inc()
	respond(c, http.StatusCreated, vr)
}

type respondVerifyReq struct {
	Location *pointReq `json:"location"`
}

func (h *Handler) RespondVerification(c *gin.Context) {
	var req respondVerifyReq
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		failBind(c, err)
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	in := attendance.RespondInput{}
	if req.Location != nil {
		p := req.Location.point()
		in.Location = &p
	}
	result, err := h.attendance.RespondToVerification(c.Request.Context(), c.Param("sessionID"), claims.Subject, in)
	if err != nil {
		fail(c, err)
		return
	}
	metrics.VerificationEvents.WithLabelValues("responded").Inc()
	respond(c, http.StatusOK, result)
}
