// Package handlers provides HTTP handlers for the booking API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/swiftcare/booking-engine/internal/api/middleware"
	"github.com/swiftcare/booking-engine/internal/directory"
	"github.com/swiftcare/booking-engine/internal/domain/booking"
	"github.com/swiftcare/booking-engine/internal/engine"
)

// BookingService is the engine surface the handlers drive.
// *engine.Engine satisfies it.
type BookingService interface {
	CreateBooking(ctx context.Context, req engine.CreateRequest) (*booking.Booking, error)
	UpdateBooking(ctx context.Context, bookingID string, patch booking.Patch, actingUserID string) (*booking.Booking, error)
	CancelBooking(ctx context.Context, bookingID, actingUserID string) error
	GetBooking(ctx context.Context, bookingID, actingUserID string) (*booking.Booking, error)
	ListBookings(ctx context.Context, f booking.Filter, actingUserID string) ([]*booking.Booking, error)
	EligibleConsultants(ctx context.Context, serviceType booking.ServiceType, scheduledTime time.Time, duration time.Duration) ([]directory.ConsultantView, error)
}

// BookingHandler handles booking and consultant endpoints
type BookingHandler struct {
	svc    BookingService
	logger *zap.Logger
	tracer trace.Tracer
}

// NewBookingHandler creates a new handler
func NewBookingHandler(svc BookingService, logger *zap.Logger) *BookingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BookingHandler{
		svc:    svc,
		logger: logger,
		tracer: otel.Tracer("booking-handler"),
	}
}

// Routes returns the booking routes
func (h *BookingHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Patch("/{id}", h.Update)
	r.Put("/{id}", h.Update)
	r.Delete("/{id}", h.Cancel)
	return r
}

// ConsultantRoutes returns the consultant discovery routes
func (h *BookingHandler) ConsultantRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/eligible", h.Eligible)
	return r
}

// CreateBookingRequest is the request body for creating a booking
type CreateBookingRequest struct {
	ServiceType     string    `json:"service_type"`
	ScheduledTime   time.Time `json:"scheduled_time"`
	DurationMinutes int       `json:"duration_minutes,omitempty"`
	ConsultantID    string    `json:"consultant_id,omitempty"`
	MeetLink        string    `json:"meet_link,omitempty"`
	Notes           string    `json:"notes,omitempty"`
}

// UpdateBookingRequest is the request body for a partial update. Absent
// fields are left unchanged.
type UpdateBookingRequest struct {
	ScheduledTime   *time.Time `json:"scheduled_time,omitempty"`
	DurationMinutes *int       `json:"duration_minutes,omitempty"`
	Status          *string    `json:"status,omitempty"`
	MeetLink        *string    `json:"meet_link,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
}

func (req UpdateBookingRequest) patch() (booking.Patch, error) {
	var p booking.Patch
	p.ScheduledTime = req.ScheduledTime
	if req.DurationMinutes != nil {
		d, err := minutes(*req.DurationMinutes)
		if err != nil {
			return p, err
		}
		p.Duration = &d
	}
	if req.Status != nil {
		s := booking.Status(strings.ToLower(*req.Status))
		p.Status = &s
	}
	p.MeetLink = req.MeetLink
	p.Notes = req.Notes
	return p, nil
}

// BookingResponse is the wire form of a booking
type BookingResponse struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	ConsultantID    string    `json:"consultant_id"`
	ServiceType     string    `json:"service_type"`
	ScheduledTime   time.Time `json:"scheduled_time"`
	DurationMinutes int       `json:"duration_minutes"`
	Status          string    `json:"status"`
	MeetLink        string    `json:"meet_link,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func toResponse(b *booking.Booking) BookingResponse {
	return BookingResponse{
		ID:              b.ID,
		UserID:          b.UserID,
		ConsultantID:    b.ConsultantID,
		ServiceType:     string(b.ServiceType),
		ScheduledTime:   b.ScheduledTime,
		DurationMinutes: int(b.Duration / time.Minute),
		Status:          string(b.Status),
		MeetLink:        b.MeetLink,
		Notes:           b.Notes,
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
	}
}

// ListResponse wraps a page of bookings
type ListResponse struct {
	Bookings []BookingResponse `json:"bookings"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

// Create handles POST /bookings
func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(h.context(r), "create_booking")
	defer span.End()

	var req CreateBookingRequest
	if err := decode(r, &req); err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	duration, err := minutes(req.DurationMinutes)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	b, err := h.svc.CreateBooking(ctx, engine.CreateRequest{
		RequestingUserID: middleware.GetActor(ctx),
		ServiceType:      booking.ServiceType(strings.ToLower(req.ServiceType)),
		ScheduledTime:    req.ScheduledTime,
		Duration:         duration,
		ConsultantID:     req.ConsultantID,
		MeetLink:         req.MeetLink,
		Notes:            req.Notes,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("booking_id", b.ID))

	h.respond(w, http.StatusCreated, toResponse(b))
}

// Get handles GET /bookings/{id}
func (h *BookingHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := h.context(r)
	b, err := h.svc.GetBooking(ctx, chi.URLParam(r, "id"), middleware.GetActor(ctx))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, toResponse(b))
}

// List handles GET /bookings
func (h *BookingHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := h.context(r)
	f, err := parseFilter(r)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	f = f.Normalize()

	bookings, err := h.svc.ListBookings(ctx, f, middleware.GetActor(ctx))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := ListResponse{Bookings: make([]BookingResponse, 0, len(bookings)), Limit: f.Limit, Offset: f.Offset}
	for _, b := range bookings {
		resp.Bookings = append(resp.Bookings, toResponse(b))
	}
	h.respond(w, http.StatusOK, resp)
}

// Update handles PATCH and PUT /bookings/{id}
func (h *BookingHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(h.context(r), "update_booking")
	defer span.End()

	var req UpdateBookingRequest
	if err := decode(r, &req); err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	patch, err := req.patch()
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	b, err := h.svc.UpdateBooking(ctx, chi.URLParam(r, "id"), patch, middleware.GetActor(ctx))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, toResponse(b))
}

// Cancel handles DELETE /bookings/{id}
func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := h.context(r)
	if err := h.svc.CancelBooking(ctx, chi.URLParam(r, "id"), middleware.GetActor(ctx)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Eligible handles GET /consultants/eligible
func (h *BookingHandler) Eligible(w http.ResponseWriter, r *http.Request) {
	ctx := h.context(r)
	q := r.URL.Query()

	at, err := time.Parse(time.RFC3339, q.Get("scheduled_time"))
	if err != nil {
		h.jsonError(w, "scheduled_time must be an RFC 3339 timestamp", http.StatusBadRequest)
		return
	}
	n, err := intParam(q.Get("duration_minutes"), 0)
	if err != nil {
		h.jsonError(w, "duration_minutes must be an integer", http.StatusBadRequest)
		return
	}
	duration, err := minutes(n)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	consultants, err := h.svc.EligibleConsultants(ctx,
		booking.ServiceType(strings.ToLower(q.Get("service_type"))), at, duration)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if consultants == nil {
		consultants = []directory.ConsultantView{}
	}
	h.respond(w, http.StatusOK, map[string]interface{}{"consultants": consultants})
}

// context stamps the request id as correlation id of emitted events.
func (h *BookingHandler) context(r *http.Request) context.Context {
	ctx := r.Context()
	if id := middleware.GetRequestID(ctx); id != "" {
		ctx = engine.ContextWithCorrelationID(ctx, id)
	}
	return ctx
}

func parseFilter(r *http.Request) (booking.Filter, error) {
	q := r.URL.Query()
	f := booking.Filter{
		UserID:       q.Get("user_id"),
		ConsultantID: q.Get("consultant_id"),
	}
	for _, raw := range q["status"] {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(strings.ToLower(s)); s == "" {
				continue
			}
			status := booking.Status(s)
			if !status.Valid() {
				return f, fmt.Errorf("unknown status %q", s)
			}
			f.Statuses = append(f.Statuses, status)
		}
	}
	if raw := q.Get("active_only"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			return f, fmt.Errorf("active_only must be a boolean")
		}
		f.ActiveOnly = active
	}
	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, fmt.Errorf("%s must be an RFC 3339 timestamp", name)
		}
		*dst = &t
	}

	var err error
	if f.Limit, err = intParam(q.Get("limit"), 0); err != nil {
		return f, fmt.Errorf("limit must be an integer")
	}
	if f.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		return f, fmt.Errorf("offset must be an integer")
	}
	return f, nil
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// minutes converts a duration_minutes value, rejecting values outside
// [0, booking.MaxDuration] before they can overflow.
func minutes(n int) (time.Duration, error) {
	if n < 0 || n > int(booking.MaxDuration/time.Minute) {
		return 0, fmt.Errorf("duration_minutes must be between 0 and %d", int(booking.MaxDuration/time.Minute))
	}
	return time.Duration(n) * time.Minute, nil
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %v", err)
	}
	return nil
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind booking.Kind) int {
	switch kind {
	case booking.KindValidation:
		return http.StatusBadRequest
	case booking.KindInvalidConsultant:
		return http.StatusUnprocessableEntity
	case booking.KindNoEligibleConsultant, booking.KindInvalidTransition, booking.KindConflict:
		return http.StatusConflict
	case booking.KindNotFound:
		return http.StatusNotFound
	case booking.KindForbidden:
		return http.StatusForbidden
	case booking.KindTransient:
		return http.StatusServiceUnavailable
	case booking.KindThrottled:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (h *BookingHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := booking.KindOf(err)
	code := statusFor(kind)

	msg := err.Error()
	var be *booking.Error
	if errors.As(err, &be) && be.Msg != "" {
		msg = be.Msg
	}
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		msg = http.StatusText(code)
	}
	if code == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	h.respond(w, code, ErrorResponse{Error: msg, Kind: string(kind)})
}

func (h *BookingHandler) respond(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (h *BookingHandler) jsonError(w http.ResponseWriter, message string, code int) {
	h.respond(w, code, ErrorResponse{Error: message, Kind: string(booking.KindValidation)})
}
