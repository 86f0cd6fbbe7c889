package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

type appointmentHandlers struct {
	svc     *appointment.Service
	retries int
	logger  zerolog.Logger
}

// run retries op on concurrency conflicts unless the caller pinned a version,
// in which case a conflict is theirs to resolve.
func (h *appointmentHandlers) run(ctx context.Context, pinned bool, op func(ctx context.Context) error) error {
	if pinned {
		return op(ctx)
	}
	return appointment.Retry(ctx, h.retries, op)
}

func (h *appointmentHandlers) book(w http.ResponseWriter, r *http.Request) {
	var req BookAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
		return
	}
	doctorID, err := uuid.Parse(req.DoctorID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
		return
	}
	start, end, ok := parseWindow(w, req.Start, req.End)
	if !ok {
		return
	}

	var res *appointment.BookResult
	err = h.run(r.Context(), false, func(ctx context.Context) error {
		var err error
		res, err = h.svc.Book(ctx, appointment.BookInput{
			PatientID: patientID,
			DoctorID:  doctorID,
			Start:     start,
			End:       end,
			Notes:     req.Notes,
		})
		return err
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	w.Header().Set("Location", "/appointments/"+res.ID.String())
	w.Header().Set("ETag", etag(res.Version))
	writeJSON(w, http.StatusCreated, BookResponse{
		ID:      res.ID,
		Status:  string(res.Status),
		Start:   res.Start,
		End:     res.End,
		Version: res.Version,
	})
}

func (h *appointmentHandlers) get(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}

	rec, err := h.svc.GetAppointment(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	w.Header().Set("ETag", etag(rec.Version))
	writeJSON(w, http.StatusOK, toAppointmentResponse(rec))
}

func (h *appointmentHandlers) list(w http.ResponseWriter, r *http.Request) {
	f, err := parseListFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}

	recs, err := h.svc.ListAppointments(r.Context(), f)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	items := make([]AppointmentResponse, 0, len(recs))
	for _, rec := range recs {
		items = append(items, toAppointmentResponse(rec))
	}
	f = f.Normalized()
	writeJSON(w, http.StatusOK, ListAppointmentsResponse{Items: items, Limit: f.Limit, Offset: f.Offset})
}

func (h *appointmentHandlers) reschedule(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}
	version, ok := ifMatch(w, r)
	if !ok {
		return
	}

	var req RescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	start, end, ok := parseWindow(w, req.Start, req.End)
	if !ok {
		return
	}

	var res *appointment.RescheduleResult
	err := h.run(r.Context(), version != 0, func(ctx context.Context) error {
		var err error
		res, err = h.svc.Reschedule(ctx, appointment.RescheduleInput{
			ID:              id,
			Start:           start,
			End:             end,
			Reason:          req.Reason,
			ExpectedVersion: version,
		})
		return err
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	w.Header().Set("ETag", etag(res.Version))
	writeJSON(w, http.StatusOK, RescheduleResponse{
		ID:            res.ID,
		Status:        string(res.Status),
		Start:         res.Window.Start,
		End:           res.Window.End,
		PreviousStart: res.Previous.Start,
		PreviousEnd:   res.Previous.End,
		Version:       res.Version,
	})
}

func (h *appointmentHandlers) complete(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}
	version, ok := ifMatch(w, r)
	if !ok {
		return
	}

	var req CompleteRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	var res *appointment.CompleteResult
	err := h.run(r.Context(), version != 0, func(ctx context.Context) error {
		var err error
		res, err = h.svc.Complete(ctx, appointment.CompleteInput{ID: id, Notes: req.Notes, ExpectedVersion: version})
		return err
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	w.Header().Set("ETag", etag(res.Version))
	writeJSON(w, http.StatusOK, CompleteResponse{
		ID:               res.ID,
		Status:           string(res.Status),
		CompletedAt:      res.CompletedAt,
		Notes:            res.Notes,
		Version:          res.Version,
		AlreadyCompleted: res.AlreadyCompleted,
	})
}

func (h *appointmentHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}
	version, ok := ifMatch(w, r)
	if !ok {
		return
	}

	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	var res *appointment.CancelResult
	err := h.run(r.Context(), version != 0, func(ctx context.Context) error {
		var err error
		res, err = h.svc.Cancel(ctx, appointment.CancelInput{ID: id, Reason: req.Reason, ExpectedVersion: version})
		return err
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	w.Header().Set("ETag", etag(res.Version))
	writeJSON(w, http.StatusOK, CancelResponse{
		ID:               res.ID,
		Status:           string(res.Status),
		CancelledAt:      res.CancelledAt,
		Reason:           res.Reason,
		Version:          res.Version,
		AlreadyCancelled: res.AlreadyCancelled,
	})
}

func (h *appointmentHandlers) conflicts(w http.ResponseWriter, r *http.Request) {
	doctorID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_doctor_id", "id must be a valid UUID")
		return
	}
	q := r.URL.Query()
	start, end, ok := parseWindow(w, q.Get("start"), q.Get("end"))
	if !ok {
		return
	}
	var exclude uuid.UUID
	if raw := q.Get("exclude"); raw != "" {
		if exclude, err = uuid.Parse(raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_exclude", "exclude must be a valid UUID")
			return
		}
	}

	conflict, err := h.svc.HasConflict(r.Context(), appointment.ConflictQuery{
		DoctorID: doctorID,
		Window:   appointment.Window{Start: start, End: end},
		Exclude:  exclude,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ConflictResponse{DoctorID: doctorID, Start: start, End: end, Conflict: conflict})
}

func appointmentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func ifMatch(w http.ResponseWriter, r *http.Request) (int64, bool) {
	v, err := expectedVersion(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_if_match", err.Error())
		return 0, false
	}
	return v, true
}

// decodeOptional accepts an empty body as the zero request.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

func parseWindow(w http.ResponseWriter, rawStart, rawEnd string) (time.Time, time.Time, bool) {
	start, err := parseTime(rawStart)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_start", "start must be an RFC3339 timestamp")
		return time.Time{}, time.Time{}, false
	}
	end, err := parseTime(rawEnd)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_end", "end must be an RFC3339 timestamp")
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func parseListFilter(r *http.Request) (appointment.ListFilter, error) {
	q := r.URL.Query()
	var f appointment.ListFilter
	var err error

	if v := q.Get("patient_id"); v != "" {
		if f.PatientID, err = uuid.Parse(v); err != nil {
			return f, errors.New("patient_id must be a valid UUID")
		}
	}
	if v := q.Get("doctor_id"); v != "" {
		if f.DoctorID, err = uuid.Parse(v); err != nil {
			return f, errors.New("doctor_id must be a valid UUID")
		}
	}
	f.Status = appointment.Status(q.Get("status"))
	if v := q.Get("from"); v != "" {
		if f.From, err = parseTime(v); err != nil {
			return f, errors.New("from must be an RFC3339 timestamp")
		}
	}
	if v := q.Get("to"); v != "" {
		if f.To, err = parseTime(v); err != nil {
			return f, errors.New("to must be an RFC3339 timestamp")
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
	}
	if v := q.Get("offset"); v != "" {
		if f.Offset, err = strconv.Atoi(v); err != nil || f.Offset < 0 {
			return f, errors.New("offset must be a non-negative integer")
		}
	}
	return f, nil
}
