package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/clinio/slot-booking/internal/booking"
)

type CreateAppointmentRequest struct {
	ClinicID       string `json:"clinic_id"`
	DoctorID       string `json:"doctor_id"`
	PatientID      string `json:"patient_id"`
	Date           string `json:"date"`       // YYYY-MM-DD
	StartTime      string `json:"start_time"` // HH:MM
	EndTime        string `json:"end_time"`   // HH:MM
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type RescheduleRequest struct {
	DoctorID  string `json:"doctor_id"`
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type UpdateStatusRequest struct {
	Status string `json:"status"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type AppointmentResponse struct {
	ID                 uuid.UUID  `json:"id"`
	ClinicID           uuid.UUID  `json:"clinic_id"`
	DoctorID           uuid.UUID  `json:"doctor_id"`
	PatientID          uuid.UUID  `json:"patient_id"`
	Date               string     `json:"date"`
	StartTime          string     `json:"start_time"`
	EndTime            string     `json:"end_time"`
	Status             string     `json:"status"`
	IdempotencyKey     string     `json:"idempotency_key"`
	CreatedAt          time.Time  `json:"created_at"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
}

func toAppointmentResponse(a *booking.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:                 a.ID,
		ClinicID:           a.ClinicID,
		DoctorID:           a.DoctorID,
		PatientID:          a.PatientID,
		Date:               a.Date.Format("2006-01-02"),
		StartTime:          a.Start.String(),
		EndTime:            a.End.String(),
		Status:             string(a.Status),
		IdempotencyKey:     a.IdempotencyKey,
		CreatedAt:          a.CreatedAt,
		CancelledAt:        a.CancelledAt,
		CancellationReason: a.CancellationReason,
	}
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
