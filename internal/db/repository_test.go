package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsDuplicateKey(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unique_violation", &pgconn.PgError{Code: "23505"}, true},
		{"wrapped_unique_violation", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), true},
		{"not_null_violation", &pgconn.PgError{Code: "23502"}, false},
		{"plain_error", errors.New("connection reset"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isDuplicateKey(tt.err); got != tt.want {
				t.Errorf("isDuplicateKey() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAppointmentUpcoming(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{AppointmentScheduled, true},
		{AppointmentConfirmed, true},
		{AppointmentCancelled, false},
		{AppointmentCompleted, false},
		{AppointmentNoShow, false},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			a := &Appointment{Status: tt.status}
			if got := a.Upcoming(); got != tt.want {
				t.Errorf("Upcoming() = %v, want %v", got, tt.want)
			}
		})
	}
}
