package model

import "time"

// Patient is the person the companion talks to.
type Patient struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Timezone  string    `json:"timezone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Location resolves the patient's timezone, falling back to fallback.
func (p Patient) Location(fallback *time.Location) *time.Location {
	if p.Timezone != "" {
		if loc, err := time.LoadLocation(p.Timezone); err == nil {
			return loc
		}
	}
	if fallback == nil {
		return time.UTC
	}
	return fallback
}

// Channel names a notification transport.
type Channel string

const (
	ChannelTelegram Channel = "telegram"
	ChannelApp      Channel = "app"
	ChannelLog      Channel = "log"
)

// ValidChannels are the known notification channels.
var ValidChannels = map[Channel]bool{
	ChannelTelegram: true,
	ChannelApp:      true,
	ChannelLog:      true,
}

// ChannelAddress is a recipient's address on one channel.
type ChannelAddress struct {
	Channel Channel `json:"channel"`
	Address string  `json:"address"`
}

// Caregiver receives alerts about one or more patients.
type Caregiver struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Relationship string           `json:"relationship,omitempty"`
	Channels     []ChannelAddress `json:"channels"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Medication is a prescribed medication with daily schedule times ("HH:MM").
type Medication struct {
	ID            string    `json:"id"`
	PatientID     string    `json:"patient_id"`
	Name          string    `json:"name"`
	Dosage        string    `json:"dosage"`
	Frequency     string    `json:"frequency,omitempty"`
	ScheduleTimes []string  `json:"schedule_times"`
	Instructions  string    `json:"instructions,omitempty"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

// MedicationStatus is the outcome of a scheduled dose.
type MedicationStatus string

const (
	DosePending MedicationStatus = "pending"
	DoseTaken   MedicationStatus = "taken"
	DoseMissed  MedicationStatus = "missed"
	DoseSkipped MedicationStatus = "skipped"
)

// ValidDoseStatuses are the allowed medication log statuses.
var ValidDoseStatuses = map[MedicationStatus]bool{
	DosePending: true,
	DoseTaken:   true,
	DoseMissed:  true,
	DoseSkipped: true,
}

// MedicationLog records one scheduled dose.
type MedicationLog struct {
	ID           string           `json:"id"`
	MedicationID string           `json:"medication_id"`
	PatientID    string           `json:"patient_id"`
	ScheduledAt  time.Time        `json:"scheduled_at"`
	TakenAt      *time.Time       `json:"taken_at,omitempty"`
	Status       MedicationStatus `json:"status"`
	Notes        string           `json:"notes,omitempty"`
}

// Adherence summarizes dose history over a window.
type Adherence struct {
	Taken        int     `json:"taken"`
	Total        int     `json:"total"`
	Rate         float64 `json:"rate"`
	RecentMissed int     `json:"recent_missed"`
}

// MedicationState is a medication with its current adherence.
type MedicationState struct {
	Medication
	Adherence Adherence `json:"adherence"`
}

// PersonalEvent is something in the patient's life worth mentioning.
type PersonalEvent struct {
	ID          string    `json:"id"`
	PatientID   string    `json:"patient_id"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	EventDate   time.Time `json:"event_date"`
	Recurring   bool      `json:"recurring"`
	Importance  int       `json:"importance"`
	CreatedAt   time.Time `json:"created_at"`
}
