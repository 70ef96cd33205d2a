package domain

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Job is one unit of queued work. Lower Priority values are claimed first.
type Job struct {
	ID           string
	Type         string
	Payload      json.RawMessage
	Status       JobStatus
	Priority     int
	ScheduledFor time.Time
	Attempts     int
	MaxAttempts  int
	Result       json.RawMessage
	Error        string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RecurringTrigger is a cron-scheduled template that materializes jobs.
type RecurringTrigger struct {
	Name      string
	Type      string
	Schedule  string
	Payload   json.RawMessage
	Enabled   bool
	LastRunAt *time.Time
	NextRunAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

type TaskStatus string

const (
	TaskOpen TaskStatus = "open"
	TaskDone TaskStatus = "done"
)

// SchedulableTask is a task eligible for calendar placement. A task is
// schedulable iff it is open, not schedule-locked, and either unplaced or
// flagged for rescheduling.
type SchedulableTask struct {
	ID                string
	OwnerID           string
	CompanyID         *string
	Title             string
	EstimatedMinutes  int
	PriorityScore     int
	DueDate           *time.Time
	StartAt           *time.Time
	IsScheduleLocked  bool
	NeedsRescheduling bool
	LastScheduledAt   *time.Time
	Status            TaskStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type EventKind string

const (
	EventTask    EventKind = "task"
	EventMeeting EventKind = "meeting"
	EventOther   EventKind = "other"
)

// CalendarEvent is a busy interval on a user's calendar. A task's placement
// is represented exactly once as an event with TaskID set.
type CalendarEvent struct {
	ID        string
	OwnerID   string
	TaskID    *string
	Title     string
	StartTime time.Time
	EndTime   time.Time
	Kind      EventKind
	IsLocked  bool
}

// DayPolicy configures one weekday of a user's working hours. A zero
// BreakMinutes means no break.
type DayPolicy struct {
	Working      bool
	StartHour    int
	StartMinute  int
	EndHour      int
	EndMinute    int
	BreakHour    int
	BreakMinute  int
	BreakMinutes int
}

// WorkingHoursPolicy holds seven day configurations indexed by time.Weekday
// plus the timezone they are expressed in.
type WorkingHoursPolicy struct {
	Timezone string
	Days     [7]DayPolicy
}

// DefaultWorkingHours is Monday through Friday, 09:00-17:00 UTC.
func DefaultWorkingHours() WorkingHoursPolicy {
	p := WorkingHoursPolicy{Timezone: "UTC"}
	for wd := time.Monday; wd <= time.Friday; wd++ {
		p.Days[wd] = DayPolicy{Working: true, StartHour: 9, EndHour: 17}
	}
	return p
}
