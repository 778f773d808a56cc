package models

import "time"

// Resource is a device as reported by the inventory. Utilization values are percentages (0-100).
type Resource struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	Type               string  `json:"type,omitempty"`
	State              string  `json:"state,omitempty"`
	CPUUtilization     float64 `json:"cpuUtilization"`
	MemoryUtilization  float64 `json:"memoryUtilization"`
	StorageUtilization float64 `json:"storageUtilization"`
	CPUCores           int     `json:"cpuCores"`
	MemoryMB           int     `json:"memoryMb"`
	StorageGB          int     `json:"storageGb"`
}

// Specs returns the capacity snapshot used for quota and billing calls.
func (r Resource) Specs() Specs {
	return Specs{Type: r.Type, CPUCores: r.CPUCores, MemoryMB: r.MemoryMB, StorageGB: r.StorageGB}
}

// Specs is the capacity description of a device handed to quota and billing collaborators.
type Specs struct {
	Type      string `json:"type,omitempty"`
	CPUCores  int    `json:"cpuCores"`
	MemoryMB  int    `json:"memoryMb"`
	StorageGB int    `json:"storageGb"`
}

// Preferences narrows device selection. Zero values mean "no requirement".
type Preferences struct {
	Type        string `json:"type,omitempty"`
	MinCPU      int    `json:"minCpu,omitempty"`
	MinMemoryMB int    `json:"minMemoryMb,omitempty"`
}

type AllocationStatus string

const (
	AllocationAllocated AllocationStatus = "ALLOCATED"
	AllocationReleased  AllocationStatus = "RELEASED"
	AllocationExpired   AllocationStatus = "EXPIRED"
)

// Allocation binds one device to one user. At most one ALLOCATED allocation exists per resource.
type Allocation struct {
	ID              string            `json:"id"`
	ResourceID      string            `json:"resourceId"`
	UserID          string            `json:"userId"`
	TenantID        string            `json:"tenantId,omitempty"`
	Status          AllocationStatus  `json:"status"`
	Specs           Specs             `json:"specs"`
	AllocatedAt     time.Time         `json:"allocatedAt"`
	ReleasedAt      *time.Time        `json:"releasedAt,omitempty"`
	ExpiresAt       *time.Time        `json:"expiresAt,omitempty"`
	DurationMinutes int               `json:"durationMinutes"`
	DurationSeconds int64             `json:"durationSeconds"`
	ReleaseReason   string            `json:"releaseReason,omitempty"`
	Automatic       bool              `json:"automatic"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Active reports whether the allocation still holds its device.
func (a *Allocation) Active() bool {
	return a.Status == AllocationAllocated
}

type QueueStatus string

const (
	QueueWaiting    QueueStatus = "WAITING"
	QueueProcessing QueueStatus = "PROCESSING"
	QueueFulfilled  QueueStatus = "FULFILLED"
	QueueExpired    QueueStatus = "EXPIRED"
	QueueCancelled  QueueStatus = "CANCELLED"
)

// Active reports whether an entry in this status still counts as queue membership.
func (s QueueStatus) Active() bool {
	return s == QueueWaiting || s == QueueProcessing
}

// QueueEntry is a request waiting for capacity.
type QueueEntry struct {
	ID                   string      `json:"id"`
	UserID               string      `json:"userId"`
	TenantID             string      `json:"tenantId,omitempty"`
	Status               QueueStatus `json:"status"`
	Priority             int         `json:"priority"`
	UserTier             string      `json:"userTier"`
	Preferences          Preferences `json:"preferences"`
	DurationMinutes      int         `json:"durationMinutes"`
	QueuePosition        int         `json:"queuePosition"`
	EstimatedWaitMinutes int         `json:"estimatedWaitMinutes"`
	MaxWaitMinutes       int         `json:"maxWaitMinutes"`
	AllocatedResourceID  string      `json:"allocatedResourceId,omitempty"`
	AllocationID         string      `json:"allocationId,omitempty"`
	RetryCount           int         `json:"retryCount"`
	LastRetryAt          *time.Time  `json:"lastRetryAt,omitempty"`
	Reason               string      `json:"reason,omitempty"`
	CreatedAt            time.Time   `json:"createdAt"`
	UpdatedAt            time.Time   `json:"updatedAt"`
	// Version is assigned by the repository and bumped on every write.
	Version int64 `json:"version"`
}

// RanksBefore orders entries by priority descending, then by arrival.
func (e *QueueEntry) RanksBefore(o *QueueEntry) bool {
	if e.Priority != o.Priority {
		return e.Priority > o.Priority
	}
	if !e.CreatedAt.Equal(o.CreatedAt) {
		return e.CreatedAt.Before(o.CreatedAt)
	}
	return e.ID < o.ID
}

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationExecuting ReservationStatus = "EXECUTING"
	ReservationCompleted ReservationStatus = "COMPLETED"
	ReservationCancelled ReservationStatus = "CANCELLED"
	ReservationExpired   ReservationStatus = "EXPIRED"
	ReservationFailed    ReservationStatus = "FAILED"
)

// Blocking reports whether a reservation in this status occupies its time window.
func (s ReservationStatus) Blocking() bool {
	return s == ReservationPending || s == ReservationConfirmed || s == ReservationExecuting
}

// Awaiting reports whether the reservation has not started executing yet.
func (s ReservationStatus) Awaiting() bool {
	return s == ReservationPending || s == ReservationConfirmed
}

// Reservation is a future-dated allocation request over [ReservedStartTime, ReservedEndTime).
type Reservation struct {
	ID                  string            `json:"id"`
	UserID              string            `json:"userId"`
	TenantID            string            `json:"tenantId,omitempty"`
	Status              ReservationStatus `json:"status"`
	ReservedStartTime   time.Time         `json:"reservedStartTime"`
	ReservedEndTime     time.Time         `json:"reservedEndTime"`
	DurationMinutes     int               `json:"durationMinutes"`
	Preferences         Preferences       `json:"preferences"`
	AllocatedResourceID string            `json:"allocatedResourceId,omitempty"`
	AllocationID        string            `json:"allocationId,omitempty"`
	RemindBeforeMinutes int               `json:"remindBeforeMinutes"`
	ReminderSent        bool              `json:"reminderSent"`
	ConfirmedAt         *time.Time        `json:"confirmedAt,omitempty"`
	ExecutedAt          *time.Time        `json:"executedAt,omitempty"`
	CancelledAt         *time.Time        `json:"cancelledAt,omitempty"`
	FailedAt            *time.Time        `json:"failedAt,omitempty"`
	CancelReason        string            `json:"cancelReason,omitempty"`
	FailureReason       string            `json:"failureReason,omitempty"`
	ExpireReason        string            `json:"expireReason,omitempty"`
	CreatedAt           time.Time         `json:"createdAt"`
	UpdatedAt           time.Time         `json:"updatedAt"`
	// Version is assigned by the repository and bumped on every write.
	Version int64 `json:"version"`
}

// Overlaps reports whether the reservation window intersects [start, end).
func (r *Reservation) Overlaps(start, end time.Time) bool {
	return r.ReservedStartTime.Before(end) && r.ReservedEndTime.After(start)
}

// QuotaDecision is the quota collaborator's verdict on a prospective allocation.
type QuotaDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// UsageRecord is reported to billing when an allocation ends.
type UsageRecord struct {
	AllocationID    string    `json:"allocationId"`
	UserID          string    `json:"userId"`
	TenantID        string    `json:"tenantId,omitempty"`
	ResourceID      string    `json:"resourceId"`
	Specs           Specs     `json:"specs"`
	StartTime       time.Time `json:"startTime"`
	EndTime         time.Time `json:"endTime"`
	DurationSeconds int64     `json:"durationSeconds"`
}
