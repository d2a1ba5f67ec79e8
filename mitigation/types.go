// Package mitigation implements priority-ordered threshold mitigation with
// hysteresis, cooldown, snapshot capture, apply and LIFO restore.
package mitigation

import (
	"time"

	"github.com/cepro/powerguard/priority"
	"github.com/google/uuid"
)

// LogMax bounds the diagnostic scan log ring.
const LogMax = 50

// Trigger ids fired back into the host platform.
const (
	TriggerPowerLimitExceeded = "power_limit_exceeded"
	TriggerMitigationApplied  = "mitigation_applied"
	TriggerMitigationCleared  = "mitigation_cleared"
)

// Outcome classifies one diagnostic-scan log line.
type Outcome string

const (
	OutcomeApplied             Outcome = "applied"
	OutcomeSkippedDisabled     Outcome = "skipped_disabled"
	OutcomeSkippedDynamic      Outcome = "skipped_dynamic_current"
	OutcomeSkippedMinRuntime   Outcome = "skipped_min_runtime"
	OutcomeSkippedAlreadyDone  Outcome = "skipped_already_mitigated"
	OutcomeSkippedCycleUsed    Outcome = "skipped_cycle_already_acted"
	OutcomeCapabilityMismatch  Outcome = "capability_unsupported"
	OutcomeDeviceGone          Outcome = "device_gone"
	OutcomeTransientError      Outcome = "transient_error"
	OutcomeRestored            Outcome = "restored"
	OutcomeRestoreKeptMinOff   Outcome = "restore_kept_min_off_time"
	OutcomeRestoreFailedPopped Outcome = "restore_failed_popped"
)

// LogEntry is one diagnostic-scan record, surfaced via getStatus().log.
type LogEntry struct {
	Time     time.Time
	DeviceID uuid.UUID
	Name     string
	Action   priority.Action
	Outcome  Outcome
	Detail   string
}

// Status is the subset of Engine state the supervisor's getStatus() reports.
type Status struct {
	OverLimitCount      int
	MitigatedDevices    []priority.MitigatedEntry
	Log                 []LogEntry
	LastMitigationScan  time.Time
	LastMitigationTime  time.Time
}
