package notify

// ── Event type constants ──────────────────────────────────────────────────────
// Value of the "type" field in every payload pushed to viewers of a session.
// The browser client switches on these strings.
const (
	TypeVolumePending     = "volume_pending"
	TypeConflictDetected  = "conflict_detected"
	TypeVolumeApplied     = "volume_applied"
	TypeVolumeError       = "volume_error"
	TypeControllerChanged = "controller_changed"
	TypeSessionJoined     = "session_joined"
	TypeNeighborMessage   = "neighbor_message"
)

// Payload is implemented by every event body.
type Payload interface {
	EventType() string
}

// ── Volume lifecycle payloads ─────────────────────────────────────────────────
//
//   request accepted ──► conflict_detected (only when averaging)
//                    ──► volume_pending
//   debounce elapsed ──► volume_applied | volume_error
//
// A request superseded before its debounce elapses produces nothing further.

// VolumePending announces the change that will be applied once the debounce
// interval elapses without a newer request.
type VolumePending struct {
	Type                 string `json:"type"` // TypeVolumePending
	UserID               string `json:"userId"`
	Volume               int    `json:"volume"`
	OriginalVolume       int    `json:"originalVolume"`
	WillApplyIn          int64  `json:"willApplyIn"` // milliseconds
	IsConflictResolution bool   `json:"isConflictResolution"`
}

// ConflictDetected is published once per averaged resolution, before the
// matching VolumePending.
type ConflictDetected struct {
	Type             string   `json:"type"` // TypeConflictDetected
	ConflictingUsers []string `json:"conflictingUsers"`
	OriginalVolume   int      `json:"originalVolume"`
	AveragedVolume   int      `json:"averagedVolume"`
	Message          string   `json:"message"`
}

// VolumeApplied reports a successful commit to the player.
type VolumeApplied struct {
	Type      string `json:"type"` // TypeVolumeApplied
	UserID    string `json:"userId"`
	Volume    int    `json:"volume"`
	AppliedAt int64  `json:"appliedAt"` // unix milliseconds
}

// VolumeError reports a failed commit. Local state was still updated.
type VolumeError struct {
	Type    string `json:"type"` // TypeVolumeError
	UserID  string `json:"userId"`
	Volume  int    `json:"volume"`
	Message string `json:"message"`
}

// ControllerChanged carries the user now considered in control, or "".
type ControllerChanged struct {
	Type              string `json:"type"` // TypeControllerChanged
	CurrentController string `json:"currentController"`
}

// SessionJoined is sent to a single viewer right after it subscribes.
type SessionJoined struct {
	Type              string `json:"type"` // TypeSessionJoined
	SessionID         string `json:"sessionId"`
	Volume            int    `json:"volume"`
	CurrentController string `json:"currentController"`
}

// NeighborMessage is a short text a neighbor sent to the owner.
type NeighborMessage struct {
	Type    string `json:"type"` // TypeNeighborMessage
	UserID  string `json:"userId"`
	Action  string `json:"action"`
	Message string `json:"message"`
	SentAt  int64  `json:"sentAt"` // unix milliseconds
}

func (VolumePending) EventType() string     { return TypeVolumePending }
func (ConflictDetected) EventType() string  { return TypeConflictDetected }
func (VolumeApplied) EventType() string     { return TypeVolumeApplied }
func (VolumeError) EventType() string       { return TypeVolumeError }
func (ControllerChanged) EventType() string { return TypeControllerChanged }
func (SessionJoined) EventType() string     { return TypeSessionJoined }
func (NeighborMessage) EventType() string   { return TypeNeighborMessage }
