package volume

import (
	"time"

	"github.com/petervdpas/neighborly/internal/conflict"
	"github.com/petervdpas/neighborly/internal/ratelimit"
)

// Debounce is how long a pending change waits for a newer one before it is
// committed.
const Debounce = 300 * time.Millisecond

// Pipeline constants, collected here for callers that only import volume.
const (
	MaxTokens             = ratelimit.MaxTokens
	RefillWindow          = ratelimit.RefillWindow
	ConflictWindow        = conflict.Window
	SampleRetention       = conflict.Retention
	DefaultResolvedVolume = conflict.DefaultVolume
)

// Control actions accepted besides volume changes.
const (
	ActionVolumeChange  = "volume_change"
	ActionCustomMessage = "custom_message"
	ActionEmojiMessage  = "emoji_message"
	ActionThankYou      = "thank_you"
)
