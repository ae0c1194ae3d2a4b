package message

import "github.com/google/uuid"

// IDGenerator generates unique message IDs.
type IDGenerator func() string

// NewID is used by sources and sinks to assign IDs to items that arrive
// without one. Tests may replace it for deterministic output.
var NewID IDGenerator = uuid.NewString
