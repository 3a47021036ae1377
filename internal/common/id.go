package common

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DraftIDPrefix marks draft keys so they can share a store with other records
const DraftIDPrefix = "draft_"

// NewDraftID generates a draft ID from the creation time and a random suffix
// Format: draft_<unix-millis>_<7 random chars>
func NewDraftID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:7]
	return fmt.Sprintf("%s%d_%s", DraftIDPrefix, now.UnixMilli(), suffix)
}

// IsDraftID reports whether key carries the draft prefix
func IsDraftID(key string) bool {
	return strings.HasPrefix(key, DraftIDPrefix)
}
