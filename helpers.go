package tabcoord

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewProcessID generates the unique, lifetime-stable identity of one
// process. The creation timestamp is embedded for log readability only;
// ordering decisions always use the explicit priority fields, never the id
// text.
func NewProcessID(createdAt time.Time) string {
	return fmt.Sprintf("p-%d-%s", createdAt.UnixMilli(), uuid.NewString()[:8])
}
