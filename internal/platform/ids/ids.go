// Package ids generates time-ordered identifiers for records and audit entries.
package ids

import (
	"os"
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/ksuid"
)

var (
	nodeOnce sync.Once
	node     *snowflake.Node
)

// NewKSUID generates a new globally unique KSUID string.
func NewKSUID() string {
	return ksuid.New().String()
}

// New returns a snowflake id using the node configured by SNOWFLAKE_NODE
// (default 1). If the node cannot be initialized it falls back to a KSUID.
func New() string {
	nodeOnce.Do(func() {
		nodeID := int64(1)
		if raw := os.Getenv("SNOWFLAKE_NODE"); raw != "" {
			if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
				nodeID = parsed
			}
		}
		node, _ = snowflake.NewNode(nodeID)
	})
	if node == nil {
		return NewKSUID()
	}
	return node.Generate().String()
}
