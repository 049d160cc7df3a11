package common

import (
	"math/rand"
	"os"
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	idNode *snowflake.Node
	idOnce sync.Once
)

func node() *snowflake.Node {
	idOnce.Do(func() {
		nodeID := int64(rand.Intn(1024))
		if v := os.Getenv("WAGATE_NODE_ID"); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				nodeID = n % 1024
			}
		}
		n, err := snowflake.NewNode(nodeID)
		if err != nil {
			panic(err)
		}
		idNode = n
	})
	return idNode
}

// NewID returns a new snowflake id.
func NewID() int64 {
	return node().Generate().Int64()
}

// NewIDString returns a new snowflake id in base58 string form.
func NewIDString() string {
	return node().Generate().Base58()
}
