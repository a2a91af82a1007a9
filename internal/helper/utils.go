package helper

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// chunkNamespace scopes chunk IDs so they never collide with random UUIDs
// issued by other writers of the same collection.
var chunkNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("ezquery/chunk"))

// ChunkID derives a stable UUID from a chunk's offset and content.
// Re-ingesting identical data yields identical IDs.
func ChunkID(offset int, content string) string {
	name := strconv.Itoa(offset) + ":" + content
	return uuid.NewSHA1(chunkNamespace, []byte(name)).String()
}

// Truncate shortens s to at most n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// pretty print
func PrettyPrint(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Warn().Err(err).Msg("Error pretty printing")
		return
	}
	fmt.Println(string(b))
}
