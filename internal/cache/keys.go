package cache

import "fmt"

// Key layout:
// - roomKey(docID):   ZSet<userId, expireAtUnix> — score is the logical TTL
// - namesKey(docID):  Hash<userId -> displayName>
// - cursorKey(docID, userID): last cursor JSON, with a real TTL
// - limitKey(scope, subject): fixed-window rate counter
const (
	keyRoomFmt   = "presence:room:{%s}"
	keyNamesFmt  = "presence:room:names:{%s}"
	keyCursorFmt = "presence:cursor:%s:%d"
	keyLimitFmt  = "ratelimit:%s:%s"
)

func roomKey(docID string) string           { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string          { return fmt.Sprintf(keyNamesFmt, docID) }
func limitKey(scope, subject string) string { return fmt.Sprintf(keyLimitFmt, scope, subject) }

func cursorKey(docID string, userID uint64) string {
	return fmt.Sprintf(keyCursorFmt, docID, userID)
}
