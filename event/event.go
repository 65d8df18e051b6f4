package event

import (
	"strings"
	"time"
)

// Event is one message on the bus. Tags are slash separated, most
// specific part last, so waiters can subscribe by prefix.
type Event struct {
	Tag   string         `json:"tag"`
	Data  map[string]any `json:"data"`
	Stamp time.Time      `json:"_stamp"`
}

// MinionID returns the "id" field of the payload, if any.
func (e Event) MinionID() string {
	id, _ := e.Data["id"].(string)
	return id
}

// =============================================================================
// 🏷️ Tags
// =============================================================================

// JobNewTag is fired when a remote job has been published.
func JobNewTag(jid string) string { return "job/" + jid + "/new" }

// JobRetPrefix matches every return of a remote job.
func JobRetPrefix(jid string) string { return "job/" + jid + "/ret/" }

// JobRetTag is fired by a minion when it finishes a job.
func JobRetTag(jid, minion string) string { return JobRetPrefix(jid) + minion }

// JobPublishPrefix matches job publications minions listen for.
const JobPublishPrefix = "pub/"

// JobPublishTag carries a job to minions.
func JobPublishTag(jid string) string { return JobPublishPrefix + jid }

// RunNewTag is fired when a runner job starts.
func RunNewTag(jid string) string { return "run/" + jid + "/new" }

// RunRetTag is fired when a runner job finishes.
func RunRetTag(jid string) string { return "run/" + jid + "/ret" }

// RunProgressTag carries intermediate output of a runner job.
func RunProgressTag(jid, suffix string) string {
	if suffix == "" {
		return "run/" + jid + "/progress"
	}
	return "run/" + jid + "/progress/" + suffix
}

// MinionStartTag is fired when a minion agent connects.
func MinionStartTag(id string) string { return "minion/" + id + "/start" }

// MinionHeartbeatTag is fired periodically by a connected minion.
func MinionHeartbeatTag(id string) string { return "minion/" + id + "/heartbeat" }

// JIDFromTag extracts the jid of a job/ or run/ tag.
func JIDFromTag(tag string) (string, bool) {
	parts := strings.SplitN(tag, "/", 3)
	if len(parts) < 3 || (parts[0] != "job" && parts[0] != "run") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
