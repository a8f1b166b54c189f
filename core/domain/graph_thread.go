package domain

import (
	"time"

	"github.com/goccy/go-json"
)

// MaxRecentThreads bounds the recent-threads list on contacts and
// email addresses.
const MaxRecentThreads = 100

// ThreadRef is one recent-thread entry. The JSON key names are the stored
// wire format and must not change.
type ThreadRef struct {
	ThreadID  string    `json:"threadId"`
	Account   string    `json:"account"`
	Timestamp time.Time `json:"timestamp"`
}

// ThreadList holds the most recent thread references, newest first,
// deduplicated by thread id, capped at MaxRecentThreads.
type ThreadList []ThreadRef

// Touch prepends ref, drops any older entry for the same thread id and
// truncates the result. A thread already in the list moves to the front
// with the new timestamp.
func (t ThreadList) Touch(ref ThreadRef) ThreadList {
	out := make(ThreadList, 0, len(t)+1)
	out = append(out, ref)
	for _, r := range t {
		if r.ThreadID == ref.ThreadID {
			continue
		}
		out = append(out, r)
	}
	if len(out) > MaxRecentThreads {
		out = out[:MaxRecentThreads]
	}
	return out
}

// Contains reports whether a thread id is in the list.
func (t ThreadList) Contains(threadID string) bool {
	for _, r := range t {
		if r.ThreadID == threadID {
			return true
		}
	}
	return false
}

// MarshalJSON renders a nil list as the empty array rather than null,
// matching the stored column default.
func (t ThreadList) MarshalJSON() ([]byte, error) {
	if t == nil {
		t = ThreadList{}
	}
	return json.Marshal([]ThreadRef(t))
}

// ParseThreadList decodes the stored JSON form. Empty input yields an
// empty list.
func ParseThreadList(data []byte) (ThreadList, error) {
	if len(data) == 0 {
		return ThreadList{}, nil
	}
	var t ThreadList
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return t, nil
}
