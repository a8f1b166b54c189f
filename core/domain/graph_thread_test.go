package domain

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func ref(threadID string, ts time.Time) ThreadRef {
	return ThreadRef{ThreadID: threadID, Account: "work", Timestamp: ts}
}

func TestThreadListTouch(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("prepends new thread", func(t *testing.T) {
		list := ThreadList{ref("t1", base)}
		list = list.Touch(ref("t2", base.Add(time.Hour)))

		if len(list) != 2 {
			t.Fatalf("len = %d, want 2", len(list))
		}
		if list[0].ThreadID != "t2" {
			t.Errorf("front = %s, want t2", list[0].ThreadID)
		}
		if list[1].ThreadID != "t1" {
			t.Errorf("back = %s, want t1", list[1].ThreadID)
		}
	})

	t.Run("existing thread moves to front with new timestamp", func(t *testing.T) {
		list := ThreadList{
			ref("t3", base.Add(2*time.Hour)),
			ref("t1", base),
		}
		later := base.Add(3 * time.Hour)
		list = list.Touch(ref("t1", later))

		if len(list) != 2 {
			t.Fatalf("len = %d, want 2 (no duplicate entry)", len(list))
		}
		if list[0].ThreadID != "t1" {
			t.Errorf("front = %s, want t1", list[0].ThreadID)
		}
		if !list[0].Timestamp.Equal(later) {
			t.Errorf("front timestamp = %v, want %v", list[0].Timestamp, later)
		}
	})

	t.Run("caps at MaxRecentThreads", func(t *testing.T) {
		var list ThreadList
		for i := 0; i < MaxRecentThreads+20; i++ {
			list = list.Touch(ref(fmt.Sprintf("t%d", i), base.Add(time.Duration(i)*time.Minute)))
		}

		if len(list) != MaxRecentThreads {
			t.Fatalf("len = %d, want %d", len(list), MaxRecentThreads)
		}
		// Newest survives at the front, oldest got dropped.
		if got := list[0].ThreadID; got != fmt.Sprintf("t%d", MaxRecentThreads+19) {
			t.Errorf("front = %s, want t%d", got, MaxRecentThreads+19)
		}
		if list.Contains("t0") {
			t.Errorf("oldest entry t0 should have been evicted")
		}
	})

	t.Run("touching a full list with a known thread does not evict", func(t *testing.T) {
		var list ThreadList
		for i := 0; i < MaxRecentThreads; i++ {
			list = list.Touch(ref(fmt.Sprintf("t%d", i), base.Add(time.Duration(i)*time.Minute)))
		}
		list = list.Touch(ref("t0", base.Add(time.Hour * 24)))

		if len(list) != MaxRecentThreads {
			t.Fatalf("len = %d, want %d", len(list), MaxRecentThreads)
		}
		if list[0].ThreadID != "t0" {
			t.Errorf("front = %s, want t0", list[0].ThreadID)
		}
		if !list.Contains("t1") {
			t.Errorf("t1 should still be present")
		}
	})
}

func TestThreadListJSON(t *testing.T) {
	t.Run("nil list marshals as empty array", func(t *testing.T) {
		var list ThreadList
		data, err := list.MarshalJSON()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if string(data) != "[]" {
			t.Errorf("marshal(nil) = %s, want []", data)
		}
	})

	t.Run("round trip keeps wire keys", func(t *testing.T) {
		ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		list := ThreadList{{ThreadID: "t1", Account: "personal", Timestamp: ts}}

		data, err := list.MarshalJSON()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		for _, key := range []string{`"threadId"`, `"account"`, `"timestamp"`} {
			if !strings.Contains(string(data), key) {
				t.Errorf("marshaled form %s missing key %s", data, key)
			}
		}

		parsed, err := ParseThreadList(data)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if len(parsed) != 1 || parsed[0].ThreadID != "t1" || parsed[0].Account != "personal" {
			t.Errorf("round trip = %+v", parsed)
		}
		if !parsed[0].Timestamp.Equal(ts) {
			t.Errorf("timestamp = %v, want %v", parsed[0].Timestamp, ts)
		}
	})

	t.Run("empty input parses to empty list", func(t *testing.T) {
		parsed, err := ParseThreadList(nil)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if parsed == nil || len(parsed) != 0 {
			t.Errorf("parse(nil) = %v, want empty list", parsed)
		}
	})
}
