package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

func TestSessionStore_UpdatePersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	st, err := NewSessionStore(dir)
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}

	err = st.Update("agent:main:telegram:direct:42", func(s *Session) {
		s.ThinkingLevel = ThinkHigh
		s.LastChannel = "telegram"
		s.LastTo = "42"
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	st2, err := NewSessionStore(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	sess, ok := st2.Get("agent:main:telegram:direct:42")
	if !ok {
		t.Fatal("session missing after reload")
	}
	if sess.ThinkingLevel != ThinkHigh || sess.LastChannel != "telegram" || sess.LastTo != "42" {
		t.Errorf("reloaded session = %+v", sess)
	}
}

func TestSessionStore_UpdatedAtNeverRegresses(t *testing.T) {
	st, err := NewSessionStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	key := "agent:main"

	if err := st.Update(key, func(s *Session) { s.UpdatedAt = 5000 }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := st.Update(key, func(s *Session) { s.UpdatedAt = 100 }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	sess, _ := st.Get(key)
	if sess.UpdatedAt != 5000 {
		t.Errorf("UpdatedAt = %d, want clamped to 5000", sess.UpdatedAt)
	}

	if err := st.Touch(key); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	sess, _ = st.Get(key)
	if sess.UpdatedAt < 5000 {
		t.Errorf("UpdatedAt = %d after Touch, want >= 5000", sess.UpdatedAt)
	}
}

func TestSession_UnknownKeysSurviveRewrite(t *testing.T) {
	in := []byte(`{
		"sessionKey": "agent:main",
		"thinkingLevel": "low",
		"updatedAt": 1234,
		"customTool": {"budget": 7},
		"legacyFlag": true
	}`)

	var s Session
	if err := json.Unmarshal(in, &s); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if s.ThinkingLevel != ThinkLow {
		t.Errorf("ThinkingLevel = %q, want low", s.ThinkingLevel)
	}

	s.ThinkingLevel = ThinkMax
	out, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var round map[string]json.RawMessage
	if err := json.Unmarshal(out, &round); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if string(round["thinkingLevel"]) != `"max"` {
		t.Errorf("thinkingLevel = %s, want updated value", round["thinkingLevel"])
	}
	if _, ok := round["customTool"]; !ok {
		t.Error("customTool dropped on rewrite")
	}
	if string(round["legacyFlag"]) != "true" {
		t.Errorf("legacyFlag = %s, want preserved", round["legacyFlag"])
	}
}

func TestSessionStore_Transcript(t *testing.T) {
	st, err := NewSessionStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	key := "agent:main:discord:group:guild-1"

	for i, text := range []string{"first", "second", "third"} {
		err := st.AppendTranscript(key, TranscriptEntry{
			At:   int64(1000 + i),
			Role: "user",
			Text: text,
		})
		if err != nil {
			t.Fatalf("AppendTranscript: %v", err)
		}
	}

	entries, err := st.ReadTranscript(key, 2)
	if err != nil {
		t.Fatalf("ReadTranscript: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Text != "second" || entries[1].Text != "third" {
		t.Errorf("tail = %q, %q; want second, third", entries[0].Text, entries[1].Text)
	}
}

func TestSanitizeFilename(t *testing.T) {
	got := sanitizeFilename("agent:main:telegram:direct:+1 555/7")
	if strings.ContainsAny(got, ":/ ") {
		t.Errorf("sanitizeFilename left unsafe chars: %q", got)
	}
}

func TestCronStore(t *testing.T) {
	dir := t.TempDir()
	st, err := NewCronStore(dir)
	if err != nil {
		t.Fatalf("NewCronStore: %v", err)
	}

	a, err := st.Add(CronJob{Name: "morning", Expr: "0 8 * * *", Message: "brief me"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if a.ID == "" || !a.Enabled || a.CreatedAtMs == 0 {
		t.Fatalf("Add returned %+v, want id/enabled/createdAt set", a)
	}
	b, err := st.Add(CronJob{Name: "evening", Expr: "0 22 * * *", Message: "wrap up"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	list := st.List()
	if len(list) != 2 || list[0].ID != a.ID || list[1].ID != b.ID {
		t.Fatalf("List = %+v, want creation order a, b", list)
	}

	if err := st.TouchRun(a.ID); err != nil {
		t.Fatalf("TouchRun: %v", err)
	}
	got, ok := st.Get(a.ID)
	if !ok || got.LastRunAtMs == 0 {
		t.Errorf("Get after TouchRun = %+v", got)
	}

	st2, err := NewCronStore(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(st2.List()) != 2 {
		t.Fatalf("reloaded store has %d jobs, want 2", len(st2.List()))
	}

	removed, err := st2.Remove(a.ID)
	if err != nil || !removed {
		t.Fatalf("Remove = %v, %v; want true", removed, err)
	}
	if removed, _ := st2.Remove("no-such-id"); removed {
		t.Error("Remove of unknown id reported true")
	}
	if len(st2.List()) != 1 {
		t.Errorf("store has %d jobs after remove, want 1", len(st2.List()))
	}
}

// TestCronStore_ListOrderStable verifies rapid adds keep insertion order even
// when the clock gives several jobs the same millisecond.
func TestCronStore_ListOrderStable(t *testing.T) {
	st, err := NewCronStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewCronStore: %v", err)
	}

	var ids []string
	for i := 0; i < 20; i++ {
		job, err := st.Add(CronJob{Name: fmt.Sprintf("job-%d", i), Expr: "* * * * *", Message: "tick"})
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		ids = append(ids, job.ID)
	}

	list := st.List()
	if len(list) != len(ids) {
		t.Fatalf("List has %d jobs, want %d", len(list), len(ids))
	}
	for i, job := range list {
		if job.ID != ids[i] {
			t.Fatalf("List[%d] = %s, want %s (insertion order)", i, job.ID, ids[i])
		}
		if i > 0 && job.CreatedAtMs <= list[i-1].CreatedAtMs {
			t.Fatalf("CreatedAtMs not strictly increasing at %d: %d <= %d", i, job.CreatedAtMs, list[i-1].CreatedAtMs)
		}
	}
}
