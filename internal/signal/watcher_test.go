package signal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDepositAndScan(t *testing.T) {
	dir := t.TempDir()
	w := NewWatcher(dir, nil)

	var got []Signal
	w.Subscribe(func(s Signal) { got = append(got, s) })

	sig := Signal{
		Kind:      KindWorking,
		Session:   "jat-FairBay",
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Payload:   json.RawMessage(`{"taskId":"t-1","taskTitle":"wire the parser"}`),
	}
	if err := Deposit(dir, sig); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	w.Scan()

	if len(got) != 1 {
		t.Fatalf("delivered %d signals, want 1", len(got))
	}
	if got[0].Kind != KindWorking || got[0].Session != "jat-FairBay" {
		t.Errorf("delivered %+v", got[0])
	}
	p, err := got[0].Working()
	if err != nil {
		t.Fatalf("Working payload: %v", err)
	}
	if p.TaskID != "t-1" {
		t.Errorf("TaskID = %q, want t-1", p.TaskID)
	}

	// Inbox must be empty after acknowledgement.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if !e.IsDir() {
			t.Errorf("leftover inbox file %s", e.Name())
		}
	}
}

func TestScanOrderIsByName(t *testing.T) {
	dir := t.TempDir()
	w := NewWatcher(dir, nil)

	var kinds []Kind
	w.Subscribe(func(s Signal) { kinds = append(kinds, s.Kind) })

	// Write files out of order; names force working < review.
	write := func(name string, sig Signal) {
		data, _ := json.Marshal(sig)
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("sig-200-review.json", Signal{Kind: KindReview, Session: "s", Timestamp: time.Now()})
	write("sig-100-working.json", Signal{Kind: KindWorking, Session: "s", Timestamp: time.Now().Add(-time.Second)})

	w.Scan()

	if len(kinds) != 2 || kinds[0] != KindWorking || kinds[1] != KindReview {
		t.Errorf("delivery order = %v, want [working review]", kinds)
	}
}

func TestMalformedFileIsQuarantined(t *testing.T) {
	dir := t.TempDir()
	w := NewWatcher(dir, nil)

	delivered := 0
	w.Subscribe(func(Signal) { delivered++ })

	if err := os.WriteFile(filepath.Join(dir, "sig-1-bad.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	w.Scan()

	if delivered != 0 {
		t.Errorf("malformed file was delivered %d times", delivered)
	}
	poisoned, err := os.ReadDir(filepath.Join(dir, PoisonDir))
	if err != nil || len(poisoned) != 1 {
		t.Fatalf("poison dir = %v entries, err %v; want 1 file", len(poisoned), err)
	}
}

func TestUnknownKindIsDropped(t *testing.T) {
	dir := t.TempDir()
	w := NewWatcher(dir, nil)

	delivered := 0
	w.Subscribe(func(Signal) { delivered++ })

	data, _ := json.Marshal(Signal{Kind: "rebooting", Session: "s", Timestamp: time.Now()})
	if err := os.WriteFile(filepath.Join(dir, "sig-1-rebooting.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	w.Scan()

	if delivered != 0 {
		t.Errorf("unknown kind delivered %d times", delivered)
	}
	// Dropped, not poisoned.
	if _, err := os.Stat(filepath.Join(dir, PoisonDir)); !os.IsNotExist(err) {
		t.Errorf("unknown kind should be dropped, not quarantined")
	}
}

func TestReplayIsIdempotentOnKey(t *testing.T) {
	dir := t.TempDir()
	w := NewWatcher(dir, nil)

	delivered := 0
	w.Subscribe(func(Signal) { delivered++ })

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sig := Signal{Kind: KindCompleted, Session: "jat-FairBay", Timestamp: ts}
	data, _ := json.Marshal(sig)

	// Same (session, kind, timestamp) tuple delivered twice, e.g. a replay
	// after a crash between dispatch and acknowledge.
	for _, name := range []string{"sig-1-completed.json", "sig-2-completed.json"} {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	w.Scan()

	if delivered != 1 {
		t.Errorf("replayed signal delivered %d times, want 1", delivered)
	}
}

func TestDepositRejectsUnknownKind(t *testing.T) {
	if err := Deposit(t.TempDir(), Signal{Kind: "bogus", Session: "s"}); err == nil {
		t.Fatal("Deposit accepted an unknown kind")
	}
}

func TestPayloadAccessors(t *testing.T) {
	sig := Signal{
		Kind:    KindReview,
		Session: "jat-FairBay",
		Payload: json.RawMessage(`{"taskId":"t-9","summary":["did a thing","tested it"],"extraField":true}`),
	}
	p, err := sig.Review()
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if p.TaskID != "t-9" || len(p.Summary) != 2 {
		t.Errorf("payload = %+v", p)
	}

	// Absent payload decodes to zero value.
	empty := Signal{Kind: KindIdle, Session: "s"}
	ip, err := empty.Idle()
	if err != nil || ip.ReadyForWork {
		t.Errorf("empty payload = %+v, err %v", ip, err)
	}
}
