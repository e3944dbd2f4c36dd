package capture

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"
)

// fakePane is a scriptable PaneCapturer.
type fakePane struct {
	mu   sync.Mutex
	text map[string]string
	err  error
}

func (f *fakePane) set(session, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.text == nil {
		f.text = make(map[string]string)
	}
	f.text[session] = text
}

func (f *fakePane) Capture(name string, maxLines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.text[name], nil
}

func TestDelta(t *testing.T) {
	tests := []struct {
		name string
		prev []string
		cur  []string
		want []string
	}{
		{
			name: "first capture is all delta",
			prev: nil,
			cur:  []string{"a", "b"},
			want: []string{"a", "b"},
		},
		{
			name: "appended lines",
			prev: []string{"a", "b", "c"},
			cur:  []string{"b", "c", "d"},
			want: []string{"d"},
		},
		{
			name: "no change",
			prev: []string{"a", "b"},
			cur:  []string{"a", "b"},
			want: []string{},
		},
		{
			name: "scrolled past full window",
			prev: []string{"a", "b"},
			cur:  []string{"x", "y"},
			want: []string{"x", "y"},
		},
		{
			name: "repeated lines prefer longest overlap",
			prev: []string{"x", "go", "go"},
			cur:  []string{"go", "go", "go"},
			want: []string{"go"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Delta(tt.prev, tt.cur)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Delta(%v, %v) = %v, want %v", tt.prev, tt.cur, got, tt.want)
			}
		})
	}
}

func TestDeltaUnchangedCaptureIsEmpty(t *testing.T) {
	window := []string{"one", "two", "three"}
	if d := Delta(window, window); len(d) != 0 {
		t.Errorf("unchanged capture produced delta %v", d)
	}
}

func TestCaptureOncePublishesDelta(t *testing.T) {
	pane := &fakePane{}
	e := NewEngine(pane, nil)

	var mu sync.Mutex
	var updates []Update
	e.Subscribe(func(up Update) {
		mu.Lock()
		updates = append(updates, up)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Track(ctx, "jat-FairBay")

	pane.set("jat-FairBay", "line one\nline two\n")
	e.CaptureOnce("jat-FairBay")

	pane.set("jat-FairBay", "line one\nline two\nline three\n")
	e.CaptureOnce("jat-FairBay")

	// Third capture with no change publishes nothing.
	e.CaptureOnce("jat-FairBay")

	mu.Lock()
	defer mu.Unlock()
	if len(updates) != 2 {
		t.Fatalf("published %d updates, want 2", len(updates))
	}
	if !reflect.DeepEqual(updates[0].Delta, []string{"line one", "line two"}) {
		t.Errorf("first delta = %v", updates[0].Delta)
	}
	if !reflect.DeepEqual(updates[1].Delta, []string{"line three"}) {
		t.Errorf("second delta = %v", updates[1].Delta)
	}

	snap, ok := e.Snapshot("jat-FairBay")
	if !ok || len(snap) != 3 {
		t.Errorf("snapshot = %v, ok=%v", snap, ok)
	}
}

func TestWithIntervalsIgnoresUnsetValues(t *testing.T) {
	e := NewEngine(&fakePane{}, nil, WithIntervals(0, 0))
	if e.focusedInterval != FocusedInterval {
		t.Errorf("focused interval = %v, want default %v", e.focusedInterval, FocusedInterval)
	}
	if e.backgroundInterval != BackgroundInterval {
		t.Errorf("background interval = %v, want default %v", e.backgroundInterval, BackgroundInterval)
	}

	e = NewEngine(&fakePane{}, nil, WithIntervals(100*time.Millisecond, 0))
	if e.focusedInterval != 100*time.Millisecond {
		t.Errorf("focused interval = %v, want 100ms", e.focusedInterval)
	}
	if e.backgroundInterval != BackgroundInterval {
		t.Errorf("background interval = %v, want default %v", e.backgroundInterval, BackgroundInterval)
	}
}

func TestUntrackFreesBuffer(t *testing.T) {
	pane := &fakePane{}
	e := NewEngine(pane, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Track(ctx, "jat-FairBay")
	pane.set("jat-FairBay", "hello\n")
	e.CaptureOnce("jat-FairBay")

	e.Untrack("jat-FairBay")
	if _, ok := e.Snapshot("jat-FairBay"); ok {
		t.Error("snapshot available after Untrack")
	}
	// A stray capture after untrack must not panic or resurrect the buffer.
	e.CaptureOnce("jat-FairBay")
	if _, ok := e.Snapshot("jat-FairBay"); ok {
		t.Error("buffer resurrected by capture after Untrack")
	}
}

func TestRingEviction(t *testing.T) {
	r := NewRing(3)
	r.Append("a", "b", "c", "d")
	if got := r.Lines(); !reflect.DeepEqual(got, []string{"b", "c", "d"}) {
		t.Errorf("ring = %v", got)
	}
	if got := r.Tail(2); !reflect.DeepEqual(got, []string{"c", "d"}) {
		t.Errorf("tail = %v", got)
	}
	r.Clear()
	if r.Len() != 0 {
		t.Errorf("len after clear = %d", r.Len())
	}
}

func TestPortDetector(t *testing.T) {
	d := NewPortDetector()

	d.Observe(Update{Session: "server-web", Delta: []string{
		"  VITE v5.0.0  ready in 300 ms",
		"  ➜  Local:   http://localhost:5173/",
	}})
	if port, ok := d.Port("server-web"); !ok || port != 5173 {
		t.Errorf("port = %d, ok=%v; want 5173", port, ok)
	}

	// Later banner wins.
	d.Observe(Update{Session: "server-web", Delta: []string{"listening on http://127.0.0.1:3000"}})
	if port, _ := d.Port("server-web"); port != 3000 {
		t.Errorf("port = %d, want 3000", port)
	}

	// Agent sessions are ignored.
	d.Observe(Update{Session: "jat-FairBay", Delta: []string{"http://localhost:9999/"}})
	if _, ok := d.Port("jat-FairBay"); ok {
		t.Error("agent session should not record a port")
	}

	d.Forget("server-web")
	if _, ok := d.Port("server-web"); ok {
		t.Error("port survived Forget")
	}
}
