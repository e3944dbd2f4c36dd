package task

import (
	"errors"
	"testing"
)

func TestDecodeTask(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Task
		wantErr error
	}{
		{
			name: "bare object",
			in:   `{"id":"jat-42","title":"Fix login","issue_type":"bug","priority":1,"status":"open"}`,
			want: Task{ID: "jat-42", Title: "Fix login", Type: "bug", Priority: 1, Status: "open"},
		},
		{
			name: "single element array",
			in:   `[{"id":"jat-7","title":"Epic","issue_type":"epic","children":["jat-8","jat-9"]}]`,
			want: Task{ID: "jat-7", Title: "Epic", Type: "epic", Children: []string{"jat-8", "jat-9"}},
		},
		{
			name:    "empty output",
			in:      "",
			wantErr: ErrTaskNotFound,
		},
		{
			name:    "empty array",
			in:      `[]`,
			wantErr: ErrTaskNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeTask([]byte(tt.in))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got.ID != tt.want.ID || got.Type != tt.want.Type || len(got.Children) != len(tt.want.Children) {
				t.Errorf("decoded %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestIsEpic(t *testing.T) {
	if (Task{Type: "epic"}).IsEpic() {
		t.Error("epic without children treated as fan-out epic")
	}
	if !(Task{Type: "epic", Children: []string{"a"}}).IsEpic() {
		t.Error("epic with children not recognized")
	}
	if (Task{Type: "bug", Children: []string{"a"}}).IsEpic() {
		t.Error("non-epic recognized as epic")
	}
}
