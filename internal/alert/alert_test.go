package alert

import (
	"encoding/json"
	"testing"
	"time"
)

func TestFromWire(t *testing.T) {
	t.Parallel()
	id := uint64(42)
	tests := []struct {
		name    string
		raw     string
		wantID  uint64
		status  Status
		typ     Type
		region  int
		wantErr bool
	}{
		{name: "explicit id", raw: `{"id":42,"status":"Activate","regionId":14,"alarmType":"AIR","createdAt":"2024-03-01T10:00:00Z"}`, wantID: id, status: StatusActivate, typ: TypeAir, region: 14},
		{name: "string region", raw: `{"status":"deactivate","regionId":"14","alarmType":"air","createdAt":"2024-03-01T10:00:00Z"}`, wantID: uint64(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC).UnixMilli()), status: StatusDeactivate, typ: TypeAir, region: 14},
		{name: "unknown type", raw: `{"id":1,"status":"activate","regionId":1,"alarmType":"meteor","createdAt":"2024-03-01T10:00:00"}`, wantID: 1, status: StatusActivate, typ: TypeUnknown, region: 1},
		{name: "bad status", raw: `{"id":1,"status":"maybe","regionId":1,"alarmType":"air","createdAt":"2024-03-01T10:00:00Z"}`, wantErr: true},
		{name: "bad time", raw: `{"id":1,"status":"activate","regionId":1,"alarmType":"air","createdAt":"yesterday"}`, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			var w Wire
			if err := json.Unmarshal([]byte(tt.raw), &w); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			a, err := FromWire("nau", w)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", a)
				}
				return
			}
			if err != nil {
				t.Fatalf("FromWire error: %v", err)
			}
			if a.ID != tt.wantID || a.Status != tt.status || a.Type != tt.typ || a.RegionID != tt.region {
				t.Fatalf("unexpected alert: %+v", a)
			}
			if a.Source != "nau" {
				t.Fatalf("Source = %q, want nau", a.Source)
			}
		})
	}
}

func TestSortByIDStable(t *testing.T) {
	t.Parallel()
	as := []Alert{{ID: 3, RegionID: 1}, {ID: 1}, {ID: 3, RegionID: 2}, {ID: 2}}
	SortByID(as)
	want := []uint64{1, 2, 3, 3}
	for i, a := range as {
		if a.ID != want[i] {
			t.Fatalf("as[%d].ID = %d, want %d", i, a.ID, want[i])
		}
	}
	if as[2].RegionID != 1 || as[3].RegionID != 2 {
		t.Fatalf("equal ids reordered: %+v", as)
	}
}

func TestParseTopic(t *testing.T) {
	t.Parallel()
	if tp, ok := ParseTopic("weeks"); !ok || tp != TopicWeeks {
		t.Fatalf("ParseTopic(weeks) = %q, %v", tp, ok)
	}
	if _, ok := ParseTopic("news"); ok {
		t.Fatal("expected unknown topic")
	}
}

func TestFlexIntRejectsTrailingJunk(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{`14`, `"14"`, `" 14 "`} {
		var f FlexInt
		if err := json.Unmarshal([]byte(raw), &f); err != nil || f != 14 {
			t.Fatalf("%s: got %d, %v", raw, f, err)
		}
	}
	for _, raw := range []string{`"14abc"`, `"1 4"`, `""`, `"x"`} {
		var f FlexInt
		if err := json.Unmarshal([]byte(raw), &f); err == nil {
			t.Fatalf("%s: want error, got %d", raw, f)
		}
	}
}
