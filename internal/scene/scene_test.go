package scene

import (
	"encoding/json"
	"testing"
)

const (
	frameW = 640
	frameH = 480
)

func det(label string, conf, left, top, right, bottom float64) Detection {
	return Detection{Label: label, Confidence: conf, Box: Box{Left: left, Top: top, Right: right, Bottom: bottom}}
}

func TestFilterAllowList(t *testing.T) {
	got := Filter([]Detection{
		det("person", 0.99, 0, 200, 50, 260),
		det("Chair", 0.8, 100, 300, 160, 360),
		det("tv", 0.7, 300, 300, 340, 340),
	}, frameW, frameH)

	if len(got.Objects) != 1 {
		t.Fatalf("expected 1 object, got %d", len(got.Objects))
	}
	if got.Objects[0].Label != "chair" {
		t.Fatalf("expected normalized chair label, got %q", got.Objects[0].Label)
	}
}

func TestFilterKeepsTopThreeByConfidence(t *testing.T) {
	got := Filter([]Detection{
		det("bed", 0.3, 0, 300, 10, 310),
		det("door", 0.9, 0, 300, 10, 310),
		det("table", 0.5, 0, 300, 10, 310),
		det("stairs", 0.7, 0, 300, 10, 310),
		det("couch", 0.5, 0, 300, 10, 310),
	}, frameW, frameH)

	want := []string{"door", "stairs", "table"}
	if len(got.Objects) != len(want) {
		t.Fatalf("expected %d objects, got %d", len(want), len(got.Objects))
	}
	for i, label := range want {
		if got.Objects[i].Label != label {
			t.Fatalf("rank %d: expected %s, got %s", i, label, got.Objects[i].Label)
		}
	}
}

func TestFilterClassification(t *testing.T) {
	cases := []struct {
		name string
		det  Detection
		dir  Direction
		prox Proximity
	}{
		{"left near", det("chair", 0.8, 100, 300, 160, 360), Left, Near},
		{"right far", det("door", 0.8, 500, 10, 560, 100), Right, Far},
		{"ahead near", det("table", 0.8, 300, 200, 340, 240), Ahead, Near},
		{"very close wins over far", det("bed", 0.8, 0, 0, 640, 200), Ahead, VeryClose},
		{"quarter area is not very close", det("couch", 0.8, 0, 240, 320, 480), Left, Near},
	}
	for _, tc := range cases {
		got := Filter([]Detection{tc.det}, frameW, frameH)
		if len(got.Objects) != 1 {
			t.Fatalf("%s: expected 1 object", tc.name)
		}
		o := got.Objects[0]
		if o.Direction != tc.dir || o.Proximity != tc.prox {
			t.Fatalf("%s: got %s/%s", tc.name, o.Direction, o.Proximity)
		}
	}
}

func TestFilterEmpty(t *testing.T) {
	if !Filter(nil, frameW, frameH).Empty() {
		t.Fatal("expected empty scene for no detections")
	}
	if !Filter([]Detection{det("person", 0.9, 0, 0, 10, 10)}, frameW, frameH).Empty() {
		t.Fatal("expected empty scene when nothing is allow-listed")
	}
	if !Filter([]Detection{det("chair", 0.9, 0, 0, 10, 10)}, 0, frameH).Empty() {
		t.Fatal("expected empty scene for zero-sized frame")
	}
}

func TestFingerprint(t *testing.T) {
	dets := []Detection{
		det("chair", 0.8, 100, 300, 160, 360),
		det("door", 0.6, 500, 10, 560, 100),
	}
	a := Filter(dets, frameW, frameH).Fingerprint()
	b := Filter(dets, frameW, frameH).Fingerprint()
	if a != b {
		t.Fatalf("expected deterministic fingerprint, got %q and %q", a, b)
	}
	if a != "chair_Left_Near|door_Right_Far" {
		t.Fatalf("unexpected fingerprint %q", a)
	}

	reordered := Scene{Objects: []Object{
		{Label: "door", Direction: Right, Proximity: Far},
		{Label: "chair", Direction: Left, Proximity: Near},
	}}
	if reordered.Fingerprint() == a {
		t.Fatal("expected fingerprint to depend on rank order")
	}

	if (Scene{}).Fingerprint() != EmptyFingerprint {
		t.Fatal("expected empty fingerprint for empty scene")
	}
}

func TestPayload(t *testing.T) {
	s := Filter([]Detection{det("chair", 0.8, 100, 300, 160, 360)}, frameW, frameH)
	data, err := s.Payload()
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	var decoded struct {
		Objects []map[string]any `json:"objects"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded.Objects) != 1 {
		t.Fatalf("expected 1 payload object, got %d", len(decoded.Objects))
	}
	obj := decoded.Objects[0]
	if obj["label"] != "chair" || obj["direction"] != "left" || obj["proximity"] != "near" {
		t.Fatalf("unexpected payload object %v", obj)
	}
	if obj["confidence"].(float64) != 0.8 {
		t.Fatalf("unexpected confidence %v", obj["confidence"])
	}
}
