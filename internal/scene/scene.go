// Package scene turns raw detector output into the small ranked scene that
// drives narration, and derives the fingerprint used to suppress repeats.
package scene

import (
	"encoding/json"
	"sort"
	"strings"
)

// MaxObjects bounds how many objects a scene may carry.
const MaxObjects = 3

// EmptyFingerprint identifies a scene with no objects.
const EmptyFingerprint Fingerprint = ""

var allowed = map[string]struct{}{
	"bed":    {},
	"couch":  {},
	"chair":  {},
	"table":  {},
	"door":   {},
	"stairs": {},
}

// Allowed reports whether label is narrated at all.
func Allowed(label string) bool {
	_, ok := allowed[normalize(label)]
	return ok
}

func normalize(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

// Box is a bounding box in frame pixel coordinates.
type Box struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

func (b Box) Center() (float64, float64) {
	return (b.Left + b.Right) / 2, (b.Top + b.Bottom) / 2
}

func (b Box) Area() float64 {
	w := b.Right - b.Left
	h := b.Bottom - b.Top
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Detection is one raw detector result.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

type Direction int

const (
	Ahead Direction = iota
	Left
	Right
)

func (d Direction) String() string {
	switch d {
	case Left:
		return "Left"
	case Right:
		return "Right"
	default:
		return "Ahead"
	}
}

// Phrase is the spoken form used in generation prompts.
func (d Direction) Phrase() string {
	switch d {
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return "in front of you"
	}
}

type Proximity int

const (
	Near Proximity = iota
	VeryClose
	Far
)

func (p Proximity) String() string {
	switch p {
	case VeryClose:
		return "VeryClose"
	case Far:
		return "Far"
	default:
		return "Near"
	}
}

func (p Proximity) Phrase() string {
	switch p {
	case VeryClose:
		return "very close"
	case Far:
		return "far"
	default:
		return "near"
	}
}

// Object is a classified, allow-listed detection.
type Object struct {
	Label      string
	Direction  Direction
	Proximity  Proximity
	Confidence float64
}

// Scene is ordered by descending confidence and never exceeds MaxObjects.
type Scene struct {
	Objects []Object
}

func (s Scene) Empty() bool {
	return len(s.Objects) == 0
}

// Filter drops non-allow-listed labels, classifies direction and proximity
// against the frame dimensions and keeps the MaxObjects most confident
// objects. Ties keep detector order.
func Filter(dets []Detection, width, height int) Scene {
	if width <= 0 || height <= 0 || len(dets) == 0 {
		return Scene{}
	}
	w := float64(width)
	h := float64(height)
	frameArea := w * h

	objects := make([]Object, 0, len(dets))
	for _, d := range dets {
		label := normalize(d.Label)
		if _, ok := allowed[label]; !ok {
			continue
		}
		cx, cy := d.Box.Center()
		objects = append(objects, Object{
			Label:      label,
			Direction:  classifyDirection(cx, w),
			Proximity:  classifyProximity(d.Box.Area(), cy, frameArea, h),
			Confidence: d.Confidence,
		})
	}

	sort.SliceStable(objects, func(i, j int) bool {
		return objects[i].Confidence > objects[j].Confidence
	})
	if len(objects) > MaxObjects {
		objects = objects[:MaxObjects]
	}
	if len(objects) == 0 {
		return Scene{}
	}
	return Scene{Objects: objects}
}

func classifyDirection(cx, width float64) Direction {
	switch {
	case cx < width/3:
		return Left
	case cx > 2*width/3:
		return Right
	default:
		return Ahead
	}
}

func classifyProximity(area, cy, frameArea, height float64) Proximity {
	switch {
	case area > frameArea/4:
		return VeryClose
	case cy < height/3:
		return Far
	default:
		return Near
	}
}

// Fingerprint is a compact identity of a scene; equal scenes share one.
type Fingerprint string

func (s Scene) Fingerprint() Fingerprint {
	if len(s.Objects) == 0 {
		return EmptyFingerprint
	}
	parts := make([]string, len(s.Objects))
	for i, o := range s.Objects {
		parts[i] = o.Label + "_" + o.Direction.String() + "_" + o.Proximity.String()
	}
	return Fingerprint(strings.Join(parts, "|"))
}

type payloadObject struct {
	Label      string  `json:"label"`
	Direction  string  `json:"direction"`
	Proximity  string  `json:"proximity"`
	Confidence float64 `json:"confidence"`
}

type payload struct {
	Objects []payloadObject `json:"objects"`
}

// Payload renders the scene as the JSON object embedded in generation
// prompts.
func (s Scene) Payload() ([]byte, error) {
	p := payload{Objects: make([]payloadObject, len(s.Objects))}
	for i, o := range s.Objects {
		p.Objects[i] = payloadObject{
			Label:      o.Label,
			Direction:  o.Direction.Phrase(),
			Proximity:  o.Proximity.Phrase(),
			Confidence: o.Confidence,
		}
	}
	return json.Marshal(p)
}
