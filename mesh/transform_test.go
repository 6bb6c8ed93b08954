package mesh

import (
	"encoding/json"
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

const epsilon = 1e-10

// almostEqual checks if two floats are equal within epsilon tolerance
func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < epsilon
}

// vecsEqual checks if two vectors are equal within a tolerance
func vecsEqual(a, b r3.Vec, tol float64) bool {
	return r3.Norm(r3.Sub(a, b)) < tol
}

func TestTransformPosition(t *testing.T) {
	tests := []struct {
		name  string
		pose  Pose
		point r3.Vec
		want  r3.Vec
	}{
		{
			name:  "identity",
			pose:  Identity(),
			point: r3.Vec{X: 10, Y: 20, Z: 3},
			want:  r3.Vec{X: 10, Y: 20, Z: 3},
		},
		{
			name:  "zero pose behaves as identity",
			pose:  Pose{},
			point: r3.Vec{X: 1, Y: 2, Z: 3},
			want:  r3.Vec{X: 1, Y: 2, Z: 3},
		},
		{
			name:  "translation only",
			pose:  Translation(10, 15, 0),
			point: r3.Vec{X: 5, Y: 5},
			want:  r3.Vec{X: 15, Y: 20},
		},
		{
			name:  "yaw 90 degrees",
			pose:  NewPose(r3.Vec{}, Yaw(math.Pi/2)),
			point: r3.Vec{X: 1},
			want:  r3.Vec{Y: 1},
		},
		{
			name:  "rotate then translate",
			pose:  NewPose(r3.Vec{X: 100}, Yaw(math.Pi)),
			point: r3.Vec{X: 1, Y: 1},
			want:  r3.Vec{X: 99, Y: -1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TransformPosition(tt.pose, tt.point)
			if !vecsEqual(got, tt.want, 1e-9) {
				t.Errorf("TransformPosition() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestMultiplyComposesRightFirst(t *testing.T) {
	l := NewPose(r3.Vec{X: 10}, Yaw(math.Pi/2))
	r := NewPose(r3.Vec{Y: 5}, Yaw(math.Pi/4))
	p := r3.Vec{X: 1, Y: 2, Z: 3}

	want := TransformPosition(l, TransformPosition(r, p))
	got := TransformPosition(Multiply(l, r), p)
	if !vecsEqual(got, want, 1e-9) {
		t.Errorf("Multiply(l, r) applied = %+v, want %+v", got, want)
	}
}

func TestInverse(t *testing.T) {
	poses := []Pose{
		Identity(),
		Translation(3, -4, 5),
		NewPose(r3.Vec{X: 1, Y: 2, Z: 3}, Yaw(0.7)),
		NewPose(r3.Vec{X: -8, Y: 0.5}, r3.NewRotation(1.1, r3.Vec{X: 1, Y: 1, Z: 0})),
	}

	for _, p := range poses {
		got := Multiply(p, Inverse(p))
		if !ApproxEqual(got, Identity(), 1e-9) {
			t.Errorf("p * inverse(p) = %+v, want identity", got)
		}
		got = Multiply(Inverse(p), p)
		if !ApproxEqual(got, Identity(), 1e-9) {
			t.Errorf("inverse(p) * p = %+v, want identity", got)
		}
	}
}

func TestSlerp(t *testing.T) {
	a := Yaw(0)
	b := Yaw(math.Pi / 2)

	tests := []struct {
		name string
		t    float64
		yaw  float64
	}{
		{"start", 0, 0},
		{"quarter", 0.25, math.Pi / 8},
		{"half", 0.5, math.Pi / 4},
		{"end", 1, math.Pi / 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Slerp(a, b, tt.t)
			want := Yaw(tt.yaw)
			if !ApproxEqual(Pose{Rotation: got}, Pose{Rotation: want}, 1e-9) {
				t.Errorf("Slerp(%v) = %+v, want %+v", tt.t, got, want)
			}
		})
	}
}

func TestSlerpTakesShortestArc(t *testing.T) {
	a := Yaw(0.1)
	b := Yaw(-0.1)
	// Negated quaternion is the same orientation
	negB := b
	negB.Real, negB.Imag, negB.Jmag, negB.Kmag = -b.Real, -b.Imag, -b.Jmag, -b.Kmag

	got := Slerp(a, negB, 0.5)
	if !ApproxEqual(Pose{Rotation: got}, Identity(), 1e-9) {
		t.Errorf("Slerp across hemispheres = %+v, want identity", got)
	}
}

func TestInterpolate(t *testing.T) {
	a := Translation(0, 0, 0)
	b := NewPose(r3.Vec{X: 10, Y: 20}, Yaw(math.Pi/2))

	got := Interpolate(a, b, 0.5)
	if !vecsEqual(got.Position, r3.Vec{X: 5, Y: 10}, 1e-9) {
		t.Errorf("Interpolate position = %+v", got.Position)
	}
	if !ApproxEqual(Pose{Rotation: got.Rotation}, Pose{Rotation: Yaw(math.Pi / 4)}, 1e-9) {
		t.Errorf("Interpolate rotation = %+v", got.Rotation)
	}
}

func TestYawOnly(t *testing.T) {
	yaw := 0.6
	pitched := NewPose(r3.Vec{}, Yaw(yaw))
	pitched = Multiply(pitched, NewPose(r3.Vec{}, r3.NewRotation(0.3, r3.Vec{Y: 1})))
	pitched = Multiply(pitched, NewPose(r3.Vec{}, r3.NewRotation(0.2, r3.Vec{X: 1})))

	got := YawOnly(pitched.Rotation)
	if !ApproxEqual(Pose{Rotation: got}, Pose{Rotation: Yaw(yaw)}, 1e-9) {
		t.Errorf("YawOnly() = %+v, want yaw %v", got, yaw)
	}

	up := got.Rotate(r3.Vec{Z: 1})
	if !vecsEqual(up, r3.Vec{Z: 1}, 1e-9) {
		t.Errorf("YawOnly() tilts the vertical axis: %+v", up)
	}
}

func TestPoseJSON(t *testing.T) {
	p := NewPose(r3.Vec{X: 1.5, Y: -2, Z: 3}, Yaw(0.25))

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got Pose
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !ApproxEqual(got, p, 1e-12) {
		t.Errorf("decoded %+v, want %+v", got, p)
	}
}

func TestPoseJSONMissingRotation(t *testing.T) {
	var got Pose
	if err := json.Unmarshal([]byte(`{"position":{"x":1,"y":2,"z":3}}`), &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !ApproxEqual(got, Translation(1, 2, 3), epsilon) {
		t.Errorf("decoded %+v, want pure translation", got)
	}
	if !almostEqual(got.Rotation.Real, 1) {
		t.Errorf("missing rotation should decode to identity, got %+v", got.Rotation)
	}
}
