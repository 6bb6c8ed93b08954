package mesh

import (
	"encoding/json"
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Pose is a rigid transform: rotate by Rotation, then translate by Position.
// The zero Pose behaves as the identity.
type Pose struct {
	Position r3.Vec
	Rotation r3.Rotation
}

var identityRotation = r3.Rotation{Real: 1}

// Identity returns the identity pose
func Identity() Pose {
	return Pose{Rotation: identityRotation}
}

// NewPose builds a pose from a position and rotation, normalizing the rotation
func NewPose(position r3.Vec, rotation r3.Rotation) Pose {
	return Pose{Position: position, Rotation: normalize(quat.Number(rotation))}
}

// Translation returns a pose that only translates
func Translation(x, y, z float64) Pose {
	return Pose{Position: r3.Vec{X: x, Y: y, Z: z}, Rotation: identityRotation}
}

// Yaw returns a rotation of radians about the vertical (Z) axis
func Yaw(radians float64) r3.Rotation {
	return r3.NewRotation(radians, r3.Vec{Z: 1})
}

// rot returns the pose rotation, mapping the zero quaternion to identity
func (p Pose) rot() r3.Rotation {
	if p.Rotation == (r3.Rotation{}) {
		return identityRotation
	}
	return p.Rotation
}

// Multiply composes two poses so that applying the result equals applying r then l.
func Multiply(l, r Pose) Pose {
	lr := l.rot()
	return Pose{
		Position: r3.Add(l.Position, lr.Rotate(r.Position)),
		Rotation: normalize(quat.Mul(quat.Number(lr), quat.Number(r.rot()))),
	}
}

// Inverse returns the pose that undoes p
func Inverse(p Pose) Pose {
	inv := r3.Rotation(quat.Conj(quat.Number(p.rot())))
	return Pose{
		Position: r3.Scale(-1, inv.Rotate(p.Position)),
		Rotation: inv,
	}
}

// TransformPosition applies p to a point
func TransformPosition(p Pose, v r3.Vec) r3.Vec {
	return r3.Add(p.Position, p.rot().Rotate(v))
}

// Lerp linearly interpolates between two vectors
func Lerp(a, b r3.Vec, t float64) r3.Vec {
	return r3.Add(a, r3.Scale(t, r3.Sub(b, a)))
}

// Slerp spherically interpolates between two rotations along the shortest arc.
func Slerp(a, b r3.Rotation, t float64) r3.Rotation {
	qa := quat.Number(normalizeRotation(a))
	qb := quat.Number(normalizeRotation(b))

	dot := qa.Real*qb.Real + qa.Imag*qb.Imag + qa.Jmag*qb.Jmag + qa.Kmag*qb.Kmag
	if dot < 0 {
		qb = quat.Scale(-1, qb)
		dot = -dot
	}

	// Nearly parallel: fall back to normalized lerp
	if dot > 0.9995 {
		return normalize(quat.Add(qa, quat.Scale(t, quat.Sub(qb, qa))))
	}

	theta := math.Acos(dot)
	sin := math.Sin(theta)
	wa := math.Sin((1-t)*theta) / sin
	wb := math.Sin(t*theta) / sin
	return normalize(quat.Add(quat.Scale(wa, qa), quat.Scale(wb, qb)))
}

// Interpolate blends two poses: position linearly, rotation spherically.
func Interpolate(a, b Pose, t float64) Pose {
	return Pose{
		Position: Lerp(a.Position, b.Position, t),
		Rotation: Slerp(a.rot(), b.rot(), t),
	}
}

// YawOnly strips pitch and roll from a rotation, keeping the heading about Z.
func YawOnly(r r3.Rotation) r3.Rotation {
	if r == (r3.Rotation{}) {
		return identityRotation
	}
	forward := r.Rotate(r3.Vec{X: 1})
	if math.Hypot(forward.X, forward.Y) < 1e-9 {
		return identityRotation
	}
	return Yaw(math.Atan2(forward.Y, forward.X))
}

// ApproxEqual reports whether two poses match within epsilon.
// Rotations q and -q describe the same orientation and compare equal.
func ApproxEqual(a, b Pose, epsilon float64) bool {
	if r3.Norm(r3.Sub(a.Position, b.Position)) > epsilon {
		return false
	}
	qa, qb := quat.Number(a.rot()), quat.Number(b.rot())
	dot := qa.Real*qb.Real + qa.Imag*qb.Imag + qa.Jmag*qb.Jmag + qa.Kmag*qb.Kmag
	return 1-math.Abs(dot) <= epsilon
}

func normalizeRotation(r r3.Rotation) r3.Rotation {
	if r == (r3.Rotation{}) {
		return identityRotation
	}
	return normalize(quat.Number(r))
}

func normalize(q quat.Number) r3.Rotation {
	n := quat.Abs(q)
	if n == 0 {
		return identityRotation
	}
	if n == 1 {
		return r3.Rotation(q)
	}
	return r3.Rotation(quat.Scale(1/n, q))
}

type vecJSON struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type rotationJSON struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

type poseJSON struct {
	Position vecJSON       `json:"position"`
	Rotation *rotationJSON `json:"rotation,omitempty"`
}

// MarshalJSON writes the pose as {"position":{x,y,z},"rotation":{x,y,z,w}}
func (p Pose) MarshalJSON() ([]byte, error) {
	r := p.rot()
	return json.Marshal(poseJSON{
		Position: vecJSON{X: p.Position.X, Y: p.Position.Y, Z: p.Position.Z},
		Rotation: &rotationJSON{X: r.Imag, Y: r.Jmag, Z: r.Kmag, W: r.Real},
	})
}

// UnmarshalJSON reads the MarshalJSON layout; a missing rotation means identity
func (p *Pose) UnmarshalJSON(data []byte) error {
	var pj poseJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return err
	}
	p.Position = r3.Vec{X: pj.Position.X, Y: pj.Position.Y, Z: pj.Position.Z}
	p.Rotation = identityRotation
	if pj.Rotation != nil {
		p.Rotation = normalizeRotation(r3.Rotation{
			Real: pj.Rotation.W,
			Imag: pj.Rotation.X,
			Jmag: pj.Rotation.Y,
			Kmag: pj.Rotation.Z,
		})
	}
	return nil
}
