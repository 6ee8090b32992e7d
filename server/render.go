package server

import "math"

// renderer produces synthetic depth planes: a slowly orbiting radial
// bump over a tilted ground plane. It stands in for the inference model
// so the service is runnable and testable without a GPU; the values are
// deterministic in (x, y, t), which the tests rely on.
type renderer struct {
	width  int
	height int
}

// renderScene bounds, in scene units.
const (
	sceneNear = 0.5
	sceneFar  = 8.0
)

// render fills a depth plane for the given media timestamp and returns
// it with its value range.
func (r *renderer) render(timestampMs int64) (values []float32, zMin, zMax float32) {
	w, h := r.width, r.height
	values = make([]float32, w*h)

	phase := float64(timestampMs) / 1000.0
	cx := 0.5 + 0.3*math.Cos(phase)
	cy := 0.5 + 0.3*math.Sin(phase)

	for y := 0; y < h; y++ {
		ny := float64(y) / float64(h)
		for x := 0; x < w; x++ {
			nx := float64(x) / float64(w)
			// Ground plane receding with y, plus a radial bump at (cx, cy).
			d := sceneNear + (sceneFar-sceneNear)*ny
			dx, dy := nx-cx, ny-cy
			d -= 2.0 * math.Exp(-(dx*dx+dy*dy)/0.02)
			if d < sceneNear {
				d = sceneNear
			}
			values[y*w+x] = float32(d)
		}
	}
	return values, sceneNear, sceneFar
}
