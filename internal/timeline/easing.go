// Package timeline implements the Timeline Player (§4.10): sampling a
// sorted list of keyframes at an arbitrary time with per-segment easing,
// componentwise through Arrays, plus the Stopped/Playing/Paused/Finished
// transport state machine that drives it.
package timeline

import "github.com/clasp-systems/clasp/internal/codec"

// bezierNewtonIterations bounds the fixed-iteration Newton-Raphson solve
// used for CubicBezier easing (§4.10 "solved by Newton-Raphson with
// fixed iteration count").
const bezierNewtonIterations = 8

// ease maps a normalized position t∈[0,1] through the curve named by
// easing, consulting bezier only for EasingCubicBezier.
func ease(easing codec.Easing, t float64, bezier [4]float64) float64 {
	switch easing {
	case codec.EasingLinear:
		return t
	case codec.EasingEaseIn:
		return t * t
	case codec.EasingEaseOut:
		u := 1 - t
		return 1 - u*u
	case codec.EasingEaseInOut:
		if t < 0.5 {
			return 2 * t * t
		}
		u := -2*t + 2
		return 1 - u*u/2
	case codec.EasingStep:
		if t < 1 {
			return 0
		}
		return 1
	case codec.EasingCubicBezier:
		return cubicBezierEase(t, bezier)
	default:
		return t
	}
}

// cubicBezierEase treats (x1,y1,x2,y2) as the two interior control
// points of a cubic Bezier whose endpoints are pinned at (0,0) and
// (1,1) — the standard CSS-style timing-function curve. It solves for
// the parameter u whose x(u) equals t via fixed-iteration Newton-Raphson,
// then returns y(u).
func cubicBezierEase(t float64, p [4]float64) float64 {
	x1, y1, x2, y2 := p[0], p[1], p[2], p[3]

	bezierComponent := func(u, a1, a2 float64) float64 {
		v := 1 - u
		return 3*v*v*u*a1 + 3*v*u*u*a2 + u*u*u
	}
	bezierDerivative := func(u, a1, a2 float64) float64 {
		v := 1 - u
		return 3*v*v*a1 + 6*v*u*(a2-a1) + 3*u*u*(1-a2)
	}

	u := t
	for i := 0; i < bezierNewtonIterations; i++ {
		x := bezierComponent(u, x1, x2) - t
		dx := bezierDerivative(u, x1, x2)
		if dx == 0 {
			break
		}
		u -= x / dx
		if u < 0 {
			u = 0
		} else if u > 1 {
			u = 1
		}
	}
	return bezierComponent(u, y1, y2)
}
