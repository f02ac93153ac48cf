package timeline

import (
	"testing"

	"github.com/clasp-systems/clasp/internal/codec"
	"github.com/clasp-systems/clasp/internal/value"
)

func linearTimeline() codec.TimelineData {
	return codec.TimelineData{
		Keyframes: []codec.TimelineKeyframe{
			{TimeUs: 0, Value: value.Float(0), Easing: codec.EasingLinear},
			{TimeUs: 1000, Value: value.Float(10), Easing: codec.EasingLinear},
		},
	}
}

func TestSampleLinearMidpoint(t *testing.T) {
	v, ok := Sample(linearTimeline(), 500)
	if !ok {
		t.Fatal("expected a sample")
	}
	f, _ := v.AsFloat()
	if f != 5 {
		t.Fatalf("got %v, want 5", f)
	}
}

func TestSampleClampsBeforeAndAfter(t *testing.T) {
	data := linearTimeline()
	if v, _ := Sample(data, 0); mustFloat(t, v) != 0 {
		t.Fatal("expected value at t=0 to be 0")
	}
	if v, _ := Sample(data, 5000); mustFloat(t, v) != 10 {
		t.Fatal("expected value past duration to clamp at the last keyframe")
	}
}

func TestSampleLoopWraps(t *testing.T) {
	data := linearTimeline()
	data.Loop = true
	v, _ := Sample(data, 1500) // 1500 % 1000 = 500
	if f := mustFloat(t, v); f != 5 {
		t.Fatalf("got %v, want 5 (wrapped)", f)
	}
}

func TestSampleEaseInAtMidpoint(t *testing.T) {
	data := linearTimeline()
	data.Keyframes[1].Easing = codec.EasingEaseIn
	v, _ := Sample(data, 500)
	f := mustFloat(t, v)
	if f != 2.5 { // t=0.5, EaseIn t^2 = 0.25, value = 0 + (10-0)*0.25
		t.Fatalf("got %v, want 2.5", f)
	}
}

func TestSampleArrayComponentwise(t *testing.T) {
	data := codec.TimelineData{
		Keyframes: []codec.TimelineKeyframe{
			{TimeUs: 0, Value: value.Array(value.Float(0), value.Float(100))},
			{TimeUs: 1000, Value: value.Array(value.Float(10), value.Float(200))},
		},
	}
	v, ok := Sample(data, 500)
	if !ok {
		t.Fatal("expected a sample")
	}
	arr, ok := v.AsArray()
	if !ok || len(arr) != 2 {
		t.Fatalf("expected a 2-element array, got %v", v)
	}
	if f, _ := arr[0].AsFloat(); f != 5 {
		t.Fatalf("component 0: got %v, want 5", f)
	}
	if f, _ := arr[1].AsFloat(); f != 150 {
		t.Fatalf("component 1: got %v, want 150", f)
	}
}

func TestPlayerTransportStateMachine(t *testing.T) {
	p := NewPlayer(linearTimeline())
	if p.State() != Stopped {
		t.Fatal("new player should start Stopped")
	}
	p.Play()
	if p.State() != Playing {
		t.Fatal("expected Playing after Play")
	}
	p.Pause()
	if p.State() != Paused {
		t.Fatal("expected Paused after Pause")
	}
	p.Resume()
	if p.State() != Playing {
		t.Fatal("expected Playing after Resume")
	}
	p.Stop()
	if p.State() != Stopped {
		t.Fatal("expected Stopped after Stop")
	}
}

func mustFloat(t *testing.T, v value.Value) float64 {
	t.Helper()
	f, ok := v.AsFloat()
	if !ok {
		t.Fatalf("expected a float value, got %v", v)
	}
	return f
}
