package grid

import "testing"

type link struct {
	x, y, sx, sy, slot int
}

func forwardLinks(f Field) map[link]bool {
	out := map[link]bool{}
	for y := 0; y < f.Dst.Y; y++ {
		for x := 0; x < f.Dst.X; x++ {
			f.Each(x, y, func(sx, sy, slot int) {
				out[link{x, y, sx, sy, slot}] = true
			})
		}
	}
	return out
}

func reverseLinks(f Field) map[link]bool {
	out := map[link]bool{}
	for sy := 0; sy < f.Src.Y; sy++ {
		for sx := 0; sx < f.Src.X; sx++ {
			f.EachReceiver(sx, sy, func(x, y, slot int) {
				out[link{x, y, sx, sy, slot}] = true
			})
		}
	}
	return out
}

func TestEachReceiverIsTransposeOfEach(t *testing.T) {
	cases := []struct {
		name     string
		src, dst Int2
		radius   int
	}{
		{name: "same size", src: Int2{X: 6, Y: 6}, dst: Int2{X: 6, Y: 6}, radius: 2},
		{name: "upsample", src: Int2{X: 4, Y: 3}, dst: Int2{X: 16, Y: 16}, radius: 3},
		{name: "downsample", src: Int2{X: 16, Y: 16}, dst: Int2{X: 5, Y: 4}, radius: 2},
		{name: "zero radius", src: Int2{X: 5, Y: 5}, dst: Int2{X: 8, Y: 8}, radius: 0},
		{name: "single cell", src: Int2{X: 1, Y: 1}, dst: Int2{X: 3, Y: 2}, radius: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := NewField(tc.src, tc.dst, tc.radius)
			fwd := forwardLinks(f)
			rev := reverseLinks(f)
			if len(fwd) != len(rev) {
				t.Fatalf("link count mismatch: forward=%d reverse=%d", len(fwd), len(rev))
			}
			for l := range fwd {
				if !rev[l] {
					t.Fatalf("reverse pass missed link %+v", l)
				}
			}
		})
	}
}

func TestFieldSlotsAndClipping(t *testing.T) {
	f := NewField(Int2{X: 5, Y: 5}, Int2{X: 5, Y: 5}, 1)
	if f.Count() != 9 || f.Middle() != 4 {
		t.Fatalf("unexpected count/middle: %d/%d", f.Count(), f.Middle())
	}
	var corner, interior int
	f.Each(0, 0, func(sx, sy, slot int) { corner++ })
	f.Each(2, 2, func(sx, sy, slot int) {
		interior++
		if sx == 2 && sy == 2 && slot != f.Middle() {
			t.Fatalf("expected middle slot for zero offset, got %d", slot)
		}
	})
	if corner != 4 {
		t.Fatalf("expected clipped corner window of 4 cells, got %d", corner)
	}
	if interior != 9 {
		t.Fatalf("expected full interior window of 9 cells, got %d", interior)
	}
}

func TestCenterProjectsAcrossScales(t *testing.T) {
	f := NewField(Int2{X: 4, Y: 4}, Int2{X: 16, Y: 16}, 1)
	if x, y := f.Center(0, 0); x != 0 || y != 0 {
		t.Fatalf("unexpected centre for origin: %d,%d", x, y)
	}
	if x, y := f.Center(15, 15); x != 3 || y != 3 {
		t.Fatalf("unexpected centre for far corner: %d,%d", x, y)
	}
	if x, _ := f.Center(8, 0); x != 2 {
		t.Fatalf("unexpected centre for midpoint: %d", x)
	}
}
