package grid

// Field describes the square receptive windows that units of a receiving grid
// (Dst) open onto a source grid (Src). A receiving unit's window is centred on
// its projection into the source and spans Radius cells in each direction.
// Windows that cross the source border are clipped; the clipped connection
// slots still exist so the slot index of an offset never depends on position.
type Field struct {
	Src    Int2
	Dst    Int2
	Radius int

	reverse Int2
}

func NewField(src, dst Int2, radius int) Field {
	f := Field{Src: src, Dst: dst, Radius: radius}
	if src.X > 0 && src.Y > 0 {
		f.reverse = Int2{
			X: ceilDiv((radius+1)*dst.X, src.X) + 1,
			Y: ceilDiv((radius+1)*dst.Y, src.Y) + 1,
		}
	}
	return f
}

func (f Field) Diameter() int {
	return 2*f.Radius + 1
}

// Count is the number of connection slots per receiving unit.
func (f Field) Count() int {
	d := f.Diameter()
	return d * d
}

// Middle is the slot index of the zero offset.
func (f Field) Middle() int {
	return f.Radius + f.Radius*f.Diameter()
}

// Center projects receiving unit (x, y) onto the source grid.
func (f Field) Center(x, y int) (int, int) {
	return project(x, f.Dst.X, f.Src.X), project(y, f.Dst.Y, f.Src.Y)
}

func (f Field) slot(ox, oy int) int {
	return (ox + f.Radius) + (oy+f.Radius)*f.Diameter()
}

// Each visits the in-bounds source cells of receiving unit (x, y) together
// with their connection slot index.
func (f Field) Each(x, y int, fn func(sx, sy, slot int)) {
	cx, cy := f.Center(x, y)
	for oy := -f.Radius; oy <= f.Radius; oy++ {
		sy := cy + oy
		if sy < 0 || sy >= f.Src.Y {
			continue
		}
		for ox := -f.Radius; ox <= f.Radius; ox++ {
			sx := cx + ox
			if sx < 0 || sx >= f.Src.X {
				continue
			}
			fn(sx, sy, f.slot(ox, oy))
		}
	}
}

// EachReceiver is the transpose of Each: it visits every receiving unit whose
// window contains source cell (sx, sy), with the slot that connects them.
func (f Field) EachReceiver(sx, sy int, fn func(x, y, slot int)) {
	hx, hy := project(sx, f.Src.X, f.Dst.X), project(sy, f.Src.Y, f.Dst.Y)
	for y := hy - f.reverse.Y; y <= hy+f.reverse.Y; y++ {
		if y < 0 || y >= f.Dst.Y {
			continue
		}
		for x := hx - f.reverse.X; x <= hx+f.reverse.X; x++ {
			if x < 0 || x >= f.Dst.X {
				continue
			}
			cx, cy := f.Center(x, y)
			ox, oy := sx-cx, sy-cy
			if ox < -f.Radius || ox > f.Radius || oy < -f.Radius || oy > f.Radius {
				continue
			}
			fn(x, y, f.slot(ox, oy))
		}
	}
}

func project(v, from, to int) int {
	if from <= 0 {
		return 0
	}
	p := (2*v + 1) * to / (2 * from)
	if p >= to {
		p = to - 1
	}
	return p
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
