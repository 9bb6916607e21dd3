package grid

// DoubleBuffer holds two equally sized grids. Read returns the settled front
// grid, Write the back grid being produced; Swap exchanges the two without
// reallocating.
type DoubleBuffer[T any] struct {
	slots [2]*Grid[T]
	front int
}

func NewDoubleBuffer[T any](size Int2) *DoubleBuffer[T] {
	return NewDoubleBuffer3[T](Int3{X: size.X, Y: size.Y, Z: 1})
}

func NewDoubleBuffer3[T any](size Int3) *DoubleBuffer[T] {
	return &DoubleBuffer[T]{slots: [2]*Grid[T]{New3[T](size), New3[T](size)}}
}

func (b *DoubleBuffer[T]) Read() *Grid[T] {
	return b.slots[b.front]
}

func (b *DoubleBuffer[T]) Write() *Grid[T] {
	return b.slots[1-b.front]
}

func (b *DoubleBuffer[T]) Swap() {
	b.front = 1 - b.front
}

func (b *DoubleBuffer[T]) Size() Int2 {
	return b.slots[0].Size()
}

func (b *DoubleBuffer[T]) Size3() Int3 {
	return b.slots[0].Size3()
}

// Fill sets every cell of both slots.
func (b *DoubleBuffer[T]) Fill(v T) {
	Fill(b.slots[0], v)
	Fill(b.slots[1], v)
}

// Settle copies the front into the back so a partial write cannot expose
// stale data from two swaps ago.
func (b *DoubleBuffer[T]) Settle() {
	copy(b.Write().cells, b.Read().cells)
}
