package connection

// outbox is the FIFO of encoded frames waiting for an open socket.
//
// It is a ring buffer that doubles its capacity when it reaches 70% full.
// Frames that fail to write are put back at the head so the wire order
// always matches the enqueue order. Not safe for concurrent use: the
// client guards it with its own mutex.
type outbox struct {
	buf      [][]byte
	head     int // read position
	count    int
	capacity int

	// Stats
	totalQueued   int64
	totalRequeued int64
	resizeCount   int
}

// newOutbox creates an outbox with the given initial capacity.
func newOutbox(initialCapacity int) *outbox {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	return &outbox{
		buf:      make([][]byte, initialCapacity),
		capacity: initialCapacity,
	}
}

// PushBack appends a frame at the tail.
func (o *outbox) PushBack(data []byte) {
	o.growIfNeeded()
	tail := (o.head + o.count) % o.capacity
	o.buf[tail] = data
	o.count++
	o.totalQueued++
}

// PushFront re-queues a frame at the head.
func (o *outbox) PushFront(data []byte) {
	o.growIfNeeded()
	o.head = (o.head - 1 + o.capacity) % o.capacity
	o.buf[o.head] = data
	o.count++
	o.totalRequeued++
}

// PopFront removes and returns the oldest frame.
func (o *outbox) PopFront() ([]byte, bool) {
	if o.count == 0 {
		return nil, false
	}
	data := o.buf[o.head]
	o.buf[o.head] = nil // Clear reference for GC
	o.head = (o.head + 1) % o.capacity
	o.count--
	return data, true
}

// Len returns the number of queued frames.
func (o *outbox) Len() int {
	return o.count
}

// Cap returns the current capacity.
func (o *outbox) Cap() int {
	return o.capacity
}

// growIfNeeded doubles capacity when the next insert reaches 70% fill.
func (o *outbox) growIfNeeded() {
	threshold := (o.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if o.count+1 >= threshold || o.count == o.capacity {
		o.grow()
	}
}

// grow doubles the buffer capacity, unwrapping the ring.
func (o *outbox) grow() {
	newCapacity := o.capacity * 2
	newBuf := make([][]byte, newCapacity)

	for i := 0; i < o.count; i++ {
		newBuf[i] = o.buf[(o.head+i)%o.capacity]
	}

	o.buf = newBuf
	o.head = 0
	o.capacity = newCapacity
	o.resizeCount++
}
