package gpu

import (
	"sync"

	"tileview/internal/decode"
)

// DrawCall records one Draw on a SoftDevice.
type DrawCall struct {
	Handle Handle
	Quad   Quad
}

// SoftDevice is a headless Device that keeps texture contents in memory and
// records draw calls. Reset simulates losing the context.
type SoftDevice struct {
	mu         sync.Mutex
	generation uint64
	nextID     uint32
	textures   map[uint32]*decode.Bitmap
	calls      []DrawCall
	uploads    int
}

func NewSoftDevice() *SoftDevice {
	return &SoftDevice{
		generation: 1,
		textures:   make(map[uint32]*decode.Bitmap),
	}
}

func (d *SoftDevice) Generation() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.generation
}

func (d *SoftDevice) check(h Handle) error {
	if h.Generation != d.generation {
		return ErrStaleHandle
	}
	if _, ok := d.textures[h.ID]; !ok {
		return ErrUnknownHandle
	}
	return nil
}

func (d *SoftDevice) CreateTexture() (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	d.textures[d.nextID] = nil
	return Handle{ID: d.nextID, Generation: d.generation}, nil
}

func (d *SoftDevice) Upload(h Handle, bmp *decode.Bitmap) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check(h); err != nil {
		return err
	}
	d.textures[h.ID] = bmp
	d.uploads++
	return nil
}

func (d *SoftDevice) Draw(h Handle, q Quad) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check(h); err != nil {
		return err
	}
	d.calls = append(d.calls, DrawCall{Handle: h, Quad: q})
	return nil
}

func (d *SoftDevice) DeleteTexture(h Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check(h); err != nil {
		return err
	}
	delete(d.textures, h.ID)
	return nil
}

// Reset drops every texture and starts a new generation.
func (d *SoftDevice) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.generation++
	d.textures = make(map[uint32]*decode.Bitmap)
	d.calls = nil
}

// Contents returns what was last uploaded to h.
func (d *SoftDevice) Contents(h Handle) (*decode.Bitmap, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.check(h) != nil {
		return nil, false
	}
	bmp := d.textures[h.ID]
	return bmp, bmp != nil
}

// TakeDrawCalls returns and forgets the draw calls recorded so far.
func (d *SoftDevice) TakeDrawCalls() []DrawCall {
	d.mu.Lock()
	defer d.mu.Unlock()

	calls := d.calls
	d.calls = nil
	return calls
}

// LiveTextures returns the number of textures of the current generation.
func (d *SoftDevice) LiveTextures() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.textures)
}

func (d *SoftDevice) Uploads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.uploads
}
