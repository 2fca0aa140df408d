package tensor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Device represents the compute device for tensor operations.
type Device int

// Supported compute devices.
const (
	CPU Device = iota
)

// String returns a human-readable device name.
func (d Device) String() string {
	switch d {
	case CPU:
		return "CPU"
	default:
		return "Unknown"
	}
}

// tensorBuffer is a reference-counted shared buffer for copy-on-write semantics.
type tensorBuffer struct {
	data     []byte
	refCount atomic.Int32
	mu       sync.Mutex
}

func newTensorBuffer(size int) *tensorBuffer {
	buf := &tensorBuffer{
		data: make([]byte, size),
	}
	buf.refCount.Store(1)
	return buf
}

func (tb *tensorBuffer) addRef() {
	tb.refCount.Add(1)
}

func (tb *tensorBuffer) release() {
	if tb.refCount.Add(-1) == 0 {
		tb.mu.Lock()
		defer tb.mu.Unlock()
		tb.data = nil
	}
}

func (tb *tensorBuffer) isUnique() bool {
	return tb.refCount.Load() == 1
}

// RawTensor is the low-level tensor representation.
//
// Storage is a reference-counted buffer shared between clones. A RawTensor
// also carries its layout tag and, when the rematerialization pool has
// reclaimed its memory, an evicted flag. Reading an evicted tensor panics;
// the autodiff backend restores it before any kernel touches it.
type RawTensor struct {
	buffer  *tensorBuffer
	shape   Shape
	stride  []int
	dtype   DataType
	device  Device
	format  Format
	evicted atomic.Bool
}

// NewRaw creates a new zero-filled RawTensor with the given shape and type.
func NewRaw(shape Shape, dtype DataType, device Device) (*RawTensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}

	return &RawTensor{
		buffer: newTensorBuffer(shape.NumElements() * dtype.Size()),
		shape:  shape.Clone(),
		stride: shape.ComputeStrides(),
		dtype:  dtype,
		device: device,
		format: FormatDefault,
	}, nil
}

// Shape returns the tensor's shape.
func (r *RawTensor) Shape() Shape {
	return r.shape
}

// Strides returns the tensor's memory strides.
func (r *RawTensor) Strides() []int {
	return r.stride
}

// DType returns the tensor's data type.
func (r *RawTensor) DType() DataType {
	return r.dtype
}

// Device returns the tensor's compute device.
func (r *RawTensor) Device() Device {
	return r.device
}

// Format returns the layout tag.
func (r *RawTensor) Format() Format {
	return r.format
}

// SetFormat replaces the layout tag. The data is not touched.
func (r *RawTensor) SetFormat(f Format) {
	r.format = f
}

// NumElements returns the total number of elements.
func (r *RawTensor) NumElements() int {
	return r.shape.NumElements()
}

// ByteSize returns the total memory size in bytes.
func (r *RawTensor) ByteSize() int {
	return r.NumElements() * r.dtype.Size()
}

// Data returns the raw byte slice.
func (r *RawTensor) Data() []byte {
	r.mustBeResident()
	return r.buffer.data
}

func (r *RawTensor) mustBeResident() {
	if r.evicted.Load() {
		panic(fmt.Sprintf("tensor %v storage is evicted (missing rematerialization)", r.shape))
	}
}

// AsFloat32 interprets the data as []float32.
func (r *RawTensor) AsFloat32() []float32 {
	if r.dtype != Float32 {
		panic(fmt.Sprintf("tensor dtype is %s, not float32", r.dtype))
	}
	data := r.Data()
	//nolint:gosec // unsafe.Slice for zero-copy access, bounded by NumElements()
	return unsafe.Slice((*float32)(unsafe.Pointer(&data[0])), r.NumElements())
}

// AsFloat64 interprets the data as []float64.
func (r *RawTensor) AsFloat64() []float64 {
	if r.dtype != Float64 {
		panic(fmt.Sprintf("tensor dtype is %s, not float64", r.dtype))
	}
	data := r.Data()
	//nolint:gosec // unsafe.Slice for zero-copy access, bounded by NumElements()
	return unsafe.Slice((*float64)(unsafe.Pointer(&data[0])), r.NumElements())
}

// AsInt32 interprets the data as []int32.
func (r *RawTensor) AsInt32() []int32 {
	if r.dtype != Int32 {
		panic(fmt.Sprintf("tensor dtype is %s, not int32", r.dtype))
	}
	data := r.Data()
	//nolint:gosec // unsafe.Slice for zero-copy access, bounded by NumElements()
	return unsafe.Slice((*int32)(unsafe.Pointer(&data[0])), r.NumElements())
}

// AsInt64 interprets the data as []int64.
func (r *RawTensor) AsInt64() []int64 {
	if r.dtype != Int64 {
		panic(fmt.Sprintf("tensor dtype is %s, not int64", r.dtype))
	}
	data := r.Data()
	//nolint:gosec // unsafe.Slice for zero-copy access, bounded by NumElements()
	return unsafe.Slice((*int64)(unsafe.Pointer(&data[0])), r.NumElements())
}

// Clone creates a shallow copy sharing the buffer (copy-on-write).
func (r *RawTensor) Clone() *RawTensor {
	r.mustBeResident()
	r.buffer.addRef()
	return &RawTensor{
		buffer: r.buffer,
		shape:  r.shape.Clone(),
		stride: append([]int(nil), r.stride...),
		dtype:  r.dtype,
		device: r.device,
		format: r.format,
	}
}

// DeepCopy returns a tensor with its own buffer holding a copy of the data.
func (r *RawTensor) DeepCopy() *RawTensor {
	out, err := NewRaw(r.shape, r.dtype, r.device)
	if err != nil {
		panic(err)
	}
	copy(out.buffer.data, r.Data())
	out.format = r.format
	return out
}

// WithShape returns a copy of the data viewed under a different shape with
// the same number of elements. The layout tag resets to FormatDefault.
func (r *RawTensor) WithShape(shape Shape) (*RawTensor, error) {
	if shape.NumElements() != r.NumElements() {
		return nil, fmt.Errorf("incompatible shapes: %v -> %v (different number of elements)", r.shape, shape)
	}
	out, err := NewRaw(shape, r.dtype, r.device)
	if err != nil {
		return nil, err
	}
	copy(out.buffer.data, r.Data())
	return out, nil
}

// Release decrements the reference count and frees storage at zero.
func (r *RawTensor) Release() {
	r.buffer.release()
}

// IsUnique returns true if this tensor is the only reference to the buffer.
func (r *RawTensor) IsUnique() bool {
	return r.buffer.isUnique()
}

// ForceNonUnique temporarily bumps the refcount so backends cannot write into
// r in place. The returned func restores it and must be called (use defer).
func (r *RawTensor) ForceNonUnique() func() {
	r.buffer.addRef()
	return func() {
		r.buffer.release()
	}
}

// IsEvicted reports whether the storage was reclaimed by Evict.
func (r *RawTensor) IsEvicted() bool {
	return r.evicted.Load()
}

// Evict drops the tensor's storage while keeping its metadata.
//
// Only uniquely owned buffers can be evicted; shared buffers are still
// referenced through other tensors. Returns the number of bytes freed.
func (r *RawTensor) Evict() int {
	if r.evicted.Load() || !r.buffer.isUnique() {
		return 0
	}
	r.buffer.mu.Lock()
	defer r.buffer.mu.Unlock()
	freed := len(r.buffer.data)
	r.buffer.data = nil
	r.evicted.Store(true)
	return freed
}

// Restore refills an evicted tensor from src, which must match in shape and
// dtype. The tensor keeps its identity, so maps keyed by *RawTensor (gradient
// maps, tapes) stay valid.
func (r *RawTensor) Restore(src *RawTensor) error {
	if !r.shape.Equal(src.shape) || r.dtype != src.dtype {
		return fmt.Errorf("restore: expected %s%v, got %s%v", r.dtype, r.shape, src.dtype, src.shape)
	}
	data := make([]byte, r.ByteSize())
	copy(data, src.Data())

	r.buffer.mu.Lock()
	r.buffer.data = data
	r.buffer.mu.Unlock()
	r.evicted.Store(false)
	return nil
}
