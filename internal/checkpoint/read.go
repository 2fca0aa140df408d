package checkpoint

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/born-ml/remat/internal/nn"
	"github.com/born-ml/remat/internal/tensor"
)

// Reader limits.
const (
	MaxHeaderSize    = 64 << 20
	MaxTensorNameLen = 512
)

// Checkpoint is a decoded checkpoint held in host memory.
type Checkpoint struct {
	// Metadata excludes the checksum and per-tensor format keys.
	Metadata map[string]string
	tensors  map[string]*tensor.RawTensor
}

// Names returns the tensor names in sorted order.
func (c *Checkpoint) Names() []string {
	names := make([]string, 0, len(c.tensors))
	for name := range c.tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tensor returns the stored tensor with the given name.
func (c *Checkpoint) Tensor(name string) (*tensor.RawTensor, bool) {
	t, ok := c.tensors[name]
	return t, ok
}

// ReadFile decodes the checkpoint at path.
func ReadFile(path string) (*Checkpoint, error) {
	//nolint:gosec // G304: the path is the user's checkpoint location
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Read(bufio.NewReader(f))
}

// Read decodes a checkpoint from r, validating offsets and the checksum.
func Read(r io.Reader) (*Checkpoint, error) {
	var headerSize uint64
	if err := binary.Read(r, binary.LittleEndian, &headerSize); err != nil {
		return nil, fmt.Errorf("read header size: %w", err)
	}
	if headerSize > MaxHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrHeaderTooLarge, headerSize)
	}
	headerJSON := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(headerJSON, &rawHeader); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	meta := map[string]string{}
	if m, ok := rawHeader[metadataKey]; ok {
		if err := json.Unmarshal(m, &meta); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
		delete(rawHeader, metadataKey)
	}

	entries := make(map[string]entry, len(rawHeader))
	for name, msg := range rawHeader {
		if err := validateName(name); err != nil {
			return nil, err
		}
		var e entry
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil, &TensorError{Name: name, Err: ErrInvalidTensor, Detail: err.Error()}
		}
		entries[name] = e
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read tensor data: %w", err)
	}
	if want, ok := meta[checksumKey]; ok {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != want {
			return nil, ErrChecksumMismatch
		}
	}
	if err := validateOffsets(entries, int64(len(data))); err != nil {
		return nil, err
	}

	c := &Checkpoint{Metadata: map[string]string{}, tensors: make(map[string]*tensor.RawTensor, len(entries))}
	for name, e := range entries {
		raw, err := e.decode(name, data)
		if err != nil {
			return nil, err
		}
		c.tensors[name] = raw
	}
	for k, v := range meta {
		switch {
		case k == checksumKey:
		case strings.HasPrefix(k, formatKeyPrefix):
			if raw, ok := c.tensors[strings.TrimPrefix(k, formatKeyPrefix)]; ok {
				raw.SetFormat(tensor.Format(v))
			}
		default:
			c.Metadata[k] = v
		}
	}
	return c, nil
}

func (e entry) decode(name string, data []byte) (*tensor.RawTensor, error) {
	dtype, ok := dtypeFromName(e.DType)
	if !ok {
		return nil, &TensorError{Name: name, Err: ErrInvalidTensor, Detail: fmt.Sprintf("unsupported dtype %q", e.DType)}
	}
	shape := make(tensor.Shape, len(e.Shape))
	for i, d := range e.Shape {
		if d < 0 {
			return nil, &TensorError{Name: name, Err: ErrInvalidTensor, Detail: fmt.Sprintf("negative dimension %d", d)}
		}
		shape[i] = int(d)
	}
	want := int64(shape.NumElements() * dtype.Size())
	if got := e.DataOffsets[1] - e.DataOffsets[0]; got != want {
		return nil, &TensorError{Name: name, Err: ErrInvalidTensor, Detail: fmt.Sprintf("%d data bytes for %s%v", got, dtype, shape)}
	}
	raw, err := tensor.NewRaw(shape, dtype, tensor.CPU)
	if err != nil {
		return nil, &TensorError{Name: name, Err: ErrInvalidTensor, Detail: err.Error()}
	}
	copy(raw.Data(), data[e.DataOffsets[0]:e.DataOffsets[1]])
	return raw, nil
}

// validateOffsets checks every tensor lies inside the data section and no two overlap.
func validateOffsets(entries map[string]entry, dataSize int64) error {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return entries[names[i]].DataOffsets[0] < entries[names[j]].DataOffsets[0]
	})

	var prevEnd int64
	prev := ""
	for _, name := range names {
		start, end := entries[name].DataOffsets[0], entries[name].DataOffsets[1]
		if start < 0 || end < start {
			return &TensorError{Name: name, Err: ErrInvalidTensor, Detail: fmt.Sprintf("bad offsets [%d, %d)", start, end)}
		}
		if end > dataSize {
			return &TensorError{Name: name, Err: ErrInvalidTensor, Detail: fmt.Sprintf("ends at %d beyond %d data bytes", end, dataSize)}
		}
		if start < prevEnd {
			return &TensorError{Name: name, Err: ErrInvalidTensor, Detail: fmt.Sprintf("overlaps %q", prev)}
		}
		prevEnd, prev = end, name
	}
	return nil
}

// validateName rejects names that could not have come from a module path.
func validateName(name string) error {
	switch {
	case name == "":
		return &TensorError{Name: name, Err: ErrInvalidTensor, Detail: "empty name"}
	case len(name) > MaxTensorNameLen:
		return &TensorError{Name: name[:32] + "...", Err: ErrInvalidTensor, Detail: fmt.Sprintf("name length %d > %d", len(name), MaxTensorNameLen)}
	case name == metadataKey:
		return &TensorError{Name: name, Err: ErrInvalidTensor, Detail: "reserved name"}
	case strings.ContainsAny(name, "/\\\x00"):
		return &TensorError{Name: name, Err: ErrInvalidTensor, Detail: "name contains a path separator or NUL"}
	}
	return nil
}

// Apply copies the checkpoint into m. Every named tensor of m must be present
// with the same shape, dtype and layout tag; entries m does not own are ignored.
func Apply[B tensor.Backend](c *Checkpoint, m nn.Module[B]) error {
	named := m.NamedTensors()
	for _, nt := range named {
		src, ok := c.tensors[nt.Name]
		if !ok {
			return &TensorError{Name: nt.Name, Err: ErrMissingTensor}
		}
		dst := nt.Tensor.Raw()
		if !dst.Shape().Equal(src.Shape()) || dst.DType() != src.DType() {
			return &TensorError{Name: nt.Name, Err: ErrMismatch,
				Detail: fmt.Sprintf("module has %s%v, checkpoint has %s%v", dst.DType(), dst.Shape(), src.DType(), src.Shape())}
		}
		if dst.Format().String() != src.Format().String() {
			return &TensorError{Name: nt.Name, Err: ErrMismatch,
				Detail: fmt.Sprintf("module layout %s, checkpoint layout %s", dst.Format(), src.Format())}
		}
	}

	for _, nt := range named {
		src := c.tensors[nt.Name]
		dst := nt.Tensor.Raw()
		if dst.IsUnique() && !dst.IsEvicted() {
			if err := dst.Restore(src); err != nil {
				return &TensorError{Name: nt.Name, Err: ErrMismatch, Detail: err.Error()}
			}
			continue
		}
		nt.Tensor.SetRaw(src.DeepCopy())
	}
	return nil
}

// LoadFile reads the checkpoint at path and applies it to m.
func LoadFile[B tensor.Backend](path string, m nn.Module[B]) (*Checkpoint, error) {
	c, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := Apply(c, m); err != nil {
		return nil, fmt.Errorf("apply %s: %w", path, err)
	}
	return c, nil
}
