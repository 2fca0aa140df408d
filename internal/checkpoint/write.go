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

	"github.com/born-ml/remat/internal/nn"
	"github.com/born-ml/remat/internal/tensor"
)

const (
	metadataKey     = "__metadata__"
	checksumKey     = "sha256"
	formatKeyPrefix = "format."
)

// entry describes a tensor in the JSON header.
type entry struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Save writes the module's named tensors (parameters and buffers) to w.
func Save[B tensor.Backend](w io.Writer, m nn.Module[B], metadata map[string]string) error {
	raws := make(map[string]*tensor.RawTensor)
	for _, nt := range m.NamedTensors() {
		if _, dup := raws[nt.Name]; dup {
			return &TensorError{Name: nt.Name, Err: ErrInvalidTensor, Detail: "duplicate name"}
		}
		raws[nt.Name] = nt.Tensor.Raw()
	}
	return WriteStateDict(w, raws, metadata)
}

// SaveFile writes the module to path, replacing any existing file.
func SaveFile[B tensor.Backend](path string, m nn.Module[B], metadata map[string]string) error {
	//nolint:gosec // G304: the path is the user's checkpoint location
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	bw := bufio.NewWriter(f)
	if err := Save(bw, m, metadata); err != nil {
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return f.Close()
}

// WriteStateDict writes tensors to w in name order.
func WriteStateDict(w io.Writer, stateDict map[string]*tensor.RawTensor, metadata map[string]string) error {
	names := make([]string, 0, len(stateDict))
	for name := range stateDict {
		names = append(names, name)
	}
	sort.Strings(names)

	meta := make(map[string]string, len(metadata)+2)
	for k, v := range metadata {
		meta[k] = v
	}

	header := make(map[string]any, len(names)+1)
	digest := sha256.New()
	var offset int64
	for _, name := range names {
		if err := validateName(name); err != nil {
			return err
		}
		raw := stateDict[name]
		dtype, ok := dtypeName(raw.DType())
		if !ok {
			return &TensorError{Name: name, Err: ErrInvalidTensor, Detail: fmt.Sprintf("unsupported dtype %s", raw.DType())}
		}
		shape := make([]int64, len(raw.Shape()))
		for i, d := range raw.Shape() {
			shape[i] = int64(d)
		}
		size := int64(raw.ByteSize())
		header[name] = entry{DType: dtype, Shape: shape, DataOffsets: [2]int64{offset, offset + size}}
		offset += size

		if f := raw.Format(); f != "" && f != tensor.FormatDefault {
			meta[formatKeyPrefix+name] = string(f)
		}
		digest.Write(raw.Data())
	}
	meta[checksumKey] = hex.EncodeToString(digest.Sum(nil))
	header[metadataKey] = meta

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return fmt.Errorf("write header size: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, name := range names {
		if _, err := w.Write(stateDict[name].Data()); err != nil {
			return fmt.Errorf("write tensor %s: %w", name, err)
		}
	}
	return nil
}

func dtypeName(dt tensor.DataType) (string, bool) {
	switch dt {
	case tensor.Float32:
		return "F32", true
	case tensor.Float64:
		return "F64", true
	case tensor.Int32:
		return "I32", true
	case tensor.Int64:
		return "I64", true
	default:
		return "", false
	}
}

func dtypeFromName(s string) (tensor.DataType, bool) {
	switch s {
	case "F32":
		return tensor.Float32, true
	case "F64":
		return tensor.Float64, true
	case "I32":
		return tensor.Int32, true
	case "I64":
		return tensor.Int64, true
	default:
		return 0, false
	}
}
