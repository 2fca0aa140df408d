package tensor

// Format tags the memory layout convention a tensor's axes follow.
//
// The tag is metadata: kernels that care about channel placement (Conv2D,
// BatchNorm2D, pooling) read it to locate the channel axis. Everything else
// carries it through unchanged.
type Format string

// Known layout tags.
const (
	// FormatDefault is the tag of freshly created tensors. Rank-4/5 tensors
	// with this tag are treated as channel-first.
	FormatDefault Format = "default"

	// FormatNCHW marks an explicitly channel-first tensor.
	FormatNCHW Format = "nchw"

	// FormatNHWC marks a channel-last tensor.
	FormatNHWC Format = "nhwc"
)

// String implements fmt.Stringer.
func (f Format) String() string {
	if f == "" {
		return string(FormatDefault)
	}
	return string(f)
}

// IsChannelLast reports whether the tag places channels on the last axis.
func (f Format) IsChannelLast() bool {
	return f == FormatNHWC
}

// ChannelAxis returns the index of the channel axis for a tensor of the given
// rank carrying this tag.
func (f Format) ChannelAxis(ndim int) int {
	if f.IsChannelLast() {
		return ndim - 1
	}
	return 1
}
