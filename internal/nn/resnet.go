package nn

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/remat/internal/tensor"
)

// BlockFunc builds one residual block mapping inPlanes channels to planes
// channels with the given stride.
type BlockFunc[B tensor.Backend] func(inPlanes, planes, stride int, rng *rand.Rand, backend B) Module[B]

// BasicBlock is the two-convolution residual block:
//
//	out = relu(bn1(conv1(x)))
//	out = bn2(conv2(out))
//	out = relu(out + shortcut(x))
//
// The shortcut is the identity, or a 1x1 convolution followed by batch
// normalization when the stride or width changes.
type BasicBlock[B tensor.Backend] struct {
	conv1    *Conv2D[B]
	bn1      *BatchNorm2D[B]
	conv2    *Conv2D[B]
	bn2      *BatchNorm2D[B]
	shortcut *Sequential[B]
	relu     *ReLU[B]
}

// NewBasicBlock creates a BasicBlock with MSRA-normal convolution weights.
func NewBasicBlock[B tensor.Backend](inPlanes, planes, stride int, rng *rand.Rand, backend B) Module[B] {
	b := &BasicBlock[B]{
		conv1:    NewConv2D(inPlanes, planes, 3, 3, stride, 1, false, backend),
		bn1:      NewBatchNorm2D(planes, backend),
		conv2:    NewConv2D(planes, planes, 3, 3, 1, 1, false, backend),
		bn2:      NewBatchNorm2D(planes, backend),
		shortcut: NewSequential[B](),
		relu:     NewReLU[B](),
	}
	MSRANormal(b.conv1.Weight(), b.conv1.FanIn(), rng)
	MSRANormal(b.conv2.Weight(), b.conv2.FanIn(), rng)

	if stride != 1 || inPlanes != planes {
		proj := NewConv2D(inPlanes, planes, 1, 1, stride, 0, false, backend)
		MSRANormal(proj.Weight(), proj.FanIn(), rng)
		b.shortcut.Add(proj)
		b.shortcut.Add(NewBatchNorm2D(planes, backend))
	}
	return b
}

// Forward applies the residual block.
func (b *BasicBlock[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	out := b.relu.Forward(b.bn1.Forward(b.conv1.Forward(x)))
	out = b.bn2.Forward(b.conv2.Forward(out))
	out = out.Add(b.shortcut.Forward(x))
	return b.relu.Forward(out)
}

// Parameters returns the parameters of every layer in the block.
func (b *BasicBlock[B]) Parameters() []*Parameter[B] {
	var params []*Parameter[B]
	for _, m := range b.children() {
		params = append(params, m.module.Parameters()...)
	}
	return params
}

// NamedTensors returns conv1.*, bn1.*, conv2.*, bn2.* and shortcut.*.
func (b *BasicBlock[B]) NamedTensors() []NamedTensor[B] {
	var out []NamedTensor[B]
	for _, m := range b.children() {
		out = append(out, prefixed(m.name, m.module.NamedTensors())...)
	}
	return out
}

// SetTraining propagates the mode to every layer.
func (b *BasicBlock[B]) SetTraining(training bool) {
	for _, m := range b.children() {
		m.module.SetTraining(training)
	}
}

// Clone returns a deep copy of the block.
func (b *BasicBlock[B]) Clone() Module[B] {
	return &BasicBlock[B]{
		conv1:    b.conv1.Clone().(*Conv2D[B]),
		bn1:      b.bn1.Clone().(*BatchNorm2D[B]),
		conv2:    b.conv2.Clone().(*Conv2D[B]),
		bn2:      b.bn2.Clone().(*BatchNorm2D[B]),
		shortcut: b.shortcut.Clone().(*Sequential[B]),
		relu:     b.relu,
	}
}

type namedModule[B tensor.Backend] struct {
	name   string
	module Module[B]
}

func (b *BasicBlock[B]) children() []namedModule[B] {
	return []namedModule[B]{
		{"conv1", b.conv1},
		{"bn1", b.bn1},
		{"conv2", b.conv2},
		{"bn2", b.bn2},
		{"shortcut", b.shortcut},
	}
}

// ResNet is the CIFAR-style residual network:
//
//	conv3x3(3→16) → bn → relu
//	layer1: n1 blocks at 16 channels, stride 1
//	layer2: n2 blocks at 32 channels, first stride 2
//	layer3: n3 blocks at 64 channels, first stride 2
//	global average pool → linear(64 → classes)
//
// Input is [batch, 3, H, W] (or NHWC-tagged [batch, H, W, 3]); output is
// [batch, classes] logits.
type ResNet[B tensor.Backend] struct {
	conv1  *Conv2D[B]
	bn1    *BatchNorm2D[B]
	layer1 *Sequential[B]
	layer2 *Sequential[B]
	layer3 *Sequential[B]
	pool   *GlobalAvgPool2D[B]
	linear *Linear[B]
	relu   *ReLU[B]
}

// NewResNet builds a ResNet with the given block type and block counts per
// stage. Convolution and linear weights are MSRA-normal initialized from rng.
//
// Example:
//
//	model := nn.NewResNet(nn.NewBasicBlock[B], [3]int{3, 3, 3}, 10, rng, backend) // ResNet-20
func NewResNet[B tensor.Backend](block BlockFunc[B], numBlocks [3]int, numClasses int, rng *rand.Rand, backend B) *ResNet[B] {
	if numClasses <= 0 {
		panic(fmt.Sprintf("resnet: invalid class count %d", numClasses))
	}
	for i, n := range numBlocks {
		if n <= 0 {
			panic(fmt.Sprintf("resnet: stage %d needs at least one block, got %d", i+1, n))
		}
	}

	r := &ResNet[B]{
		conv1: NewConv2D(3, 16, 3, 3, 1, 1, false, backend),
		bn1:   NewBatchNorm2D(16, backend),
		pool:  NewGlobalAvgPool2D[B](),
		relu:  NewReLU[B](),
	}
	MSRANormal(r.conv1.Weight(), r.conv1.FanIn(), rng)

	inPlanes := 16
	makeLayer := func(planes, blocks, stride int) *Sequential[B] {
		layer := NewSequential[B]()
		for i := 0; i < blocks; i++ {
			s := 1
			if i == 0 {
				s = stride
			}
			layer.Add(block(inPlanes, planes, s, rng, backend))
			inPlanes = planes
		}
		return layer
	}
	r.layer1 = makeLayer(16, numBlocks[0], 1)
	r.layer2 = makeLayer(32, numBlocks[1], 2)
	r.layer3 = makeLayer(64, numBlocks[2], 2)

	r.linear = NewLinear(64, numClasses, backend)
	MSRANormal(r.linear.Weight(), 64, rng)
	return r
}

// Forward computes class logits.
func (r *ResNet[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	out := r.relu.Forward(r.bn1.Forward(r.conv1.Forward(x)))
	out = r.layer1.Forward(out)
	out = r.layer2.Forward(out)
	out = r.layer3.Forward(out)
	out = r.pool.Forward(out)
	return r.linear.Forward(out)
}

func (r *ResNet[B]) children() []namedModule[B] {
	return []namedModule[B]{
		{"conv1", r.conv1},
		{"bn1", r.bn1},
		{"layer1", r.layer1},
		{"layer2", r.layer2},
		{"layer3", r.layer3},
		{"linear", r.linear},
	}
}

// Parameters returns every trainable parameter.
func (r *ResNet[B]) Parameters() []*Parameter[B] {
	var params []*Parameter[B]
	for _, m := range r.children() {
		params = append(params, m.module.Parameters()...)
	}
	return params
}

// NamedTensors returns every parameter and buffer by dotted path.
func (r *ResNet[B]) NamedTensors() []NamedTensor[B] {
	var out []NamedTensor[B]
	for _, m := range r.children() {
		out = append(out, prefixed(m.name, m.module.NamedTensors())...)
	}
	return out
}

// SetTraining propagates the mode to every layer.
func (r *ResNet[B]) SetTraining(training bool) {
	for _, m := range r.children() {
		m.module.SetTraining(training)
	}
}

// Clone returns a deep copy of the network.
func (r *ResNet[B]) Clone() Module[B] {
	return &ResNet[B]{
		conv1:  r.conv1.Clone().(*Conv2D[B]),
		bn1:    r.bn1.Clone().(*BatchNorm2D[B]),
		layer1: r.layer1.Clone().(*Sequential[B]),
		layer2: r.layer2.Clone().(*Sequential[B]),
		layer3: r.layer3.Clone().(*Sequential[B]),
		pool:   r.pool,
		linear: r.linear.Clone().(*Linear[B]),
		relu:   r.relu,
	}
}
