// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn provides neural network modules for convolutional models.
//
// Layers read the layout tag of their input: tensors tagged
// tensor.FormatNHWC are treated as channel-last and produce channel-last
// results, so a module converted with amp.ConvertModuleFormat computes the
// same function on converted inputs.
//
// Example:
//
//	backend := autodiff.New(cpu.New())
//	rng := rand.New(rand.NewSource(1))
//	model := nn.NewResNet(nn.NewBasicBlock[*autodiff.Backend[*cpu.Backend]], [3]int{3, 3, 3}, 10, rng, backend)
//	logits := model.Forward(images) // [batch, 10]
package nn

import (
	"math/rand"

	"github.com/born-ml/remat/internal/nn"
	"github.com/born-ml/remat/internal/tensor"
)

// Module interface defines the common interface for all neural network modules.
type Module[B tensor.Backend] = nn.Module[B]

// NamedTensor is a parameter or buffer with its dotted path in a module.
type NamedTensor[B tensor.Backend] = nn.NamedTensor[B]

// Parameter represents a trainable parameter in a neural network.
type Parameter[B tensor.Backend] = nn.Parameter[B]

// NewParameter creates a new parameter with the given name and tensor.
func NewParameter[B tensor.Backend](name string, t *tensor.Tensor[float32, B]) *Parameter[B] {
	return nn.NewParameter(name, t)
}

// Layers

// Linear represents a fully connected (dense) layer.
type Linear[B tensor.Backend] = nn.Linear[B]

// NewLinear creates a new linear layer with Xavier initialization.
//
// Example:
//
//	layer := nn.NewLinear(64, 10, backend)
func NewLinear[B tensor.Backend](inFeatures, outFeatures int, backend B) *Linear[B] {
	return nn.NewLinear(inFeatures, outFeatures, backend)
}

// Conv2D represents a 2D convolutional layer.
type Conv2D[B tensor.Backend] = nn.Conv2D[B]

// NewConv2D creates a new 2D convolutional layer.
//
// Example:
//
//	conv := nn.NewConv2D(3, 16, 3, 3, 1, 1, false, backend)  // in=3, out=16, kernel=3x3, stride=1, padding=1, no bias
func NewConv2D[B tensor.Backend](
	inChannels, outChannels int,
	kernelH, kernelW int,
	stride, padding int,
	useBias bool,
	backend B,
) *Conv2D[B] {
	return nn.NewConv2D(inChannels, outChannels, kernelH, kernelW, stride, padding, useBias, backend)
}

// BatchNorm2D normalizes each channel of a 4D input.
type BatchNorm2D[B tensor.Backend] = nn.BatchNorm2D[B]

// BatchNormBackend is implemented by backends that record batch
// normalization on a gradient tape.
type BatchNormBackend = nn.BatchNormBackend

// NewBatchNorm2D creates a batch normalization layer over numFeatures channels.
func NewBatchNorm2D[B tensor.Backend](numFeatures int, backend B) *BatchNorm2D[B] {
	return nn.NewBatchNorm2D(numFeatures, backend)
}

// ReLU is the rectified linear activation.
type ReLU[B tensor.Backend] = nn.ReLU[B]

// NewReLU creates a ReLU activation.
func NewReLU[B tensor.Backend]() *ReLU[B] {
	return nn.NewReLU[B]()
}

// GlobalAvgPool2D averages the spatial axes of a 4D input.
type GlobalAvgPool2D[B tensor.Backend] = nn.GlobalAvgPool2D[B]

// NewGlobalAvgPool2D creates a global average pooling layer.
func NewGlobalAvgPool2D[B tensor.Backend]() *GlobalAvgPool2D[B] {
	return nn.NewGlobalAvgPool2D[B]()
}

// Sequential chains modules.
type Sequential[B tensor.Backend] = nn.Sequential[B]

// NewSequential creates a sequential container.
func NewSequential[B tensor.Backend](modules ...Module[B]) *Sequential[B] {
	return nn.NewSequential(modules...)
}

// Residual networks

// BlockFunc builds one residual block.
type BlockFunc[B tensor.Backend] = nn.BlockFunc[B]

// BasicBlock is the two-convolution residual block.
type BasicBlock[B tensor.Backend] = nn.BasicBlock[B]

// NewBasicBlock creates a BasicBlock. It satisfies BlockFunc.
func NewBasicBlock[B tensor.Backend](inPlanes, planes, stride int, rng *rand.Rand, backend B) Module[B] {
	return nn.NewBasicBlock(inPlanes, planes, stride, rng, backend)
}

// ResNet is a three-stage residual network for small images.
type ResNet[B tensor.Backend] = nn.ResNet[B]

// NewResNet creates a ResNet with numBlocks blocks per stage.
func NewResNet[B tensor.Backend](block BlockFunc[B], numBlocks [3]int, numClasses int, rng *rand.Rand, backend B) *ResNet[B] {
	return nn.NewResNet(block, numBlocks, numClasses, rng, backend)
}

// Loss and metrics

// CrossEntropyLoss is the mean cross-entropy of logits against int32 targets.
type CrossEntropyLoss[B tensor.Backend] = nn.CrossEntropyLoss[B]

// CrossEntropyBackend is implemented by backends that record cross-entropy.
type CrossEntropyBackend = nn.CrossEntropyBackend

// NewCrossEntropyLoss creates a cross-entropy loss.
func NewCrossEntropyLoss[B tensor.Backend](backend B) *CrossEntropyLoss[B] {
	return nn.NewCrossEntropyLoss(backend)
}

// Accuracy returns the fraction of correct argmax predictions.
func Accuracy[B tensor.Backend](logits *tensor.Tensor[float32, B], targets *tensor.Tensor[int32, B]) float32 {
	return nn.Accuracy(logits, targets)
}

// Initialization

// Xavier returns a tensor with Xavier/Glorot uniform initialization.
func Xavier[B tensor.Backend](fanIn, fanOut int, shape tensor.Shape, backend B) *tensor.Tensor[float32, B] {
	return nn.Xavier(fanIn, fanOut, shape, backend)
}

// MSRANormal fills p with samples from N(0, 2/fanIn).
func MSRANormal[B tensor.Backend](p *Parameter[B], fanIn int, rng *rand.Rand) {
	nn.MSRANormal(p, fanIn, rng)
}
