// Package checkpoint saves and restores module state in SafeTensors format.
//
// File layout:
//
//	[8 bytes: header size, uint64 little-endian]
//	[header: JSON object, tensor name -> {dtype, shape, data_offsets}]
//	[tensor data: raw little-endian bytes, tensors in name order]
//
// The "__metadata__" entry carries free-form string metadata plus two keys
// the package manages itself: "sha256" (hex digest of the data section) and
// "format.<tensor name>" for every tensor whose layout tag is not the
// default. Restoring a checkpoint puts the layout tags back, so a module
// saved after channel-last conversion can only be loaded into a module
// converted the same way.
package checkpoint
