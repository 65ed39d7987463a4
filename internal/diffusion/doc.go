// Package diffusion is the root of the sparse point-cloud diffusion
// training stack.
//
// Data flows leaf-first through the subpackages:
//
//	pointcloud  clean shapes, split statistics, .npy and blob codecs
//	noise       forward diffusion (beta schedule, timestep, gaussian noise)
//	voxel       translation + quantization + first-encounter deduplication
//	labels      sorted category universe shared by all splits
//	dataset     per-example composition of the above
//	batch       collation with an appended batch-index channel
//	loader      worker pool with bounded prefetch
//	optim       AdamW and the one-cycle learning-rate schedule
//	train       task abstraction and the training state machine
//
// Dependency rule: lower layers never import higher ones. No SQL is
// allowed outside internal/db.
package diffusion
