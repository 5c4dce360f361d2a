// Package mesh is an in-process reference engine for the jet-on-pool control
// loop. It keeps the fields on a 2:1 balanced quadtree over the axisymmetric
// half plane (x axial, y radial) and advances them with a first-order explicit
// scheme: upwind advection of the volume fraction and the velocity, viscous
// diffusion, and relaxation of the conformation tensor toward the identity.
//
// It is a stand-in for a production flow solver. The control loop only relies
// on the sim.Engine contract, so any solver can replace it.
//
// A Forest is shared by all workers of a run. Mutating operations are
// collectives: the coordinator applies them between barriers while the other
// workers wait. Leaves are owned by workers in contiguous Z-order spans, which
// is what LocalSum and the per-worker share of Advance iterate over.
package mesh
