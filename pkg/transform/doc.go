// Package transform holds the spatial mappings used by registration: a
// parametric affine transform and a dense displacement field, together with
// the grid geometry needed to move between voxel indices and physical points.
//
// Points are physical coordinates in millimetres and are represented with
// r3.Vector. Continuous indices use the same type with X, Y, Z as the grid
// axes.
package transform
