package entity

import "fmt"

// FeatureArray is the per-video extraction result: one embedding per
// (clip, crop) pair, stored contiguously in C order so it can be
// written out as a (Clips, Crops, Dim) array without reshaping.
type FeatureArray struct {
	Data  []float32
	Clips int
	Crops int
	Dim   int
}

func NewFeatureArray(clips, crops, dim int) *FeatureArray {
	return &FeatureArray{
		Data:  make([]float32, clips*crops*dim),
		Clips: clips,
		Crops: crops,
		Dim:   dim,
	}
}

// At returns the embedding slot for the given clip and crop. The slice
// aliases the backing array, so writes land in the array directly.
func (a *FeatureArray) At(clip, crop int) []float32 {
	off := (clip*a.Crops + crop) * a.Dim
	return a.Data[off : off+a.Dim]
}

// Shape returns the array dims in storage order.
func (a *FeatureArray) Shape() []int {
	return []int{a.Clips, a.Crops, a.Dim}
}

func (a *FeatureArray) String() string {
	return fmt.Sprintf("features(%d, %d, %d)", a.Clips, a.Crops, a.Dim)
}
