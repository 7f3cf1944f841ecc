package detector

import (
	"image"
	"image/color"
	"sync"
)

// ApplyMask forces every pixel of work to its zero value wherever the
// corresponding pixel of mask is zero. mask must already be sized to
// work's bounds (see Base.GetMask). Rows are independent, so they are
// zeroed concurrently.
func ApplyMask(work *image.Gray, mask image.Image) {
	if mask == nil {
		return
	}
	bounds := work.Bounds()
	var wg sync.WaitGroup
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		wg.Add(1)
		go func(y int) {
			defer wg.Done()
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				mr, mg, mb, _ := mask.At(x, y).RGBA()
				if mr == 0 && mg == 0 && mb == 0 {
					work.SetGray(x, y, color.Gray{Y: 0})
				}
			}
		}(y)
	}
	wg.Wait()
}
