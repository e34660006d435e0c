package visual

import "math"

// Bar is one rectangle of a bar graph in canvas pixels, origin top left.
type Bar struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"w"`
	Height float64 `json:"h"`
}

// Downsample reduces values to n points. When there are more values than
// points each point is the peak magnitude of its bucket, so short spikes
// survive; with fewer values they are repeated.
func Downsample(values []float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	out := make([]float64, n)
	if len(values) == 0 {
		return out
	}
	if len(values) < n {
		for i := range out {
			out[i] = math.Abs(values[i*len(values)/n])
		}
		return out
	}
	for i := range out {
		start := i * len(values) / n
		end := (i + 1) * len(values) / n
		if end <= start {
			end = start + 1
		}
		var peak float64
		for _, v := range values[start:end] {
			if a := math.Abs(v); a > peak {
				peak = a
			}
		}
		out[i] = peak
	}
	return out
}

// Layout places points bars across a width x height canvas with spacing
// pixels between and around them. Heights are at least one pixel and bars
// grow up from the bottom edge.
func Layout(values []float64, width, height, points int, spacing float64) []Bar {
	if width <= 0 || height <= 0 || points <= 0 {
		return nil
	}
	peaks := Downsample(values, points)
	barWidth := (float64(width) - float64(points-1)*spacing - 2*spacing) / float64(points)
	if barWidth < 1 {
		barWidth = 1
	}
	bars := make([]Bar, points)
	for i, p := range peaks {
		h := math.Max(1, math.Min(p, 1)*float64(height))
		bars[i] = Bar{
			X:      spacing + float64(i)*(barWidth+spacing),
			Y:      float64(height) - h,
			Width:  barWidth,
			Height: h,
		}
	}
	return bars
}
