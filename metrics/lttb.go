package metrics

// lttbPoint is one (x, y) sample for downsampling.
type lttbPoint struct {
	X float64
	Y float64
	// Index back into the source series.
	Index int
}

// LTTB downsamples points to at most threshold samples using
// Largest-Triangle-Three-Buckets. The first and last points are always kept;
// the algorithm is deterministic for a given input. Inputs at or below the
// threshold are returned unchanged.
func LTTB(points []lttbPoint, threshold int) []lttbPoint {
	n := len(points)
	if threshold <= 0 || n <= threshold {
		return points
	}
	// Degenerate thresholds: keep the endpoints.
	if threshold == 1 {
		return points[:1]
	}
	if threshold == 2 {
		return []lttbPoint{points[0], points[n-1]}
	}

	sampled := make([]lttbPoint, 0, threshold)
	sampled = append(sampled, points[0])

	// Bucket size excluding the fixed endpoints.
	bucketSize := float64(n-2) / float64(threshold-2)
	a := 0 // index of the previously selected point

	for i := 0; i < threshold-2; i++ {
		// Average of the next bucket serves as the third triangle vertex.
		nextStart := int(float64(i+1)*bucketSize) + 1
		nextEnd := int(float64(i+2)*bucketSize) + 1
		if nextEnd > n {
			nextEnd = n
		}
		var avgX, avgY float64
		span := nextEnd - nextStart
		if span < 1 {
			span = 1
			nextStart = n - 1
			nextEnd = n
		}
		for _, p := range points[nextStart:nextEnd] {
			avgX += p.X
			avgY += p.Y
		}
		avgX /= float64(span)
		avgY /= float64(span)

		// Pick the point of the current bucket forming the largest triangle
		// with the previous selection and the next bucket's average.
		start := int(float64(i)*bucketSize) + 1
		end := int(float64(i+1)*bucketSize) + 1
		if end > n-1 {
			end = n - 1
		}

		maxArea := -1.0
		maxIdx := start
		for j := start; j < end; j++ {
			area := abs((points[a].X-avgX)*(points[j].Y-points[a].Y) -
				(points[a].X-points[j].X)*(avgY-points[a].Y))
			if area > maxArea {
				maxArea = area
				maxIdx = j
			}
		}
		sampled = append(sampled, points[maxIdx])
		a = maxIdx
	}

	sampled = append(sampled, points[n-1])
	return sampled
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
