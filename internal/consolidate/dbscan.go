package consolidate

import "companion-memory/internal/vectormath"

// dbscan clusters vectors by density with cosine distance, defined as
// one minus cosine similarity. Vectors of mismatched dimension end up
// at maximum distance from everything. Noise points belong to no
// cluster; the result lists member indexes per cluster.
func dbscan(vectors [][]float32, eps float64, minPts int) [][]int {
	const (
		unvisited = 0
		noise     = -1
	)

	n := len(vectors)
	labels := make([]int, n) // 0 unvisited, -1 noise, >0 cluster id
	clusterID := 0

	for i := 0; i < n; i++ {
		if labels[i] != unvisited {
			continue
		}
		neighbors := regionQuery(vectors, i, eps)
		if len(neighbors) < minPts {
			labels[i] = noise
			continue
		}

		clusterID++
		labels[i] = clusterID

		// Expand the cluster from the seed's neighborhood.
		queue := append([]int(nil), neighbors...)
		for qi := 0; qi < len(queue); qi++ {
			j := queue[qi]
			if labels[j] == noise {
				labels[j] = clusterID
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = clusterID
			jNeighbors := regionQuery(vectors, j, eps)
			if len(jNeighbors) >= minPts {
				queue = append(queue, jNeighbors...)
			}
		}
	}

	clusters := make([][]int, clusterID)
	for i, label := range labels {
		if label > 0 {
			clusters[label-1] = append(clusters[label-1], i)
		}
	}
	return clusters
}

// regionQuery returns the indexes within eps of point i, including i
// itself.
func regionQuery(vectors [][]float32, i int, eps float64) []int {
	var out []int
	for j := range vectors {
		if distance(vectors[i], vectors[j]) <= eps {
			out = append(out, j)
		}
	}
	return out
}

func distance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1.0
	}
	return 1.0 - vectormath.Cosine(a, b)
}
