package airadar

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/charmbracelet/log"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// NoiseLabel marks an item that did not join any density cluster.
const NoiseLabel = -1

const (
	splitThresholdStep = 0.08
	splitThresholdCap  = 0.95
)

var (
	// ErrDimensionMismatch is returned when embeddings in one batch have different lengths.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrNegativeEngagement is returned when an item has a negative engagement score.
	ErrNegativeEngagement = errors.New("negative engagement")
)

// ClusterOptions tunes the clusterer. Zero fields take their defaults.
type ClusterOptions struct {
	// Threshold is the cosine similarity above which items are neighbours.
	Threshold      float64 `json:"threshold"`
	MinClusterSize int     `json:"min_cluster_size"`
	MaxClusterSize int     `json:"max_cluster_size"`
	NoiseTopK      int     `json:"noise_top_k"`
	NoiseBatchSize int     `json:"noise_batch_size"`
}

// DefaultClusterOptions returns the production tuning.
func DefaultClusterOptions() ClusterOptions {
	return ClusterOptions{
		Threshold:      0.82,
		MinClusterSize: 2,
		MaxClusterSize: 30,
		NoiseTopK:      15,
		NoiseBatchSize: 5,
	}
}

func (o ClusterOptions) withDefaults() ClusterOptions {
	d := DefaultClusterOptions()
	if o.Threshold <= 0 {
		o.Threshold = d.Threshold
	}
	if o.MinClusterSize <= 0 {
		o.MinClusterSize = d.MinClusterSize
	}
	if o.MaxClusterSize <= 0 {
		o.MaxClusterSize = d.MaxClusterSize
	}
	if o.NoiseTopK <= 0 {
		o.NoiseTopK = d.NoiseTopK
	}
	if o.NoiseBatchSize <= 0 {
		o.NoiseBatchSize = d.NoiseBatchSize
	}
	return o
}

// Clusterer groups embedded items by cosine distance and reconciles the
// result into size-bounded groups. It is safe for concurrent use; every call
// works on its own copy of the items.
type Clusterer struct {
	opts ClusterOptions
}

// NewClusterer returns a Clusterer using opts.
func NewClusterer(opts ClusterOptions) *Clusterer {
	return &Clusterer{opts: opts.withDefaults()}
}

// Options returns the effective options.
func (c *Clusterer) Options() ClusterOptions {
	return c.opts
}

// GroupKind tells how a final group was formed.
type GroupKind string

const (
	GroupCluster GroupKind = "cluster" // density cluster within the size bound
	GroupSplit   GroupKind = "split"   // sub-cluster of an oversized cluster
	GroupChunk   GroupKind = "chunk"   // engagement-ordered slice of an oversized cluster
	GroupNoise   GroupKind = "noise"   // batch of high-engagement noise items
)

// Group is one final, size-bounded group of items.
type Group struct {
	ID    int            `json:"id"`
	Kind  GroupKind      `json:"kind"`
	Items []EmbeddedItem `json:"items"`
}

// Diagnostics describes one GroupAndFinalize run.
type Diagnostics struct {
	TotalInput       int   `json:"total_input"`
	RealClusters     int   `json:"real_clusters"`
	RealClusterSizes []int `json:"real_cluster_sizes"`
	NoiseTotal       int   `json:"noise_total"`
	NoiseKept        int   `json:"noise_kept"`
	NoiseDiscarded   int   `json:"noise_discarded"`
	PseudoClusters   int   `json:"pseudo_clusters"`
	MegaClusters     int   `json:"mega_clusters"`
	SubclusterSplits int   `json:"subcluster_splits"`
	ChunkFallbacks   int   `json:"chunk_fallbacks"`
	FinalGroups      int   `json:"final_groups"`
	FinalGroupSizes  []int `json:"final_group_sizes"`
	Retained         int   `json:"retained"`
}

// Assign computes the pairwise cosine distance of items and runs density
// clustering over it. It returns one label per item, NoiseLabel for noise.
// Fewer than two items bypass clustering and get their own index as label.
func (c *Clusterer) Assign(items []EmbeddedItem) ([]int, error) {
	if err := checkEngagement(items); err != nil {
		return nil, err
	}
	if len(items) < 2 {
		labels := make([]int, len(items))
		for i := range labels {
			labels[i] = i
		}
		return labels, nil
	}

	dist, err := DistanceMatrix(embeddingsOf(items))
	if err != nil {
		return nil, err
	}
	return dbscan(dist, 1-c.opts.Threshold, c.opts.MinClusterSize), nil
}

// Cluster returns a copy of items with ClusterID set by Assign.
func (c *Clusterer) Cluster(items []EmbeddedItem) ([]EmbeddedItem, error) {
	labels, err := c.Assign(items)
	if err != nil {
		return nil, err
	}
	out := make([]EmbeddedItem, len(items))
	for i, item := range items {
		item.ClusterID = labels[i]
		out[i] = item
	}
	return out, nil
}

// GroupAndFinalize turns clustered items (ClusterID set, NoiseLabel for noise)
// into final groups. Oversized clusters are split, the most engaging noise
// items are batched into pseudo-clusters and the rest of the noise is dropped.
// Group ids are dense and start at zero; items in the result carry them.
func (c *Clusterer) GroupAndFinalize(items []EmbeddedItem) ([]Group, Diagnostics, error) {
	diag := Diagnostics{TotalInput: len(items)}
	if err := checkEngagement(items); err != nil {
		return nil, diag, err
	}

	clusters, noise := partitionLabels(labelsOf(items))
	diag.RealClusters = len(clusters)
	diag.RealClusterSizes = make([]int, 0, len(clusters))

	var groups []splitPart

	for _, members := range clusters {
		diag.RealClusterSizes = append(diag.RealClusterSizes, len(members))
		if len(members) <= c.opts.MaxClusterSize {
			groups = append(groups, splitPart{GroupCluster, members})
			continue
		}

		diag.MegaClusters++
		parts, kind, err := c.splitMegaCluster(items, members)
		if err != nil {
			return nil, diag, err
		}
		if kind == GroupSplit {
			diag.SubclusterSplits++
		} else {
			diag.ChunkFallbacks++
			log.Debug("mega-cluster did not separate, chunked by engagement", "size", len(members), "chunks", len(parts))
		}
		groups = append(groups, parts...)
	}

	diag.NoiseTotal = len(noise)
	kept := sortByEngagement(items, noise)
	if len(kept) > c.opts.NoiseTopK {
		kept = kept[:c.opts.NoiseTopK]
	}
	diag.NoiseKept = len(kept)
	diag.NoiseDiscarded = diag.NoiseTotal - diag.NoiseKept
	for batch := range slices.Chunk(kept, c.opts.NoiseBatchSize) {
		groups = append(groups, splitPart{GroupNoise, batch})
		diag.PseudoClusters++
	}

	result := make([]Group, len(groups))
	for id, g := range groups {
		members := make([]EmbeddedItem, len(g.members))
		for k, idx := range g.members {
			item := items[idx]
			item.ClusterID = id
			members[k] = item
		}
		result[id] = Group{ID: id, Kind: g.kind, Items: members}
		diag.FinalGroupSizes = append(diag.FinalGroupSizes, len(members))
		diag.Retained += len(members)
	}
	diag.FinalGroups = len(result)

	return result, diag, nil
}

type splitPart struct {
	kind    GroupKind
	members []int
}

// splitMegaCluster re-clusters members with a tighter threshold. When that
// yields at least two sub-clusters, leftover noise joins the sub-cluster with
// the closest centroid. Otherwise, or for sub-clusters still above the size
// bound, members are cut into engagement-ordered chunks.
func (c *Clusterer) splitMegaCluster(items []EmbeddedItem, members []int) ([]splitPart, GroupKind, error) {
	vectors := make([][]float64, len(members))
	for k, idx := range members {
		vectors[k] = items[idx].Embedding
	}
	x, err := normalizedRows(vectors)
	if err != nil {
		return nil, "", err
	}
	dist := distancesFromRows(x)

	threshold := math.Min(c.opts.Threshold+splitThresholdStep, splitThresholdCap)
	subClusters, residual := partitionLabels(dbscan(dist, 1-threshold, c.opts.MinClusterSize))

	if len(subClusters) <= 1 {
		return c.chunk(items, members), GroupChunk, nil
	}

	if len(residual) > 0 {
		centroids := make([][]float64, len(subClusters))
		for s, local := range subClusters {
			centroids[s] = centroid(x, local)
		}
		for _, r := range residual {
			nearest := nearestCentroid(x.RawRowView(r), centroids)
			subClusters[nearest] = append(subClusters[nearest], r)
		}
	}

	var parts []splitPart
	for _, local := range subClusters {
		slices.Sort(local)
		global := make([]int, len(local))
		for k, l := range local {
			global[k] = members[l]
		}
		if len(global) > c.opts.MaxClusterSize {
			parts = append(parts, c.chunk(items, global)...)
			continue
		}
		parts = append(parts, splitPart{GroupSplit, global})
	}
	return parts, GroupSplit, nil
}

// chunk orders members by engagement and cuts them into pieces of at most MaxClusterSize.
func (c *Clusterer) chunk(items []EmbeddedItem, members []int) []splitPart {
	var parts []splitPart
	for piece := range slices.Chunk(sortByEngagement(items, members), c.opts.MaxClusterSize) {
		parts = append(parts, splitPart{GroupChunk, piece})
	}
	return parts
}

// DistanceMatrix returns the pairwise cosine distance of embeddings, clipped
// to [0, 2] with a zero diagonal. Vectors are normalized to unit length first;
// zero and empty vectors stay zero. Non-empty embeddings must share one length.
func DistanceMatrix(embeddings [][]float64) (*mat.SymDense, error) {
	if len(embeddings) == 0 {
		return &mat.SymDense{}, nil
	}
	x, err := normalizedRows(embeddings)
	if err != nil {
		return nil, err
	}
	return distancesFromRows(x), nil
}

// normalizedRows stacks embeddings into a matrix of unit rows.
// Empty embeddings become zero rows of the batch dimension.
func normalizedRows(embeddings [][]float64) (*mat.Dense, error) {
	dim := 0
	for i, e := range embeddings {
		if len(e) == 0 {
			continue
		}
		if dim == 0 {
			dim = len(e)
			continue
		}
		if len(e) != dim {
			return nil, fmt.Errorf("%w: item %d has %d dimensions, expected %d", ErrDimensionMismatch, i, len(e), dim)
		}
	}
	if dim == 0 {
		dim = 1
	}

	x := mat.NewDense(len(embeddings), dim, nil)
	for i, e := range embeddings {
		if len(e) == 0 {
			continue
		}
		row := x.RawRowView(i)
		copy(row, e)
		norm := floats.Norm(row, 2)
		if norm == 0 {
			norm = 1
		}
		floats.Scale(1/norm, row)
	}
	return x, nil
}

func distancesFromRows(x *mat.Dense) *mat.SymDense {
	n, _ := x.Dims()
	var gram mat.SymDense
	gram.SymOuterK(1, x)

	dist := mat.NewSymDense(n, nil)
	for i := range n {
		for j := i + 1; j < n; j++ {
			d := 1 - gram.At(i, j)
			dist.SetSym(i, j, math.Min(math.Max(d, 0), 2))
		}
	}
	return dist
}

// dbscan labels the points of a precomputed distance matrix. A point is a
// core point when at least minPts points (itself included) lie within eps.
// Points are visited in index order so labels are deterministic.
func dbscan(dist mat.Symmetric, eps float64, minPts int) []int {
	n := dist.SymmetricDim()
	labels := make([]int, n)
	for i := range labels {
		labels[i] = NoiseLabel
	}
	visited := make([]bool, n)

	cluster := 0
	for i := range n {
		if visited[i] {
			continue
		}
		visited[i] = true

		neighbors := regionQuery(dist, i, eps)
		if len(neighbors) < minPts {
			continue
		}

		labels[i] = cluster
		queue := neighbors
		for k := 0; k < len(queue); k++ {
			j := queue[k]
			if labels[j] == NoiseLabel {
				labels[j] = cluster
			}
			if visited[j] {
				continue
			}
			visited[j] = true
			if more := regionQuery(dist, j, eps); len(more) >= minPts {
				queue = append(queue, more...)
			}
		}
		cluster++
	}
	return labels
}

func regionQuery(dist mat.Symmetric, i int, eps float64) []int {
	n := dist.SymmetricDim()
	var neighbors []int
	for j := range n {
		if dist.At(i, j) <= eps {
			neighbors = append(neighbors, j)
		}
	}
	return neighbors
}

// partitionLabels groups indices by label in order of first appearance and
// returns the noise indices separately.
func partitionLabels(labels []int) (clusters [][]int, noise []int) {
	pos := make(map[int]int)
	for i, l := range labels {
		if l == NoiseLabel {
			noise = append(noise, i)
			continue
		}
		p, ok := pos[l]
		if !ok {
			p = len(clusters)
			pos[l] = p
			clusters = append(clusters, nil)
		}
		clusters[p] = append(clusters[p], i)
	}
	return clusters, noise
}

func centroid(x *mat.Dense, rows []int) []float64 {
	_, dim := x.Dims()
	c := make([]float64, dim)
	for _, r := range rows {
		floats.Add(c, x.RawRowView(r))
	}
	floats.Scale(1/float64(len(rows)), c)
	return c
}

// nearestCentroid returns the index of the centroid with the highest cosine
// similarity to the unit vector v. Ties go to the lowest index.
func nearestCentroid(v []float64, centroids [][]float64) int {
	best, bestSim := 0, math.Inf(-1)
	for i, c := range centroids {
		norm := floats.Norm(c, 2)
		if norm == 0 {
			norm = 1
		}
		if sim := floats.Dot(v, c) / norm; sim > bestSim {
			best, bestSim = i, sim
		}
	}
	return best
}

// sortByEngagement returns indices ordered by engagement, highest first,
// keeping the input order between equal scores.
func sortByEngagement(items []EmbeddedItem, indices []int) []int {
	out := slices.Clone(indices)
	slices.SortStableFunc(out, func(a, b int) int {
		return items[b].Engagement - items[a].Engagement
	})
	return out
}

func checkEngagement(items []EmbeddedItem) error {
	for i, item := range items {
		if item.Engagement < 0 {
			return fmt.Errorf("%w: item %d (%s) has %d", ErrNegativeEngagement, i, item.ID, item.Engagement)
		}
	}
	return nil
}

func embeddingsOf(items []EmbeddedItem) [][]float64 {
	out := make([][]float64, len(items))
	for i, item := range items {
		out[i] = item.Embedding
	}
	return out
}

func labelsOf(items []EmbeddedItem) []int {
	out := make([]int, len(items))
	for i, item := range items {
		out[i] = item.ClusterID
	}
	return out
}
