package airadar

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// ClusterCheckpoint is the artefact of the cluster stage.
type ClusterCheckpoint struct {
	RunID       string         `json:"run_id"`
	Pipeline    string         `json:"pipeline"`
	Date        string         `json:"date"`
	Options     ClusterOptions `json:"options"`
	Diagnostics Diagnostics    `json:"diagnostics"`
	Groups      []Group        `json:"groups"`
}

// ClusterItemsCmd: reads data/embedded, saves data/clusters/{date}_{pipeline}.json
var ClusterItemsCmd = &cobra.Command{
	Use:   "cluster-items [pipeline...]",
	Short: "Group embedded items into size-bounded event clusters",
	Run: func(cmd *cobra.Command, args []string) {
		runStage(cmd, args, true, (*Pipeline).Cluster)
	},
}

// Cluster clusters the embedded items and writes the final groups.
func (p *Pipeline) Cluster(_ context.Context) error {
	var items []EmbeddedItem
	if err := readJSON(p.path(EmbeddedDir, ".json"), &items); err != nil {
		return fmt.Errorf("failed to load embedded items, run embed-items first: %w", err)
	}

	clusterer := NewClusterer(p.Settings.ClusterOptions())
	labeled, err := clusterer.Cluster(items)
	if err != nil {
		return err
	}
	groups, diag, err := clusterer.GroupAndFinalize(labeled)
	if err != nil {
		return err
	}

	log.Info("🧩 clustered items",
		"pipeline", p.Name,
		"input", diag.TotalInput,
		"clusters", diag.RealClusters,
		"noise", diag.NoiseTotal,
		"noise_kept", diag.NoiseKept,
		"mega", diag.MegaClusters,
		"splits", diag.SubclusterSplits,
		"chunked", diag.ChunkFallbacks,
		"groups", diag.FinalGroups,
		"retained", diag.Retained)
	log.Debug("cluster sizes", "real", diag.RealClusterSizes, "final", diag.FinalGroupSizes)

	if groups == nil {
		groups = []Group{}
	}
	checkpoint := ClusterCheckpoint{
		RunID:       uuid.NewString(),
		Pipeline:    p.Name,
		Date:        p.Date.Format(time.DateOnly),
		Options:     clusterer.Options(),
		Diagnostics: diag,
		Groups:      groups,
	}
	return writeJSON(p.path(ClustersDir, ".json"), checkpoint)
}
