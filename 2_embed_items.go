package airadar

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// EmbedItemsCmd: reads data/raw, saves data/embedded/{date}_{pipeline}.json
var EmbedItemsCmd = &cobra.Command{
	Use:   "embed-items [pipeline...]",
	Short: "Generate embeddings for collected items",
	Run: func(cmd *cobra.Command, args []string) {
		runStage(cmd, args, true, (*Pipeline).Embed)
	},
}

// Embed embeds the collected items and writes the embedded checkpoint.
func (p *Pipeline) Embed(ctx context.Context) error {
	collected, err := loadCollected[SourceItem](p)
	if err != nil {
		return err
	}

	embedder, closeEmbedder, err := p.embedder()
	if err != nil {
		return err
	}
	defer closeEmbedder()

	items, err := EmbedItems(ctx, embedder, collected.Items)
	if err != nil {
		return err
	}

	path := p.path(EmbeddedDir, ".json")
	if err := writeJSON(path, items); err != nil {
		return err
	}
	log.Info("💾 saved embedded items", "pipeline", p.Name, "items", len(items), "path", path)
	return nil
}
