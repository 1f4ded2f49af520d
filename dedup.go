package airadar

import (
	"slices"
	"strings"
	"time"
)

const (
	repostPrefix        = "RT @"
	nearDuplicatePrefix = 80
	nearDuplicateWindow = 2 * time.Hour
)

// DeduplicateRecent removes redundant items from a freshly collected batch.
//
// Pure reposts are dropped first. Items with the same trimmed text are then
// collapsed to the one with the highest engagement. Finally the survivors are
// sorted by engagement (descending, stable) and an item is dropped when an
// already kept item has the same author and the same first 80 characters and
// was posted less than two hours apart. Items without a timestamp are kept only
// when no item with their key was kept before.
//
// The result is ordered by engagement, highest first. Running it again on its
// own output removes nothing.
func DeduplicateRecent(items []SourceItem) []SourceItem {
	// 1. pure reposts
	var originals []SourceItem
	for _, item := range items {
		if strings.HasPrefix(strings.TrimSpace(item.Text), repostPrefix) {
			continue
		}
		originals = append(originals, item)
	}

	// 2. exact text, first appearance keeps its position
	best := make(map[string]int)
	var unique []SourceItem
	for _, item := range originals {
		key := strings.TrimSpace(item.Text)
		if idx, ok := best[key]; ok {
			if item.Engagement > unique[idx].Engagement {
				unique[idx] = item
			}
			continue
		}
		best[key] = len(unique)
		unique = append(unique, item)
	}

	// 3. same author and prefix posted close together
	slices.SortStableFunc(unique, func(a, b SourceItem) int {
		return b.Engagement - a.Engagement
	})

	kept := make(map[string][]time.Time)
	seen := make(map[string]bool)
	result := make([]SourceItem, 0, len(unique))
	for _, item := range unique {
		key := item.Author + "\x00" + truncateRunes(item.Text, nearDuplicatePrefix)
		if !item.HasTime() {
			if seen[key] {
				continue
			}
		} else if withinWindow(kept[key], item.CreatedAt.Time, nearDuplicateWindow) {
			continue
		}
		seen[key] = true
		if item.HasTime() {
			kept[key] = append(kept[key], item.CreatedAt.Time)
		}
		result = append(result, item)
	}

	return result
}

func withinWindow(times []time.Time, t time.Time, window time.Duration) bool {
	for _, prev := range times {
		d := t.Sub(prev)
		if d < 0 {
			d = -d
		}
		if d < window {
			return true
		}
	}
	return false
}
