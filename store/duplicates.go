package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"go.etcd.io/bbolt"
)

// DuplicateGroup is a set of documents created for the same media id.
type DuplicateGroup struct {
	MediaID string      `json:"media_id"`
	Keep    *Document   `json:"keep"`
	Remove  []*Document `json:"remove"`
}

// DuplicateGroups returns every media id with more than one document.
// The newest document of each group is kept. Groups are ordered by
// media id.
func (d *DB) DuplicateGroups(_ context.Context) ([]DuplicateGroup, error) {
	var groups []DuplicateGroup
	err := d.db.View(func(tx *bbolt.Tx) error {
		var err error
		groups, err = duplicateGroups(tx)
		return err
	})
	return groups, err
}

// RemoveDuplicates deletes all but the newest document of every
// duplicate group and returns how many were removed.
func (d *DB) RemoveDuplicates(ctx context.Context) (int, error) {
	var removed int
	err := d.db.Update(func(tx *bbolt.Tx) error {
		groups, err := duplicateGroups(tx)
		if err != nil {
			return err
		}
		for _, g := range groups {
			for _, doc := range g.Remove {
				if err := deleteDocument(tx, doc.ID); err != nil {
					return fmt.Errorf("removing duplicate %s of media %s: %w", doc.ID, g.MediaID, err)
				}
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		d.logger.InfoContext(ctx, "duplicate documents removed", "removed", removed)
	}
	return removed, nil
}

func duplicateGroups(tx *bbolt.Tx) ([]DuplicateGroup, error) {
	byMedia := make(map[string][]*Document)
	err := tx.Bucket(bucketDocuments).ForEach(func(_, v []byte) error {
		var doc Document
		if err := json.Unmarshal(v, &doc); err != nil {
			return fmt.Errorf("decoding document: %w", err)
		}
		if doc.MediaID == "" {
			return nil
		}
		byMedia[doc.MediaID] = append(byMedia[doc.MediaID], &doc)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var groups []DuplicateGroup
	for mediaID, docs := range byMedia {
		if len(docs) < 2 {
			continue
		}
		sortNewestFirst(docs)
		groups = append(groups, DuplicateGroup{MediaID: mediaID, Keep: docs[0], Remove: docs[1:]})
	}
	slices.SortFunc(groups, func(a, b DuplicateGroup) int {
		return strings.Compare(a.MediaID, b.MediaID)
	})
	return groups, nil
}
