package repository

import (
	"encoding/json"
	"fmt"

	"nfvcl.io/nfvcl/internal/blueprint"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
)

func encodeDocument(doc *blueprint.Document) ([]byte, error) {
	if doc == nil || doc.ID == "" {
		return nil, fmt.Errorf("encode blueprint document: missing id: %w", apperrors.ErrBadRequest)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode blueprint document %s: %w", doc.ID, err)
	}
	return raw, nil
}

func decodeDocument(id string, raw []byte) (*blueprint.Document, error) {
	var doc blueprint.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode blueprint document %s: %w", id, err)
	}
	return &doc, nil
}

func staleVersion(id string, stored, got int64) error {
	return fmt.Errorf("upsert blueprint %s: stored version %d, writing %d: %w", id, stored, got, apperrors.ErrConflict)
}
