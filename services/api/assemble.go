package api

import (
	"context"
	"errors"

	"artdb/pkg/catalog"
	"artdb/pkg/vectorindex"
)

// Lookup loads catalog rows in batches.
type Lookup interface {
	ArtworksByIDs(ctx context.Context, ids []int64) (map[int64]catalog.Artwork, error)
	ArtistsByIDs(ctx context.Context, ids []int64) (map[int64]catalog.Artist, error)
}

// Match is one search result joined with its catalog rows.
type Match struct {
	Artwork  catalog.Artwork `json:"artwork"`
	Author   catalog.Artist  `json:"author"`
	Distance *float64        `json:"distance,omitempty"`
}

// Assembler turns index hits into Matches.
type Assembler struct {
	lookup Lookup
}

func NewAssembler(lookup Lookup) (*Assembler, error) {
	if lookup == nil {
		return nil, errors.New("lookup is required")
	}
	return &Assembler{lookup: lookup}, nil
}

// Assemble resolves hits with one artwork query and one author query. Hits
// whose artwork or author no longer exists are dropped; the rest keep their
// order.
func (a *Assembler) Assemble(ctx context.Context, hits []vectorindex.SearchHit) ([]Match, error) {
	matches := make([]Match, 0, len(hits))
	if len(hits) == 0 {
		return matches, nil
	}

	artworkIDs := make([]int64, 0, len(hits))
	authorIDs := make([]int64, 0, len(hits))
	seenArtworks := make(map[int64]struct{}, len(hits))
	seenAuthors := make(map[int64]struct{}, len(hits))
	for _, h := range hits {
		if _, ok := seenArtworks[h.ArtworkID]; !ok {
			seenArtworks[h.ArtworkID] = struct{}{}
			artworkIDs = append(artworkIDs, h.ArtworkID)
		}
		if _, ok := seenAuthors[h.AuthorID]; !ok {
			seenAuthors[h.AuthorID] = struct{}{}
			authorIDs = append(authorIDs, h.AuthorID)
		}
	}

	artworks, err := a.lookup.ArtworksByIDs(ctx, artworkIDs)
	if err != nil {
		return nil, err
	}
	authors, err := a.lookup.ArtistsByIDs(ctx, authorIDs)
	if err != nil {
		return nil, err
	}

	for _, h := range hits {
		artwork, ok := artworks[h.ArtworkID]
		if !ok {
			continue
		}
		author, ok := authors[h.AuthorID]
		if !ok {
			continue
		}
		matches = append(matches, Match{Artwork: artwork, Author: author, Distance: h.Distance})
	}
	return matches, nil
}
