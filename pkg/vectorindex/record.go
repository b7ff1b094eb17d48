// Package vectorindex is the only code that talks to the vector database.
// Callers get scoped connections from a Gateway and see search results as
// []SearchHit regardless of the query shape.
package vectorindex

import (
	"encoding/json"
	"strconv"

	"github.com/google/uuid"
)

const (
	DefaultClass = "Artworks"

	PropArtworkID = "artwork_psql_id"
	PropAuthorID  = "author_psql_id"
	PropImage     = "image"
)

// Record is one indexed image. Records are replaced, never updated.
type Record struct {
	ID        string `json:"id"`
	ArtworkID int64  `json:"artwork_id"`
	AuthorID  int64  `json:"author_id"`
	// Image is the base64 encoded image blob.
	Image string `json:"image"`
}

// NewRecord builds a Record whose ID is derived from its content.
func NewRecord(artworkID, authorID int64, imageB64 string) Record {
	return Record{
		ID:        RecordID(artworkID, authorID, imageB64),
		ArtworkID: artworkID,
		AuthorID:  authorID,
		Image:     imageB64,
	}
}

// RecordID returns the name-based (SHA-1, DNS namespace) UUID of the record
// content. Identical input always yields the same id.
func RecordID(artworkID, authorID int64, imageB64 string) string {
	// encoding/json sorts map keys, which makes the encoding canonical.
	canonical, _ := json.Marshal(map[string]string{
		PropArtworkID: strconv.FormatInt(artworkID, 10),
		PropAuthorID:  strconv.FormatInt(authorID, 10),
		PropImage:     imageB64,
	})
	return uuid.NewSHA1(uuid.NameSpaceDNS, canonical).String()
}

func (r Record) properties() map[string]interface{} {
	return map[string]interface{}{
		PropArtworkID: strconv.FormatInt(r.ArtworkID, 10),
		PropAuthorID:  strconv.FormatInt(r.AuthorID, 10),
		PropImage:     r.Image,
	}
}

// SearchHit is one similarity result.
type SearchHit struct {
	ObjectID  string   `json:"object_id"`
	ArtworkID int64    `json:"artwork_id"`
	AuthorID  int64    `json:"author_id"`
	Distance  *float64 `json:"distance,omitempty"`
}

// Query narrows a near-object search.
type Query struct {
	Limit          int
	ExcludeAuthors []int64
}
