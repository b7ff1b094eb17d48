// Package catalog reads and updates the artist and artwork rows the vector
// index refers to.
package catalog

import "errors"

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Artist is the public view of an artist row.
type Artist struct {
	ID                        int64     `json:"id"`
	Firstname                 string    `json:"firstname"`
	Surname                   string    `json:"surname"`
	Name                      string    `json:"name"`
	Notes                     string    `json:"notes"`
	ProfileImageURL           *string   `json:"profile_image_url"`
	Artworks                  []Artwork `json:"artworks,omitempty"`
	Born                      *int      `json:"born"`
	Gender                    string    `json:"gender"`
	AuctionsTurnover2023H1USD *string   `json:"auctions_turnover_2023_h1_USD"`
	SimilarAuthorsPostgresIDs []int64   `json:"similar_authors_postgres_ids"`
	MediaTypes                []string  `json:"media_types"`
}

// Artwork is the public view of an artwork row.
type Artwork struct {
	ID         int64   `json:"id"`
	Title      string  `json:"title"`
	PictureURL *string `json:"picture_url"`
	Year       *int    `json:"year"`
	SizeX      *int    `json:"sizeX"`
	SizeY      *int    `json:"sizeY"`

	ArtistID int64  `json:"-"`
	IndexID  string `json:"-"`
}

// HasPicture reports whether the artwork has an archived picture to index.
func (a Artwork) HasPicture() bool {
	return a.PictureURL != nil && *a.PictureURL != ""
}
