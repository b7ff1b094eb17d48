package catalog

import (
	"strings"

	"gorm.io/datatypes"
)

type artistModel struct {
	ID                        int64                       `gorm:"primaryKey"`
	Firstname                 string                      `gorm:"type:varchar(200)"`
	Surname                   string                      `gorm:"type:varchar(200)"`
	Notes                     string                      `gorm:"type:text"`
	Born                      *int                        `gorm:"type:integer"`
	Gender                    string                      `gorm:"type:varchar(1)"`
	AuctionsTurnover2023H1USD *string                     `gorm:"column:auctions_turnover_2023_h1_usd;type:numeric(10,2)"`
	MediaTypes                datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	SimilarAuthorsPostgresIDs datatypes.JSONSlice[int64]  `gorm:"column:similar_authors_postgres_ids;type:jsonb"`
	ProfileImageURL           *string                     `gorm:"type:text"`
	ProfileImageWeaviateID    string                      `gorm:"type:varchar(200)"`
	Artworks                  []artworkModel              `gorm:"foreignKey:ArtistID"`
}

func (artistModel) TableName() string { return "artists" }

func (m artistModel) toAPI() Artist {
	a := Artist{
		ID:                        m.ID,
		Firstname:                 m.Firstname,
		Surname:                   m.Surname,
		Name:                      strings.TrimSpace(m.Firstname + " " + m.Surname),
		Notes:                     m.Notes,
		ProfileImageURL:           m.ProfileImageURL,
		Born:                      m.Born,
		Gender:                    m.Gender,
		AuctionsTurnover2023H1USD: m.AuctionsTurnover2023H1USD,
		SimilarAuthorsPostgresIDs: []int64(m.SimilarAuthorsPostgresIDs),
		MediaTypes:                []string(m.MediaTypes),
	}
	if a.SimilarAuthorsPostgresIDs == nil {
		a.SimilarAuthorsPostgresIDs = []int64{}
	}
	if a.MediaTypes == nil {
		a.MediaTypes = []string{}
	}
	if m.Artworks != nil {
		a.Artworks = make([]Artwork, 0, len(m.Artworks))
		for _, w := range m.Artworks {
			a.Artworks = append(a.Artworks, w.toAPI())
		}
	}
	return a
}

type artworkModel struct {
	ID                     int64   `gorm:"primaryKey"`
	ArtistID               int64   `gorm:"not null"`
	Title                  string  `gorm:"type:varchar(250)"`
	PictureURL             *string `gorm:"type:text"`
	Year                   *int    `gorm:"type:integer"`
	SizeX                  *int    `gorm:"column:size_x;type:integer"`
	SizeY                  *int    `gorm:"column:size_y;type:integer"`
	PictureImageWeaviateID string  `gorm:"type:varchar(200)"`
}

func (artworkModel) TableName() string { return "artworks" }

func (m artworkModel) toAPI() Artwork {
	return Artwork{
		ID:         m.ID,
		Title:      m.Title,
		PictureURL: m.PictureURL,
		Year:       m.Year,
		SizeX:      m.SizeX,
		SizeY:      m.SizeY,
		ArtistID:   m.ArtistID,
		IndexID:    m.PictureImageWeaviateID,
	}
}
