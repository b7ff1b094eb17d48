package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Artist struct {
	ID                        int64                       `gorm:"type:bigserial;primaryKey"`
	Firstname                 string                      `gorm:"type:varchar(200);not null;default:''"`
	Surname                   string                      `gorm:"type:varchar(200);not null;default:''"`
	Notes                     string                      `gorm:"type:text;not null;default:''"`
	Born                      *int                        `gorm:"type:integer"`
	Gender                    string                      `gorm:"type:varchar(1);not null;default:''"`
	AuctionsTurnover2023H1USD *string                     `gorm:"column:auctions_turnover_2023_h1_usd;type:numeric(10,2)"`
	MediaTypes                datatypes.JSONSlice[string] `gorm:"type:jsonb;not null;default:'[]'"`
	SimilarAuthorsPostgresIDs datatypes.JSONSlice[int64]  `gorm:"column:similar_authors_postgres_ids;type:jsonb;not null;default:'[]'"`
	ProfileImageURL           *string                     `gorm:"type:text"`
	ProfileImageWeaviateID    string                      `gorm:"type:varchar(200);not null;default:''"`
}

type Artwork struct {
	ID                     int64   `gorm:"type:bigserial;primaryKey"`
	ArtistID               int64   `gorm:"not null;index"`
	Title                  string  `gorm:"type:varchar(250);not null;default:'without name'"`
	PictureURL             *string `gorm:"type:text"`
	Year                   *int    `gorm:"type:integer"`
	SizeX                  *int    `gorm:"column:size_x;type:integer"`
	SizeY                  *int    `gorm:"column:size_y;type:integer"`
	PictureImageWeaviateID string  `gorm:"type:varchar(200);not null;default:'';index"`
	Artist                 Artist  `gorm:"foreignKey:ArtistID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func openGorm(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(&Artist{}, &Artwork{}); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if !m.HasConstraint(&Artwork{}, "Artist") {
		if err := m.CreateConstraint(&Artwork{}, "Artist"); err != nil {
			return err
		}
	}
	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(&Artwork{}, &Artist{})
}
