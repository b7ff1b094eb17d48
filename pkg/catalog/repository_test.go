package catalog

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	artistColumns  = []string{"id", "firstname", "surname", "notes", "born", "gender", "auctions_turnover_2023_h1_usd", "media_types", "similar_authors_postgres_ids", "profile_image_url", "profile_image_weaviate_id"}
	artworkColumns = []string{"id", "artist_id", "title", "picture_url", "year", "size_x", "size_y", "picture_image_weaviate_id"}
)

func newMockRepository(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	orm, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	repo, err := NewRepository(orm)
	require.NoError(t, err)
	return repo, mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

func TestArtworksByIDsSingleQuery(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(q(`SELECT * FROM "artworks" WHERE id IN`)).
		WithArgs(25, 26, 27).
		WillReturnRows(sqlmock.NewRows(artworkColumns).
			AddRow(25, 1, "Blue", "https://cdn.example.com/25.jpg", 1999, 40, 60, "idx-25").
			AddRow(27, 2, "Red", nil, nil, nil, nil, ""))

	got, err := repo.ArtworksByIDs(context.Background(), []int64{25, 26, 27})
	require.NoError(t, err)
	require.Len(t, got, 2)

	blue := got[25]
	require.Equal(t, "Blue", blue.Title)
	require.Equal(t, int64(1), blue.ArtistID)
	require.Equal(t, "idx-25", blue.IndexID)
	require.True(t, blue.HasPicture())
	require.Equal(t, 40, *blue.SizeX)

	require.False(t, got[27].HasPicture())
	require.Nil(t, got[27].Year)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestByIDsEmptyInputSkipsQuery(t *testing.T) {
	repo, mock := newMockRepository(t)

	artworks, err := repo.ArtworksByIDs(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, artworks)

	artists, err := repo.ArtistsByIDs(context.Background(), []int64{})
	require.NoError(t, err)
	require.Empty(t, artists)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArtistsByIDs(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(q(`SELECT * FROM "artists" WHERE id IN`)).
		WithArgs(1, 2).
		WillReturnRows(sqlmock.NewRows(artistColumns).
			AddRow(1, "Alfons", "Mucha", "", 1860, "M", "1200.50", []byte(`["painting","poster"]`), []byte(`[2,3]`), "https://cdn.example.com/a1.jpg", "").
			AddRow(2, "Toyen", "", "", nil, "W", nil, []byte(`[]`), []byte(`[]`), nil, ""))

	got, err := repo.ArtistsByIDs(context.Background(), []int64{1, 2})
	require.NoError(t, err)
	require.Len(t, got, 2)

	mucha := got[1]
	require.Equal(t, "Alfons Mucha", mucha.Name)
	require.Equal(t, "1200.50", *mucha.AuctionsTurnover2023H1USD)
	require.Equal(t, []string{"painting", "poster"}, mucha.MediaTypes)
	require.Equal(t, []int64{2, 3}, mucha.SimilarAuthorsPostgresIDs)
	require.Nil(t, mucha.Artworks)

	toyen := got[2]
	require.Equal(t, "Toyen", toyen.Name)
	require.Empty(t, toyen.MediaTypes)
	require.NotNil(t, toyen.MediaTypes)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArtworksByIDsError(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(q(`FROM "artworks"`)).WillReturnError(errors.New("connection reset"))

	_, err := repo.ArtworksByIDs(context.Background(), []int64{1})
	require.ErrorContains(t, err, "load artworks")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListArtistsPreloadsArtworks(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(q(`SELECT * FROM "artists" ORDER BY firstname,surname`)).
		WillReturnRows(sqlmock.NewRows(artistColumns).
			AddRow(1, "Alfons", "Mucha", "", nil, "M", nil, []byte(`[]`), []byte(`[]`), nil, "").
			AddRow(2, "Toyen", "", "", nil, "W", nil, []byte(`[]`), []byte(`[]`), nil, ""))
	mock.ExpectQuery(q(`SELECT * FROM "artworks" WHERE "artworks"."artist_id" IN`)).
		WillReturnRows(sqlmock.NewRows(artworkColumns).
			AddRow(10, 1, "Slavia", "https://cdn.example.com/10.jpg", 1896, nil, nil, ""))

	got, err := repo.ListArtists(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Len(t, got[0].Artworks, 1)
	require.Equal(t, "Slavia", got[0].Artworks[0].Title)
	require.NotNil(t, got[1].Artworks)
	require.Empty(t, got[1].Artworks)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetArtworkNotFound(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(q(`SELECT * FROM "artworks" WHERE id = $1`)).
		WillReturnRows(sqlmock.NewRows(artworkColumns))

	_, err := repo.GetArtwork(context.Background(), 404)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetArtist(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(q(`SELECT * FROM "artists" WHERE id = $1`)).
		WillReturnRows(sqlmock.NewRows(artistColumns).
			AddRow(3, "Jan", "Zrzavy", "notes", 1890, "M", nil, []byte(`["painting"]`), []byte(`[]`), nil, ""))
	mock.ExpectQuery(q(`SELECT * FROM "artworks" WHERE "artworks"."artist_id" = $1`)).
		WillReturnRows(sqlmock.NewRows(artworkColumns))

	got, err := repo.GetArtist(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, "Jan Zrzavy", got.Name)
	require.Equal(t, 1890, *got.Born)
	require.NotNil(t, got.Artworks)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdates(t *testing.T) {
	tests := []struct {
		name    string
		run     func(*Repository) error
		pattern string
		args    []driver.Value
	}{
		{
			name: "artwork picture",
			run: func(r *Repository) error {
				return r.SetArtworkPicture(context.Background(), 25, "https://cdn.example.com/25.jpg")
			},
			pattern: `UPDATE "artworks" SET "picture_url"=$1 WHERE id = $2`,
			args:    []driver.Value{"https://cdn.example.com/25.jpg", 25},
		},
		{
			name:    "artwork index id",
			run:     func(r *Repository) error { return r.SetArtworkIndexID(context.Background(), 25, "idx") },
			pattern: `UPDATE "artworks" SET "picture_image_weaviate_id"=$1 WHERE id = $2`,
			args:    []driver.Value{"idx", 25},
		},
		{
			name: "artist profile image",
			run: func(r *Repository) error {
				return r.SetArtistProfileImage(context.Background(), 1, "https://cdn.example.com/a1.jpg")
			},
			pattern: `UPDATE "artists" SET "profile_image_url"=$1 WHERE id = $2`,
			args:    []driver.Value{"https://cdn.example.com/a1.jpg", 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newMockRepository(t)
			mock.ExpectBegin()
			mock.ExpectExec(q(tt.pattern)).WithArgs(tt.args...).WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			require.NoError(t, tt.run(repo))
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestUpdateMissingRow(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectBegin()
	mock.ExpectExec(q(`UPDATE "artworks"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := repo.SetArtworkPicture(context.Background(), 999, "https://cdn.example.com/x.jpg")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRepositoryRequiresORM(t *testing.T) {
	_, err := NewRepository(nil)
	require.Error(t, err)
}
