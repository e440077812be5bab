package repository

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/newswallproject/newswall/internal/locationcache"
)

// PostgresMappingRepository reads location mappings from Postgres. Rows are
// returned ordered by ascending match priority so that the cache can keep the
// first occurrence per normalized variant.
type PostgresMappingRepository struct {
	db *pgxpool.Pool
}

func NewPostgresMappingRepository(db *pgxpool.Pool) *PostgresMappingRepository {
	return &PostgresMappingRepository{db: db}
}

func (r *PostgresMappingRepository) GetAllMappings(ctx context.Context) ([]*locationcache.MappingRow, error) {
	rows, err := r.db.Query(ctx,
		`SELECT variant,
		        country_code,
		        region_country_code,
		        region_code,
		        municipality_country_code,
		        municipality_region_code,
		        municipality_code,
		        match_priority,
		        match_type
		 FROM location_mappings
		 ORDER BY match_priority ASC`)
	if err != nil {
		return nil, errors.WithMessage(err, "querying location mappings")
	}
	defer rows.Close()

	mappings := make([]*locationcache.MappingRow, 0)
	for rows.Next() {
		var (
			variant                 string
			countryCode             sql.NullString
			regionCountryCode       sql.NullString
			regionCode              sql.NullString
			municipalityCountryCode sql.NullString
			municipalityRegionCode  sql.NullString
			municipalityCode        sql.NullString
			matchPriority           int
			matchType               string
		)
		if err := rows.Scan(
			&variant,
			&countryCode,
			&regionCountryCode,
			&regionCode,
			&municipalityCountryCode,
			&municipalityRegionCode,
			&municipalityCode,
			&matchPriority,
			&matchType,
		); err != nil {
			return nil, errors.WithMessage(err, "scanning location mapping row")
		}
		mappings = append(mappings, &locationcache.MappingRow{
			Variant: variant,
			Entry: locationcache.Entry{
				CountryCode:             countryCode.String,
				RegionCountryCode:       regionCountryCode.String,
				RegionCode:              regionCode.String,
				MunicipalityCountryCode: municipalityCountryCode.String,
				MunicipalityRegionCode:  municipalityRegionCode.String,
				MunicipalityCode:        municipalityCode.String,
				MatchPriority:           matchPriority,
				MatchType:               matchType,
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithMessage(err, "reading location mapping rows")
	}
	return mappings, nil
}
