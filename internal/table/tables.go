package table

import "yelpetl/internal/domain"

// Facilities is the facility table schema.
var Facilities = Schema[domain.Facility]{Columns: []Column[domain.Facility]{
	stringCol("facility_id", func(r *domain.Facility) *string { return &r.ID }),
	stringCol("name", func(r *domain.Facility) *string { return &r.Name }),
	boolCol("is_closed", func(r *domain.Facility) *bool { return &r.IsClosed }),
	intCol("review_count", func(r *domain.Facility) *int64 { return &r.ReviewCount }),
	floatCol("rating", func(r *domain.Facility) *float64 { return &r.Rating }),
	stringCol("updated_time", func(r *domain.Facility) *string { return &r.UpdatedTime }),
	stringCol("phone", func(r *domain.Facility) *string { return &r.Phone }),
	stringCol("business_url", func(r *domain.Facility) *string { return &r.BusinessURL }),
	stringCol("url", func(r *domain.Facility) *string { return &r.URL }),
	stringCol("address", func(r *domain.Facility) *string { return &r.Address }),
	stringCol("city", func(r *domain.Facility) *string { return &r.City }),
	stringCol("region", func(r *domain.Facility) *string { return &r.Region }),
	stringCol("country", func(r *domain.Facility) *string { return &r.Country }),
	stringCol("postal_code", func(r *domain.Facility) *string { return &r.PostalCode }),
	floatCol("latitude", func(r *domain.Facility) *float64 { return &r.Latitude }),
	floatCol("longitude", func(r *domain.Facility) *float64 { return &r.Longitude }),
}}

// Categories is the category table schema.
var Categories = Schema[domain.Category]{Columns: []Column[domain.Category]{
	stringCol("facility_id", func(r *domain.Category) *string { return &r.FacilityID }),
	stringCol("alias", func(r *domain.Category) *string { return &r.Alias }),
	stringCol("title", func(r *domain.Category) *string { return &r.Title }),
}}

// Reviews is the review table schema.
var Reviews = Schema[domain.Review]{Columns: []Column[domain.Review]{
	stringCol("facility_id", func(r *domain.Review) *string { return &r.FacilityID }),
	stringCol("review_id", func(r *domain.Review) *string { return &r.ReviewID }),
	floatCol("rating", func(r *domain.Review) *float64 { return &r.Rating }),
	stringCol("text", func(r *domain.Review) *string { return &r.Text }),
	stringCol("author", func(r *domain.Review) *string { return &r.Author }),
	stringCol("created_time", func(r *domain.Review) *string { return &r.CreatedTime }),
	stringCol("url", func(r *domain.Review) *string { return &r.URL }),
	boolCol("is_selected", func(r *domain.Review) *bool { return &r.IsSelected }),
}}

// Summary is the daily summary row schema. The aliases are the short column
// names found in older ledger files.
var Summary = Schema[domain.DailySummary]{Columns: []Column[domain.DailySummary]{
	stringCol("date", func(r *domain.DailySummary) *string { return &r.Date }),
	intCol("category_count", func(r *domain.DailySummary) *int64 { return &r.CategoryCount }, "cat_count"),
	intCol("facility_count", func(r *domain.DailySummary) *int64 { return &r.FacilityCount }, "fac_count"),
	floatCol("facility_rating_mean", func(r *domain.DailySummary) *float64 { return &r.FacilityRatingMean }, "fac_rating_mean"),
	floatCol("facility_rating_median", func(r *domain.DailySummary) *float64 { return &r.FacilityRatingMedian }, "fac_rating_med"),
	floatCol("facility_review_count_mean", func(r *domain.DailySummary) *float64 { return &r.FacilityReviewCountMean }, "fac_rev_count_mean"),
	floatCol("facility_review_count_median", func(r *domain.DailySummary) *float64 { return &r.FacilityReviewCountMedian }, "fac_rev_count_med"),
	intCol("review_count", func(r *domain.DailySummary) *int64 { return &r.ReviewCount }, "rev_count"),
	floatCol("review_rating_mean", func(r *domain.DailySummary) *float64 { return &r.ReviewRatingMean }, "rev_rating_mean"),
	floatCol("review_rating_median", func(r *domain.DailySummary) *float64 { return &r.ReviewRatingMedian }, "rev_rating_med"),
}}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// FacilityRecord is the Parquet schema for the facility table.
type FacilityRecord struct {
	FacilityID  string  `parquet:"facility_id"`
	Name        string  `parquet:"name"`
	IsClosed    bool    `parquet:"is_closed"`
	ReviewCount int64   `parquet:"review_count"`
	Rating      float64 `parquet:"rating"`
	UpdatedTime string  `parquet:"updated_time"`
	Phone       string  `parquet:"phone"`
	BusinessURL string  `parquet:"business_url"`
	URL         string  `parquet:"url"`
	Address     string  `parquet:"address"`
	City        string  `parquet:"city"`
	Region      string  `parquet:"region"`
	Country     string  `parquet:"country"`
	PostalCode  string  `parquet:"postal_code"`
	Latitude    float64 `parquet:"latitude"`
	Longitude   float64 `parquet:"longitude"`
}

// CategoryRecord is the Parquet schema for the category table.
type CategoryRecord struct {
	FacilityID string `parquet:"facility_id"`
	Alias      string `parquet:"alias"`
	Title      string `parquet:"title"`
}

// ReviewRecord is the Parquet schema for the review table.
type ReviewRecord struct {
	FacilityID  string  `parquet:"facility_id"`
	ReviewID    string  `parquet:"review_id"`
	Rating      float64 `parquet:"rating"`
	Text        string  `parquet:"text"`
	Author      string  `parquet:"author"`
	CreatedTime string  `parquet:"created_time"`
	URL         string  `parquet:"url"`
	IsSelected  bool    `parquet:"is_selected"`
}

func facilityRecords(in []domain.Facility) []FacilityRecord {
	out := make([]FacilityRecord, len(in))
	for i, f := range in {
		out[i] = FacilityRecord{
			FacilityID:  f.ID,
			Name:        f.Name,
			IsClosed:    f.IsClosed,
			ReviewCount: f.ReviewCount,
			Rating:      f.Rating,
			UpdatedTime: f.UpdatedTime,
			Phone:       f.Phone,
			BusinessURL: f.BusinessURL,
			URL:         f.URL,
			Address:     f.Address,
			City:        f.City,
			Region:      f.Region,
			Country:     f.Country,
			PostalCode:  f.PostalCode,
			Latitude:    f.Latitude,
			Longitude:   f.Longitude,
		}
	}
	return out
}

func categoryRecords(in []domain.Category) []CategoryRecord {
	out := make([]CategoryRecord, len(in))
	for i, c := range in {
		out[i] = CategoryRecord{FacilityID: c.FacilityID, Alias: c.Alias, Title: c.Title}
	}
	return out
}

func reviewRecords(in []domain.Review) []ReviewRecord {
	out := make([]ReviewRecord, len(in))
	for i, r := range in {
		out[i] = ReviewRecord{
			FacilityID:  r.FacilityID,
			ReviewID:    r.ReviewID,
			Rating:      r.Rating,
			Text:        r.Text,
			Author:      r.Author,
			CreatedTime: r.CreatedTime,
			URL:         r.URL,
			IsSelected:  r.IsSelected,
		}
	}
	return out
}
