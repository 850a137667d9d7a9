// Package transform flattens upstream record cards into parcel records.
package transform

import (
	"time"

	"go.uber.org/zap"

	"github.com/openparcels/parcel-ingest/internal/parcel"
)

// Section paths inside parcel.sections. Each section is a list whose first
// element is the latest entry.
var (
	ownerPath      = []string{"sections", "0", "0", "0"}
	buildingPath   = []string{"sections", "0", "1", "0"}
	salesPath      = []string{"sections", "1", "0"}
	assessmentPath = []string{"sections", "1", "1"}
)

// Transformer implements parcel.Transformer.
type Transformer struct {
	logger *zap.Logger
}

// New builds a Transformer. Malformed optional fields are logged at warn.
func New(logger *zap.Logger) *Transformer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transformer{logger: logger}
}

// Transform maps one record card. Only a missing header or parcel id is an
// error; every other absent field becomes nil.
func (t *Transformer) Transform(raw parcel.RawRecord) (parcel.Record, error) {
	root, err := Decode(raw.Body)
	if err != nil {
		return parcel.Record{}, &parcel.TransformError{ID: raw.ID, Reason: "invalid json", Err: err}
	}
	card := root.Get("parcel")
	header := card.Get("header")
	if !header.IsObject() {
		return parcel.Record{}, &parcel.TransformError{ID: raw.ID, Reason: "missing header block"}
	}
	id := header.Get("Parcel_id").TrimmedText()
	if id == nil {
		return parcel.Record{}, &parcel.TransformError{ID: raw.ID, Reason: "missing Parcel_id"}
	}

	rec := parcel.Record{
		ID:              *id,
		Active:          true,
		PropertyAddress: header.Get("PropertyStreet").TrimmedText(),
		MailingAddress:  header.Get("MailingAddress").TrimmedText(),
		GPIN:            header.Get("GPIN").TrimmedText(),
		TotalValue:      ParseCurrency(header.Get("total_value").Value()),
		Latitude:        ParseNumber(root.Get("cty").Value()),
		Longitude:       ParseNumber(root.Get("ctx").Value()),
	}
	if active, ok := root.Get("active").Bool(); ok {
		rec.Active = active
	}
	if rec.MailingAddress != nil {
		parts := SplitMailingAddress(*rec.MailingAddress)
		rec.MailingStreet = parts.Street
		rec.MailingCity = parts.City
		rec.MailingState = parts.State
		rec.MailingZip = parts.Zip
	}

	owner := card.Get(ownerPath...)
	rec.OwnerName = owner.Get("OwnerName").TrimmedText()
	rec.PropertyUse = owner.Get("PropertyUse").TrimmedText()

	building := card.Get(buildingPath...)
	rec.BuildingType = building.Get("BuildingType").TrimmedText()
	rec.YearBuilt = ParseInt(building.Get("YearBuilt").Value())
	rec.Stories = ParseNumber(building.Get("NumberofStories").Value())
	rec.Bedrooms = ParseInt(building.Get("Bedrooms").Value())
	rec.FullBaths = ParseInt(building.Get("FullBaths").Value())
	rec.HalfBaths = ParseInt(building.Get("HalfBaths").Value())
	rec.FinishedLivingArea = ParseArea(building.Get("FinishedLivingArea").Value())
	rec.Fireplace = ParseYesNo(building.Get("Fireplaces").Value())

	sale := card.Get(salesPath...).Get("0")
	rec.LatestSaleOwner = sale.Get("owners").TrimmedText()
	rec.LatestSalePrice = ParseCurrency(sale.Get("saleprice").Value())
	rec.LatestSaleDate = t.date(rec.ID, "saledate", sale.Get("saledate"))

	assessment := card.Get(assessmentPath...).Get("0")
	rec.LatestTotalValue = ParseCurrency(assessment.Get("total_value").Value())
	rec.LatestAssessmentYear = ParseYear(assessment.Get("eff_year").Value())

	return rec, nil
}

func (t *Transformer) date(id, field string, n Node) *time.Time {
	raw := n.TrimmedText()
	if raw == nil {
		return nil
	}
	parsed := ParseDate(*raw)
	if parsed == nil {
		t.logger.Warn("unparsable date",
			zap.String("parcel_id", id),
			zap.String("field", field),
			zap.String("value", *raw),
		)
	}
	return parsed
}
