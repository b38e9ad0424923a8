package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// ImportRowDTO is the wire shape of one statement row. Date is YYYY-MM-DD;
// amount accepts JSON numbers and strings.
type ImportRowDTO struct {
	Date       string          `json:"date" validate:"required"`
	Amount     decimal.Decimal `json:"amount" validate:"required"`
	PlotRef    string          `json:"plotRef"`
	PayerName  string          `json:"payerName"`
	Phone      string          `json:"phone"`
	Comment    string          `json:"comment"`
	ExternalID string          `json:"externalId"`
}

// ToRow converts the DTO into the canonical ingestion type.
func (d ImportRowDTO) ToRow() (ImportRow, error) {
	date, err := time.Parse(dateLayout, d.Date)
	if err != nil {
		return ImportRow{}, fmt.Errorf("%w: bad date %q", ErrValidation, d.Date)
	}
	return ImportRow{
		Date:       date,
		Amount:     d.Amount,
		PlotRef:    d.PlotRef,
		PayerName:  d.PayerName,
		Phone:      d.Phone,
		Comment:    d.Comment,
		ExternalID: d.ExternalID,
	}, nil
}

// ImportRequestDTO carries a batch of rows plus an optional closed-period
// override reason.
type ImportRequestDTO struct {
	Rows           []ImportRowDTO `json:"rows" validate:"required,min=1,dive"`
	OverrideReason string         `json:"overrideReason"`
}

// ManualPaymentDTO is an operator-entered payment.
type ManualPaymentDTO struct {
	PlotID         int64           `json:"plotId" validate:"required"`
	Amount         decimal.Decimal `json:"amount" validate:"required"`
	PaidAt         string          `json:"paidAt" validate:"required"`
	Category       string          `json:"category" validate:"omitempty,oneof=MEMBERSHIP TARGET ELECTRICITY"`
	Comment        string          `json:"comment"`
	ExternalID     string          `json:"externalId"`
	OverrideReason string          `json:"overrideReason"`
}

// VoidDTO carries the mandatory reason for voiding a payment.
type VoidDTO struct {
	Reason string `json:"reason" validate:"required"`
}

// ApplyPenaltyDTO parameterises a penalty apply run.
type ApplyPenaltyDTO struct {
	AsOf           string          `json:"asOf" validate:"required"`
	AnnualRate     decimal.Decimal `json:"annualRate" validate:"required"`
	DateFrom       string          `json:"dateFrom"`
	DateTo         string          `json:"dateTo"`
	MinPenalty     decimal.Decimal `json:"minPenalty"`
	OverrideReason string          `json:"overrideReason"`
}

// RecalcPenaltiesDTO parameterises a recalculation run.
type RecalcPenaltiesDTO struct {
	AsOf           string          `json:"asOf" validate:"required"`
	AnnualRate     decimal.Decimal `json:"annualRate" validate:"required"`
	PlotIDs        []int64         `json:"plotIds"`
	Limit          int             `json:"limit" validate:"omitempty,gte=0"`
	IncludeVoided  bool            `json:"includeVoided"`
	OverrideReason string          `json:"overrideReason"`
}

func parseDate(value string) (time.Time, error) {
	d, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad date %q", ErrValidation, value)
	}
	return d, nil
}

func parseOptionalDate(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	d, err := parseDate(value)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
