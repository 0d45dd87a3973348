// Package invoice holds the structured invoice model extracted from
// classified mail and the validation rules applied to it.
package invoice

import (
	"time"
)

// Field is one extracted value with the extractor's confidence in it.
type Field struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Invoice is the structured record produced for a mail classified as an
// invoice. Field confidences come from the extraction stage unchanged.
type Invoice struct {
	ID            string    `json:"id"`
	ProfileID     string    `json:"profileId"`
	MailID        string    `json:"mailId"`
	InvoiceNumber Field     `json:"invoice_number"`
	VendorName    Field     `json:"vendor_name"`
	InvoiceDate   Field     `json:"invoice_date"`
	TotalAmount   Field     `json:"total_amount"`
	Currency      Field     `json:"currency"`
	PurchaseOrder Field     `json:"purchase_order"`
	DueDate       Field     `json:"due_date"`
	GSTNumber     Field     `json:"gst_number"`
	TaxAmount     Field     `json:"tax_amount"`
	NeedsReview   bool      `json:"needsReview"`
	GSTValid      bool      `json:"gstValid"`
	CreatedAt     time.Time `json:"createdAt"`
}

// reviewThreshold is the minimum mean confidence across the primary
// fields before a record can skip manual review.
const reviewThreshold = 0.75

// FlagReview recomputes NeedsReview and GSTValid from the current fields.
func (inv *Invoice) FlagReview() {
	mean := (inv.InvoiceNumber.Confidence + inv.VendorName.Confidence + inv.TotalAmount.Confidence) / 3
	inv.NeedsReview = mean < reviewThreshold
	inv.GSTValid = inv.GSTNumber.Value == "" || VerifyGSTIN(inv.GSTNumber.Value)
}
