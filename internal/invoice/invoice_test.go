package invoice

import "testing"

func TestVerifyGSTIN(t *testing.T) {
	tests := []struct {
		name  string
		gstin string
		want  bool
	}{
		{"valid", "27AAPFU0939F1ZV", true},
		{"valid lowercase", "27aapfu0939f1zv", true},
		{"bad checksum", "27AAPFU0939F1ZW", false},
		{"state code out of range", "38AAPFU0939F1ZV", false},
		{"state code zero", "00AAPFU0939F1ZV", false},
		{"missing Z at position 14", "27AAPFU0939F1AV", false},
		{"too short", "27AAPFU0939F1Z", false},
		{"too long", "27AAPFU0939F1ZVX", false},
		{"empty", "", false},
		{"digits in PAN letter block", "27AA1FU0939F1ZV", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyGSTIN(tt.gstin); got != tt.want {
				t.Errorf("VerifyGSTIN(%q) = %v, want %v", tt.gstin, got, tt.want)
			}
		})
	}
}

func TestFlagReview(t *testing.T) {
	tests := []struct {
		name        string
		number      float64
		vendor      float64
		total       float64
		gst         string
		wantReview  bool
		wantGSTOkay bool
	}{
		{"confident", 0.9, 0.85, 0.95, "", false, true},
		{"exactly at threshold", 0.75, 0.75, 0.75, "", false, true},
		{"one weak field drags mean down", 0.9, 0.9, 0.3, "", true, true},
		{"all weak", 0.2, 0.2, 0.2, "", true, true},
		{"valid gst", 0.9, 0.9, 0.9, "27AAPFU0939F1ZV", false, true},
		{"invalid gst", 0.9, 0.9, 0.9, "27AAPFU0939F1ZW", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := Invoice{
				InvoiceNumber: Field{Value: "INV-1", Confidence: tt.number},
				VendorName:    Field{Value: "Acme", Confidence: tt.vendor},
				TotalAmount:   Field{Value: "100.00", Confidence: tt.total},
				GSTNumber:     Field{Value: tt.gst, Confidence: 0.9},
			}
			inv.FlagReview()
			if inv.NeedsReview != tt.wantReview {
				t.Errorf("NeedsReview = %v, want %v", inv.NeedsReview, tt.wantReview)
			}
			if inv.GSTValid != tt.wantGSTOkay {
				t.Errorf("GSTValid = %v, want %v", inv.GSTValid, tt.wantGSTOkay)
			}
		})
	}
}
