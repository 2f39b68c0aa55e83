package hvcore

import (
	"errors"
	"testing"
)

func TestDetectFormatPicksNarrowestCovering(t *testing.T) {
	tests := []struct {
		paBits int
		want   string
	}{
		{32, "Sv32x4"},
		{34, "Sv32x4"},
		{35, "Sv39x4"},
		{40, "Sv39x4"},
		{41, "Sv39x4"},
		{42, "Sv48x4"},
		{50, "Sv48x4"},
	}
	d := NewFormatDetector()
	for _, tt := range tests {
		f, err := d.DetectFormat(tt.paBits)
		if err != nil {
			t.Fatalf("DetectFormat(%d): %v", tt.paBits, err)
		}
		if f.Name != tt.want {
			t.Errorf("DetectFormat(%d) = %s, want %s", tt.paBits, f.Name, tt.want)
		}
	}
	stats := d.Stats()
	if stats.Detections != uint64(len(tests)) {
		t.Errorf("Detections = %d, want %d", stats.Detections, len(tests))
	}
	if stats.Sv32x4 != 2 || stats.Sv39x4 != 3 || stats.Sv48x4 != 2 {
		t.Errorf("per-format counts = %+v", stats)
	}
}

func TestDetectFormatRejectsUnsupportedWidths(t *testing.T) {
	d := NewFormatDetector()

	_, err := d.DetectFormat(57)
	var hvErr *Error
	if !errors.As(err, &hvErr) || hvErr.Kind != KindUnsupported {
		t.Fatalf("DetectFormat(57) err = %v, want KindUnsupported", err)
	}

	_, err = d.DetectFormat(0)
	if !errors.As(err, &hvErr) || hvErr.Kind != KindInvalidArgument {
		t.Fatalf("DetectFormat(0) err = %v, want KindInvalidArgument", err)
	}

	if got := d.Stats().Detections; got != 0 {
		t.Errorf("failed detections counted: %d", got)
	}
}
