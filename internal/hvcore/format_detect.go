package hvcore

import (
	"fmt"
	"sync"
)

// DetectionStats counts how many times each G-stage format has been
// selected by a FormatDetector.
type DetectionStats struct {
	Sv32x4     uint64
	Sv39x4     uint64
	Sv48x4     uint64
	Detections uint64
}

// FormatDetector picks the narrowest G-stage format whose guest-physical
// address width covers a platform's advertised physical address width.
// Narrower formats walk fewer levels per translation, so the detector
// never selects a wider table than the platform can address.
type FormatDetector struct {
	mu    sync.Mutex
	stats DetectionStats
}

// NewFormatDetector constructs a FormatDetector with zeroed counters.
func NewFormatDetector() *FormatDetector {
	return &FormatDetector{}
}

// DetectFormat returns the narrowest x4 G-stage format addressing paBits
// of guest-physical space. Widths beyond Sv48x4's 50-bit GPA space are
// unsupported; Sv57x4 is enumerated in the HGATP mode field but carries no
// format here.
func (d *FormatDetector) DetectFormat(paBits int) (Format, error) {
	if paBits <= 0 {
		return Format{}, errInvalidArgument("format.Detect", fmt.Errorf("pa width %d", paBits))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var f Format
	switch {
	case paBits <= FormatSv32x4.VABits:
		f = FormatSv32x4
		d.stats.Sv32x4++
	case paBits <= FormatSv39x4.VABits:
		f = FormatSv39x4
		d.stats.Sv39x4++
	case paBits <= FormatSv48x4.VABits:
		f = FormatSv48x4
		d.stats.Sv48x4++
	default:
		return Format{}, errUnsupported("format.Detect", fmt.Errorf("no g-stage format covers %d-bit addresses", paBits))
	}
	d.stats.Detections++
	return f, nil
}

// Stats returns a snapshot of the selection counters.
func (d *FormatDetector) Stats() DetectionStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
