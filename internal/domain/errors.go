package domain

import "errors"

var (
	ErrScanNotFound        = errors.New("scan not found")
	ErrScanExists          = errors.New("scan id already exists")
	ErrScanTerminal        = errors.New("scan record is terminal")
	ErrInvalidTransition   = errors.New("invalid scan state transition")
	ErrExtractionFailed    = errors.New("permission extraction failed")
	ErrAnalysisUnavailable = errors.New("static analysis unavailable")
	ErrReportUnavailable   = errors.New("report not available")
	ErrQueueFull           = errors.New("scan queue is full")
)
