package models

import (
	"strings"
)

// PipelineKind selects the stage topology used for a request.
type PipelineKind string

const (
	PipelineSingle         PipelineKind = "single"
	PipelineChained        PipelineKind = "chained"
	PipelineDebate         PipelineKind = "debate"
	PipelineMultiTimeframe PipelineKind = "multi-timeframe"
)

// IsValid reports whether k names a known pipeline.
func (k PipelineKind) IsValid() bool {
	switch k {
	case PipelineSingle, PipelineChained, PipelineDebate, PipelineMultiTimeframe:
		return true
	}
	return false
}

// MaxTimeframes bounds the number of images in multi-timeframe mode.
const MaxTimeframes = 3

// ImageRef is an opaque chart reference: a data URI, an http(s) URL or an
// azblob://container/blob path.
type ImageRef string

// IsDataURI reports whether the reference carries the image inline.
func (r ImageRef) IsDataURI() bool { return strings.HasPrefix(string(r), "data:") }

// IsRemote reports whether the reference must be fetched.
func (r ImageRef) IsRemote() bool {
	s := string(r)
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "azblob://")
}

// Image is a resolved chart image.
type Image struct {
	MIMEType string
	Data     []byte
}

// AnalysisRequest is the immutable input of one analysis run. Images are
// ordered highest timeframe first in multi-timeframe mode.
type AnalysisRequest struct {
	Pipeline     PipelineKind
	Images       []ImageRef
	Timeframes   []Timeframe
	TradingStyle TradingStyle
	Question     string
	Previous     *AnalysisResult
	UserID       string
	Annotate     bool
}

// PrimaryImage returns the first (highest timeframe) image reference.
func (r *AnalysisRequest) PrimaryImage() ImageRef {
	if r == nil || len(r.Images) == 0 {
		return ""
	}
	return r.Images[0]
}

// TimeframeLabel returns the label for image i, falling back to its rank.
func (r *AnalysisRequest) TimeframeLabel(i int) string {
	if i < len(r.Timeframes) && r.Timeframes[i] != "" {
		return string(r.Timeframes[i])
	}
	switch i {
	case 0:
		return "HTF"
	case 1:
		return "MTF"
	default:
		return "LTF"
	}
}
