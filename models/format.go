package models

import "fmt"

// Format is the container/codec a client asks for
type Format string

const (
	FormatMP4  Format = "mp4"
	FormatMP3  Format = "mp3"
	FormatWebM Format = "webm"
	FormatAVI  Format = "avi"
)

// Formats lists every supported format in display order
var Formats = []Format{FormatMP4, FormatMP3, FormatWebM, FormatAVI}

// ParseFormat maps a request value onto a Format
func ParseFormat(s string) (Format, error) {
	for _, f := range Formats {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("unsupported format %q", s)
}

// IsAudio reports whether the format carries no video stream
func (f Format) IsAudio() bool {
	return f == FormatMP3
}

// Extension returns the file extension including the leading dot
func (f Format) Extension() string {
	return "." + string(f)
}

// ContentType is the MIME type used when streaming the artifact
func (f Format) ContentType() string {
	switch f {
	case FormatMP4:
		return "video/mp4"
	case FormatMP3:
		return "audio/mpeg"
	case FormatWebM:
		return "video/webm"
	case FormatAVI:
		return "video/x-msvideo"
	default:
		return "application/octet-stream"
	}
}

// Quality is a resolution tier
type Quality string

const (
	Quality144p  Quality = "144p"
	Quality240p  Quality = "240p"
	Quality360p  Quality = "360p"
	Quality480p  Quality = "480p"
	Quality720p  Quality = "720p"
	Quality1080p Quality = "1080p"
	Quality1440p Quality = "1440p"
	Quality2160p Quality = "2160p"
)

var qualityHeights = map[Quality]int{
	Quality144p:  144,
	Quality240p:  240,
	Quality360p:  360,
	Quality480p:  480,
	Quality720p:  720,
	Quality1080p: 1080,
	Quality1440p: 1440,
	Quality2160p: 2160,
}

// ParseQuality maps a request value onto a Quality
func ParseQuality(s string) (Quality, error) {
	q := Quality(s)
	if _, ok := qualityHeights[q]; !ok {
		return "", fmt.Errorf("unsupported quality %q", s)
	}
	return q, nil
}

// Height returns the vertical resolution in pixels
func (q Quality) Height() int {
	return qualityHeights[q]
}
