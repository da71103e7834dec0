package extract

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/arborio/mediaindex/pkg/mediaitem"
	"github.com/rs/zerolog/log"
)

// readEXIF pulls a handful of tags (date of creation, GPS lat/long/alt) out
// of a JPEG's APP1/Exif segment. No EXIF library exists anywhere in the
// retrieved corpus, so this is a deliberately narrow hand-rolled reader
// (justified in DESIGN.md) rather than a general-purpose TIFF/IFD parser.
func readEXIF(r io.Reader, item *mediaitem.Item) {
	data, err := io.ReadAll(io.LimitReader(r, 4<<20))
	if err != nil {
		log.Debug().Err(err).Msg("failed to read file for exif scan")
		return
	}

	seg := findExifSegment(data)
	if seg == nil {
		return
	}

	tiff := seg[6:] // skip "Exif\x00\x00"
	var order binary.ByteOrder
	switch {
	case bytes.HasPrefix(tiff, []byte("II")):
		order = binary.LittleEndian
	case bytes.HasPrefix(tiff, []byte("MM")):
		order = binary.BigEndian
	default:
		return
	}
	if len(tiff) < 8 {
		return
	}
	ifdOffset := order.Uint32(tiff[4:8])
	parseIFD(tiff, ifdOffset, order, item)
}

// findExifSegment scans JPEG markers for the APP1 segment carrying "Exif".
func findExifSegment(data []byte) []byte {
	i := 2 // skip SOI
	for i+4 <= len(data) {
		if data[i] != 0xFF {
			break
		}
		marker := data[i+1]
		if marker == 0xD8 || marker == 0x01 || (marker >= 0xD0 && marker <= 0xD7) {
			i += 2
			continue
		}
		if marker == 0xD9 || marker == 0xDA {
			break
		}
		length := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		if length < 2 || i+2+length > len(data) {
			break
		}
		segment := data[i+4 : i+2+length]
		if marker == 0xE1 && bytes.HasPrefix(segment, []byte("Exif\x00\x00")) {
			return segment
		}
		i += 2 + length
	}
	return nil
}

const (
	tagDateTimeOriginal = 0x9003
	tagGPSIFDPointer = 0x8825
	tagGPSLatitude = 0x0002
	tagGPSLongitude = 0x0004
	tagGPSAltitude = 0x0006

	typeASCII = 2
	typeRational = 5
)

func parseIFD(tiff []byte, offset uint32, order binary.ByteOrder, item *mediaitem.Item) {
	if int(offset)+2 > len(tiff) {
		return
	}
	count := int(order.Uint16(tiff[offset : offset+2]))
	base := offset + 2

	for i := 0; i < count; i++ {
		entryOff := int(base) + i*12
		if entryOff+12 > len(tiff) {
			return
		}
		entry := tiff[entryOff : entryOff+12]
		tagID := order.Uint16(entry[0:2])
		typ := order.Uint16(entry[2:4])

		switch tagID {
		case tagDateTimeOriginal:
			if typ == typeASCII {
				if s := readASCII(tiff, entry, order); s != "" {
					item.SetAttr(mediaitem.DateOfCreation, mediaitem.StringAttr(s))
				}
			}
		case tagGPSIFDPointer:
			gpsOffset := order.Uint32(entry[8:12])
			parseGPSIFD(tiff, gpsOffset, order, item)
		}
	}
}

func parseGPSIFD(tiff []byte, offset uint32, order binary.ByteOrder, item *mediaitem.Item) {
	if int(offset)+2 > len(tiff) {
		return
	}
	count := int(order.Uint16(tiff[offset : offset+2]))
	base := offset + 2

	for i := 0; i < count; i++ {
		entryOff := int(base) + i*12
		if entryOff+12 > len(tiff) {
			return
		}
		entry := tiff[entryOff : entryOff+12]
		tagID := order.Uint16(entry[0:2])
		typ := order.Uint16(entry[2:4])
		if typ != typeRational {
			continue
		}

		switch tagID {
		case tagGPSLatitude:
			if v, ok := readRational(tiff, entry, order); ok {
				item.SetAttr(mediaitem.GeoLatitude, mediaitem.Float64Attr(v))
			}
		case tagGPSLongitude:
			if v, ok := readRational(tiff, entry, order); ok {
				item.SetAttr(mediaitem.GeoLongitude, mediaitem.Float64Attr(v))
			}
		case tagGPSAltitude:
			if v, ok := readRational(tiff, entry, order); ok {
				item.SetAttr(mediaitem.GeoAltitude, mediaitem.Float64Attr(v))
			}
		}
	}
}

func readASCII(tiff []byte, entry []byte, order binary.ByteOrder) string {
	length := int(order.Uint32(entry[4:8]))
	if length <= 4 {
		return string(bytes.TrimRight(entry[8:8+length], "\x00"))
	}
	offset := order.Uint32(entry[8:12])
	if int(offset)+length > len(tiff) {
		return ""
	}
	return string(bytes.TrimRight(tiff[offset:int(offset)+length], "\x00"))
}

// readRational reads the first of a (possibly multi-component) rational
// value; EXIF GPS coordinates store degrees/minutes/seconds as three
// rationals, but only degrees is read here to keep this extractor narrow.
func readRational(tiff []byte, entry []byte, order binary.ByteOrder) (float64, bool) {
	offset := order.Uint32(entry[8:12])
	if int(offset)+8 > len(tiff) {
		return 0, false
	}
	num := order.Uint32(tiff[offset : offset+4])
	den := order.Uint32(tiff[offset+4 : offset+8])
	if den == 0 {
		return 0, false
	}
	return float64(num) / float64(den), true
}
