package extract

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/arborio/mediaindex/pkg/mediaitem"
	"github.com/stretchr/testify/require"
)

func le16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func tiffEntry(tagID, typ uint16, count, value uint32) []byte {
	b := make([]byte, 0, 12)
	b = append(b, le16(tagID)...)
	b = append(b, le16(typ)...)
	b = append(b, le32(count)...)
	b = append(b, le32(value)...)
	return b
}

// buildTIFF assembles a little-endian TIFF/IFD0 containing a DateTimeOriginal
// ASCII tag and a GPSInfo pointer to a one-entry GPS IFD with a latitude
// rational, computing every offset from actual slice lengths rather than
// hardcoded constants.
func buildTIFF() []byte {
	buf := append([]byte{}, "II\x2a\x00"...)
	buf = append(buf, le32(8)...) // IFD0 offset

	buf = append(buf, le16(2)...) // IFD0 entry count

	valueAreaStart := len(buf) + 12*2 + 4
	dateBytes := []byte("2024\x00")
	gpsIFDStart := valueAreaStart + len(dateBytes)

	buf = append(buf, tiffEntry(tagDateTimeOriginal, typeASCII, uint32(len(dateBytes)), uint32(valueAreaStart))...)
	buf = append(buf, tiffEntry(tagGPSIFDPointer, 4, 1, uint32(gpsIFDStart))...)
	buf = append(buf, le32(0)...) // next IFD offset

	buf = append(buf, dateBytes...)

	buf = append(buf, le16(1)...) // GPS IFD entry count
	gpsValueAreaStart := len(buf) + 12 + 4
	buf = append(buf, tiffEntry(tagGPSLatitude, typeRational, 1, uint32(gpsValueAreaStart))...)
	buf = append(buf, le32(0)...) // next GPS IFD offset

	buf = append(buf, le32(40)...) // rational numerator
	buf = append(buf, le32(1)...)  // rational denominator

	return buf
}

func buildJPEGWithExif(tiff []byte) []byte {
	segment := append([]byte("Exif\x00\x00"), tiff...)

	buf := []byte{0xFF, 0xD8} // SOI
	buf = append(buf, 0xFF, 0xE1)
	length := make([]byte, 2)
	binary.BigEndian.PutUint16(length, uint16(len(segment)+2))
	buf = append(buf, length...)
	buf = append(buf, segment...)
	buf = append(buf, 0xFF, 0xD9) // EOI
	return buf
}

func TestReadEXIFExtractsDateAndGPSLatitude(t *testing.T) {
	t.Parallel()
	jpeg := buildJPEGWithExif(buildTIFF())

	var item mediaitem.Item
	readEXIF(bytes.NewReader(jpeg), &item)

	date, ok := item.Attr(mediaitem.DateOfCreation)
	require.True(t, ok)
	require.Equal(t, "2024", date.Str)

	lat, ok := item.Attr(mediaitem.GeoLatitude)
	require.True(t, ok)
	require.InDelta(t, 40.0, lat.F64, 0.0001)
}

func TestReadEXIFNoSegmentIsNoop(t *testing.T) {
	t.Parallel()
	var item mediaitem.Item
	readEXIF(bytes.NewReader([]byte{0xFF, 0xD8, 0xFF, 0xD9}), &item)
	require.Empty(t, item.Attrs)
}

func TestFindExifSegmentReturnsNilWithoutAPP1(t *testing.T) {
	t.Parallel()
	require.Nil(t, findExifSegment([]byte{0xFF, 0xD8, 0xFF, 0xD9}))
}
