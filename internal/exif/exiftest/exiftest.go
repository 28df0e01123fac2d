// Package exiftest builds image fixtures carrying a hand-assembled EXIF block.
package exiftest

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sort"

	"github.com/HugoSmits86/nativewebp"
	"github.com/disintegration/imaging"
)

// Rat is an unsigned EXIF rational. A zero value is omitted from the fixture.
type Rat struct {
	Num, Den uint32
}

type Tags struct {
	Make              string
	Model             string
	LensModel         string
	DateTime          string
	DateTimeOriginal  string
	DateTimeDigitized string
	FocalLength       Rat
	FNumber           Rat
	ExposureTime      Rat
	ISO               uint16
}

const (
	tagMake              = 0x010F
	tagModel             = 0x0110
	tagDateTime          = 0x0132
	tagExifIFD           = 0x8769
	tagExposureTime      = 0x829A
	tagFNumber           = 0x829D
	tagISO               = 0x8827
	tagDateTimeOriginal  = 0x9003
	tagDateTimeDigitized = 0x9004
	tagFocalLength       = 0x920A
	tagLensModel         = 0xA434

	typeASCII    = 2
	typeShort    = 3
	typeLong     = 4
	typeRational = 5
)

var le = binary.LittleEndian

type entry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

func ascii(tag uint16, s string) entry {
	b := append([]byte(s), 0)
	return entry{tag: tag, typ: typeASCII, count: uint32(len(b)), data: b}
}

func short(tag, v uint16) entry {
	b := make([]byte, 2)
	le.PutUint16(b, v)
	return entry{tag: tag, typ: typeShort, count: 1, data: b}
}

func long(tag uint16, v uint32) entry {
	b := make([]byte, 4)
	le.PutUint32(b, v)
	return entry{tag: tag, typ: typeLong, count: 1, data: b}
}

func rational(tag uint16, r Rat) entry {
	b := make([]byte, 8)
	le.PutUint32(b, r.Num)
	le.PutUint32(b[4:], r.Den)
	return entry{tag: tag, typ: typeRational, count: 1, data: b}
}

func ifdSize(es []entry) int {
	n := 2 + 12*len(es) + 4
	for _, e := range es {
		if len(e.data) > 4 {
			n += len(e.data) + len(e.data)%2
		}
	}
	return n
}

// writeIFD appends an IFD that starts at offset (relative to the TIFF header) followed by
// its out-of-line values.
func writeIFD(buf *bytes.Buffer, es []entry, offset uint32) {
	sort.Slice(es, func(i, j int) bool { return es[i].tag < es[j].tag })

	dataOff := offset + uint32(2+12*len(es)+4)
	var data bytes.Buffer

	_ = binary.Write(buf, le, uint16(len(es)))
	for _, e := range es {
		_ = binary.Write(buf, le, e.tag)
		_ = binary.Write(buf, le, e.typ)
		_ = binary.Write(buf, le, e.count)
		if len(e.data) <= 4 {
			inline := make([]byte, 4)
			copy(inline, e.data)
			buf.Write(inline)
			continue
		}
		_ = binary.Write(buf, le, dataOff+uint32(data.Len()))
		data.Write(e.data)
		if len(e.data)%2 == 1 {
			data.WriteByte(0)
		}
	}
	_ = binary.Write(buf, le, uint32(0))
	buf.Write(data.Bytes())
}

// TIFF returns the bare little-endian TIFF block holding t.
func TIFF(t Tags) []byte {
	var ifd0, sub []entry
	if t.Make != "" {
		ifd0 = append(ifd0, ascii(tagMake, t.Make))
	}
	if t.Model != "" {
		ifd0 = append(ifd0, ascii(tagModel, t.Model))
	}
	if t.DateTime != "" {
		ifd0 = append(ifd0, ascii(tagDateTime, t.DateTime))
	}
	if t.DateTimeOriginal != "" {
		sub = append(sub, ascii(tagDateTimeOriginal, t.DateTimeOriginal))
	}
	if t.DateTimeDigitized != "" {
		sub = append(sub, ascii(tagDateTimeDigitized, t.DateTimeDigitized))
	}
	if t.LensModel != "" {
		sub = append(sub, ascii(tagLensModel, t.LensModel))
	}
	if t.FocalLength != (Rat{}) {
		sub = append(sub, rational(tagFocalLength, t.FocalLength))
	}
	if t.FNumber != (Rat{}) {
		sub = append(sub, rational(tagFNumber, t.FNumber))
	}
	if t.ExposureTime != (Rat{}) {
		sub = append(sub, rational(tagExposureTime, t.ExposureTime))
	}
	if t.ISO != 0 {
		sub = append(sub, short(tagISO, t.ISO))
	}

	var subOffset uint32
	if len(sub) > 0 {
		ifd0 = append(ifd0, long(tagExifIFD, 0))
		subOffset = uint32(8 + ifdSize(ifd0))
		ifd0[len(ifd0)-1] = long(tagExifIFD, subOffset)
	}

	var tiff bytes.Buffer
	tiff.WriteString("II*\x00")
	_ = binary.Write(&tiff, le, uint32(8))
	writeIFD(&tiff, ifd0, 8)
	if len(sub) > 0 {
		writeIFD(&tiff, sub, subOffset)
	}

	return tiff.Bytes()
}

// APP1 returns a complete JPEG APP1 segment (marker included) holding t.
func APP1(t Tags) []byte {
	payload := append([]byte("Exif\x00\x00"), TIFF(t)...)
	seg := []byte{0xFF, 0xE1, 0, 0}
	binary.BigEndian.PutUint16(seg[2:], uint16(len(payload)+2))
	return append(seg, payload...)
}

func flat(w, h int) *image.NRGBA {
	return imaging.New(w, h, color.NRGBA{R: 200, G: 120, B: 40, A: 255})
}

// JPEG encodes a flat w×h image and splices the EXIF segment in right after SOI.
func JPEG(w, h int, t Tags) []byte {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, flat(w, h), &jpeg.Options{Quality: 80}); err != nil {
		panic(err)
	}
	raw := buf.Bytes()

	out := make([]byte, 0, len(raw)+512)
	out = append(out, raw[:2]...)
	out = append(out, APP1(t)...)
	out = append(out, raw[2:]...)
	return out
}

// PNG encodes a flat w×h image with an eXIf chunk placed right after IHDR.
func PNG(w, h int, t Tags) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, flat(w, h)); err != nil {
		panic(err)
	}
	raw := buf.Bytes()
	// signature (8) + IHDR chunk (4+4+13+4)
	const afterIHDR = 8 + 25

	tiff := TIFF(t)
	chunk := make([]byte, 8, 12+len(tiff))
	binary.BigEndian.PutUint32(chunk, uint32(len(tiff)))
	copy(chunk[4:], "eXIf")
	chunk = append(chunk, tiff...)
	chunk = binary.BigEndian.AppendUint32(chunk, crc32.ChecksumIEEE(chunk[4:]))

	out := make([]byte, 0, len(raw)+len(chunk))
	out = append(out, raw[:afterIHDR]...)
	out = append(out, chunk...)
	out = append(out, raw[afterIHDR:]...)
	return out
}

// WebP encodes a flat w×h lossless image and rewraps it as an extended (VP8X) file with a
// trailing EXIF chunk.
func WebP(w, h int, t Tags) []byte {
	var buf bytes.Buffer
	if err := nativewebp.Encode(&buf, flat(w, h), nil); err != nil {
		panic(err)
	}
	bitstream := buf.Bytes()[12:]

	vp8x := make([]byte, 18)
	copy(vp8x, "VP8X")
	le.PutUint32(vp8x[4:], 10)
	vp8x[8] = 0x08 // EXIF present
	putUint24(vp8x[12:], uint32(w-1))
	putUint24(vp8x[15:], uint32(h-1))

	tiff := TIFF(t)
	exif := make([]byte, 8, 9+len(tiff))
	copy(exif, "EXIF")
	le.PutUint32(exif[4:], uint32(len(tiff)))
	exif = append(exif, tiff...)
	if len(tiff)%2 == 1 {
		exif = append(exif, 0)
	}

	body := append([]byte("WEBP"), vp8x...)
	body = append(body, bitstream...)
	body = append(body, exif...)

	out := make([]byte, 8, 8+len(body))
	copy(out, "RIFF")
	le.PutUint32(out[4:], uint32(len(body)))
	return append(out, body...)
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}
