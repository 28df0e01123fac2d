// Package exif extracts capture metadata from raw image bytes. Extraction is best effort:
// any parse failure degrades to an empty result instead of an error.
package exif

import (
	"bytes"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	goexif "github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"

	"gallery/internal/models"
)

const isoLayout = "2006-01-02T15:04:05"

var exifDate = regexp.MustCompile(`^(\d{4}):(\d{2}):(\d{2}) (\d{2}):(\d{2}):(\d{2})`)

// Capture time tags in priority order.
var dateFields = []goexif.FieldName{
	goexif.DateTimeOriginal,
	goexif.DateTimeDigitized,
	goexif.DateTime,
}

// Extract never fails. Missing or malformed fields are left nil.
func Extract(data []byte) (meta models.ExifMetadata) {
	defer func() {
		// goexif can panic on truncated IFDs.
		if r := recover(); r != nil {
			meta = models.ExifMetadata{}
		}
	}()

	block := exifBlock(data)
	if len(block) == 0 {
		return models.ExifMetadata{}
	}
	// Non-critical errors (a broken GPS or interop IFD) still return the parsed main IFDs.
	x, _ := goexif.Decode(bytes.NewReader(block))
	if x == nil {
		return models.ExifMetadata{}
	}

	meta.DateTaken = dateTaken(x)
	meta.CameraMake = stringField(x, goexif.Make)
	meta.CameraModel = stringField(x, goexif.Model)
	meta.LensModel = stringField(x, goexif.LensModel)
	meta.FocalLength = positive(numberField(x, goexif.FocalLength))
	meta.Aperture = positive(numberField(x, goexif.FNumber))
	meta.ShutterSpeed = shutterSpeed(numberField(x, goexif.ExposureTime))

	if iso := positive(numberField(x, goexif.ISOSpeedRatings)); iso != nil {
		v := int(math.Round(*iso))
		meta.ISO = &v
	}
	return meta
}

func dateTaken(x *goexif.Exif) *string {
	for _, name := range dateFields {
		raw := stringField(x, name)
		if raw == nil {
			continue
		}
		// The first present tag wins, even when it turns out to be malformed.
		return NormalizeDate(*raw)
	}
	return nil
}

// NormalizeDate converts "YYYY:MM:DD HH:MM:SS" into "YYYY-MM-DDTHH:MM:SS" without any
// timezone conversion. Text that is not a real calendar date yields nil.
func NormalizeDate(raw string) *string {
	m := exifDate.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return nil
	}
	iso := m[1] + "-" + m[2] + "-" + m[3] + "T" + m[4] + ":" + m[5] + ":" + m[6]
	if _, err := time.Parse(isoLayout, iso); err != nil {
		return nil
	}
	return &iso
}

// FormatShutter renders an exposure time in seconds the way photographers read it.
func FormatShutter(t float64) *string {
	var s string
	switch {
	case math.IsNaN(t) || math.IsInf(t, 0) || t <= 0:
		return nil
	case t >= 1:
		s = strconv.FormatFloat(t, 'f', -1, 64) + "s"
	default:
		s = "1/" + strconv.FormatInt(int64(math.Round(1/t)), 10)
	}
	return &s
}

func shutterSpeed(t *float64) *string {
	if t == nil {
		return nil
	}
	return FormatShutter(*t)
}

func stringField(x *goexif.Exif, name goexif.FieldName) *string {
	tag, err := x.Get(name)
	if err != nil || tag == nil {
		return nil
	}
	var s string
	if tag.Format() == tiff.StringVal {
		s, err = tag.StringVal()
		if err != nil {
			return nil
		}
	} else {
		s = tag.String()
	}
	s = strings.TrimSpace(strings.Trim(s, "\x00"))
	if s == "" {
		return nil
	}
	return &s
}

func numberField(x *goexif.Exif, name goexif.FieldName) *float64 {
	tag, err := x.Get(name)
	if err != nil || tag == nil || tag.Count == 0 {
		return nil
	}

	var v float64
	switch tag.Format() {
	case tiff.RatVal:
		num, den, err := tag.Rat2(0)
		if err != nil || den == 0 {
			return nil
		}
		v = float64(num) / float64(den)
	case tiff.IntVal:
		n, err := tag.Int64(0)
		if err != nil {
			return nil
		}
		v = float64(n)
	case tiff.FloatVal:
		f, err := tag.Float(0)
		if err != nil {
			return nil
		}
		v = f
	case tiff.StringVal:
		s, err := tag.StringVal()
		if err != nil {
			return nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.Trim(s, "\x00")), 64)
		if err != nil {
			return nil
		}
		v = f
	default:
		return nil
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// positive drops zero and negative readings, which cameras write for "unknown".
func positive(v *float64) *float64 {
	if v == nil || *v <= 0 {
		return nil
	}
	return v
}
