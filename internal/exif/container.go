package exif

import (
	"bytes"
	"encoding/binary"
)

var (
	pngSignature = []byte("\x89PNG\r\n\x1a\n")
	riffTag      = []byte("RIFF")
	webpTag      = []byte("WEBP")
)

// exifBlock returns the bytes goexif should parse. PNG keeps EXIF in an eXIf chunk and WebP
// in an EXIF chunk, both holding a bare TIFF block; anything else is passed through.
func exifBlock(data []byte) []byte {
	switch {
	case bytes.HasPrefix(data, pngSignature):
		return pngExif(data[len(pngSignature):])
	case len(data) >= 12 && bytes.Equal(data[:4], riffTag) && bytes.Equal(data[8:12], webpTag):
		return webpExif(data[12:])
	}
	return data
}

func pngExif(chunks []byte) []byte {
	for len(chunks) >= 12 {
		size := binary.BigEndian.Uint32(chunks[:4])
		kind := string(chunks[4:8])
		if uint64(size)+12 > uint64(len(chunks)) {
			return nil
		}
		switch kind {
		case "eXIf":
			return chunks[8 : 8+size]
		case "IEND", "IDAT":
			// eXIf must precede the image data.
			return nil
		}
		chunks = chunks[12+size:]
	}
	return nil
}

func webpExif(chunks []byte) []byte {
	for len(chunks) >= 8 {
		size := binary.LittleEndian.Uint32(chunks[4:8])
		if uint64(size)+8 > uint64(len(chunks)) {
			return nil
		}
		if string(chunks[:4]) == "EXIF" {
			return chunks[8 : 8+size]
		}
		next := 8 + uint64(size) + uint64(size&1)
		if next > uint64(len(chunks)) {
			return nil
		}
		chunks = chunks[next:]
	}
	return nil
}
