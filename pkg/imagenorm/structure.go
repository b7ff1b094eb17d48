package imagenorm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// verifyStructure walks the container framing of raw without touching pixel
// data. Formats other than PNG and JPEG are only checked at the header level.
func verifyStructure(raw []byte, format string) error {
	switch format {
	case "png":
		return walkPNG(raw)
	case "jpeg":
		return walkJPEG(raw)
	}
	return nil
}

// walkPNG checks chunk lengths and CRCs from IHDR through IEND.
func walkPNG(raw []byte) error {
	if !bytes.HasPrefix(raw, pngSignature) {
		return errors.New("missing png signature")
	}
	off := len(pngSignature)
	seenData := false
	for first := true; ; first = false {
		if len(raw)-off < 12 {
			return errors.New("truncated chunk header")
		}
		length := int(binary.BigEndian.Uint32(raw[off : off+4]))
		if length > len(raw)-off-12 {
			return errors.New("truncated chunk")
		}
		typ := string(raw[off+4 : off+8])
		body := raw[off+4 : off+8+length]
		if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(raw[off+8+length:off+12+length]) {
			return fmt.Errorf("crc mismatch in %s chunk", typ)
		}
		if first && typ != "IHDR" {
			return errors.New("first chunk is not IHDR")
		}
		switch typ {
		case "IDAT":
			seenData = true
		case "IEND":
			if !seenData {
				return errors.New("no IDAT chunk")
			}
			return nil
		}
		off += 12 + length
	}
}

// walkJPEG follows marker segments and entropy-coded scans up to EOI.
func walkJPEG(raw []byte) error {
	if len(raw) < 4 || raw[0] != 0xff || raw[1] != 0xd8 {
		return errors.New("missing SOI marker")
	}
	off := 2
	seenScan := false
	for {
		if off >= len(raw) || raw[off] != 0xff {
			return fmt.Errorf("expected marker at offset %d", off)
		}
		for off < len(raw) && raw[off] == 0xff {
			off++
		}
		if off >= len(raw) {
			return errors.New("truncated marker")
		}
		marker := raw[off]
		off++

		switch {
		case marker == 0xd9:
			if !seenScan {
				return errors.New("no scan before EOI")
			}
			return nil
		case marker == 0x01 || (marker >= 0xd0 && marker <= 0xd7):
			continue
		}

		if len(raw)-off < 2 {
			return errors.New("truncated segment length")
		}
		length := int(binary.BigEndian.Uint16(raw[off : off+2]))
		if length < 2 || length > len(raw)-off {
			return fmt.Errorf("invalid segment length %d", length)
		}
		off += length

		if marker == 0xda {
			seenScan = true
			next, err := skipScan(raw, off)
			if err != nil {
				return err
			}
			off = next
		}
	}
}

// skipScan returns the offset of the first marker after entropy-coded data.
func skipScan(raw []byte, off int) (int, error) {
	for i := off; i+1 < len(raw); i++ {
		if raw[i] != 0xff {
			continue
		}
		next := raw[i+1]
		if next == 0x00 || next == 0xff || (next >= 0xd0 && next <= 0xd7) {
			continue
		}
		return i, nil
	}
	return 0, errors.New("truncated scan")
}
