package metadata

import (
	"encoding/binary"
	"fmt"
)

// COR20Header is the CLI header (ECMA-335 §II.25.3.3), adapted field-for-
// field from saferwall-pe/dotnet.go's ImageCOR20Header.
type COR20Header struct {
	HeaderSize           uint32
	MajorRuntimeVersion  uint16
	MinorRuntimeVersion  uint16
	MetaDataRVA          uint32
	MetaDataSize         uint32
	Flags                uint32
	EntryPointToken      uint32
	ResourcesRVA         uint32
	ResourcesSize        uint32
}

// section is the minimal PE section-table entry needed for RVA→offset
// translation (saferwall-pe/helper.go's GetOffsetFromRva).
type section struct {
	virtualAddress   uint32
	virtualSize      uint32
	pointerToRawData uint32
}

func (s section) contains(rva uint32) bool {
	size := s.virtualSize
	return rva >= s.virtualAddress && rva < s.virtualAddress+size
}

// rvaToOffset mirrors saferwall-pe's GetOffsetFromRva: find the section
// containing rva and translate using that section's VA/file-offset pair;
// if no section contains it, the RVA is treated as already a file offset
// (matching the teacher source's fallback for unsectioned small images).
func rvaToOffset(sections []section, rva uint32) (uint32, error) {
	for _, s := range sections {
		if s.contains(rva) {
			return rva - s.virtualAddress + s.pointerToRawData, nil
		}
	}
	return rva, nil
}

// LocateCOR20Header parses the minimal PE structure needed to find the CLI
// header and returns it plus the section table, for MetaData RVA
// translation. image is the whole on-disk PE image.
func LocateCOR20Header(image []byte) (COR20Header, []section, error) {
	if len(image) < 0x40 || image[0] != 'M' || image[1] != 'Z' {
		return COR20Header{}, nil, fmt.Errorf("metadata: not a PE image (missing MZ signature)")
	}
	peOff := binary.LittleEndian.Uint32(image[0x3C:0x40])
	if int(peOff)+24 > len(image) {
		return COR20Header{}, nil, fmt.Errorf("metadata: PE header offset out of range")
	}
	if string(image[peOff:peOff+4]) != "PE\x00\x00" {
		return COR20Header{}, nil, fmt.Errorf("metadata: missing PE signature")
	}
	numSections := binary.LittleEndian.Uint16(image[peOff+6 : peOff+8])
	optHeaderSize := binary.LittleEndian.Uint16(image[peOff+20 : peOff+22])
	optHeaderOff := peOff + 24

	magic := binary.LittleEndian.Uint16(image[optHeaderOff : optHeaderOff+2])
	var numDirs uint32
	var comDescriptorDirOff uint32
	switch magic {
	case 0x10b: // PE32
		numDirs = binary.LittleEndian.Uint32(image[optHeaderOff+92 : optHeaderOff+96])
		comDescriptorDirOff = optHeaderOff + 96 + 14*8
	case 0x20b: // PE32+
		numDirs = binary.LittleEndian.Uint32(image[optHeaderOff+108 : optHeaderOff+112])
		comDescriptorDirOff = optHeaderOff + 112 + 14*8
	default:
		return COR20Header{}, nil, fmt.Errorf("metadata: unrecognized optional header magic %#x", magic)
	}
	if numDirs <= 14 {
		return COR20Header{}, nil, fmt.Errorf("metadata: image has no COM descriptor data directory")
	}
	comRVA := binary.LittleEndian.Uint32(image[comDescriptorDirOff : comDescriptorDirOff+4])
	if comRVA == 0 {
		return COR20Header{}, nil, fmt.Errorf("metadata: image is not a managed assembly (no CLI header)")
	}

	sectionTableOff := optHeaderOff + uint32(optHeaderSize)
	sections := make([]section, 0, numSections)
	for i := 0; i < int(numSections); i++ {
		off := sectionTableOff + uint32(i)*40
		if int(off)+40 > len(image) {
			break
		}
		sections = append(sections, section{
			virtualSize:      binary.LittleEndian.Uint32(image[off+8 : off+12]),
			virtualAddress:   binary.LittleEndian.Uint32(image[off+12 : off+16]),
			pointerToRawData: binary.LittleEndian.Uint32(image[off+20 : off+24]),
		})
	}

	comOff, err := rvaToOffset(sections, comRVA)
	if err != nil {
		return COR20Header{}, nil, err
	}
	if int(comOff)+72 > len(image) {
		return COR20Header{}, nil, fmt.Errorf("metadata: CLI header out of range")
	}
	h := COR20Header{
		HeaderSize:          binary.LittleEndian.Uint32(image[comOff : comOff+4]),
		MajorRuntimeVersion: binary.LittleEndian.Uint16(image[comOff+4 : comOff+6]),
		MinorRuntimeVersion: binary.LittleEndian.Uint16(image[comOff+6 : comOff+8]),
		MetaDataRVA:         binary.LittleEndian.Uint32(image[comOff+8 : comOff+12]),
		MetaDataSize:        binary.LittleEndian.Uint32(image[comOff+12 : comOff+16]),
		Flags:               binary.LittleEndian.Uint32(image[comOff+16 : comOff+20]),
		EntryPointToken:     binary.LittleEndian.Uint32(image[comOff+20 : comOff+24]),
		ResourcesRVA:        binary.LittleEndian.Uint32(image[comOff+24 : comOff+28]),
		ResourcesSize:       binary.LittleEndian.Uint32(image[comOff+28 : comOff+32]),
	}
	return h, sections, nil
}

// ExtractMetadataRoot locates and slices out the metadata root (the
// BSJB-signed blob) from a whole PE image.
func ExtractMetadataRoot(image []byte) ([]byte, error) {
	h, sections, err := LocateCOR20Header(image)
	if err != nil {
		return nil, err
	}
	off, err := rvaToOffset(sections, h.MetaDataRVA)
	if err != nil {
		return nil, err
	}
	end := uint64(off) + uint64(h.MetaDataSize)
	if end > uint64(len(image)) {
		return nil, fmt.Errorf("metadata: metadata root [%d,%d) out of range of %d-byte image", off, end, len(image))
	}
	return image[off:end], nil
}

// Image is a loaded PE/CLI image kept around past initial metadata
// parsing: MethodDef.RVA (a method body) and FieldRVA (mapped statics)
// both point outside the metadata root proper, back into the image's
// section data, so anything that resolves them needs the section table
// LocateCOR20Header already computed.
type Image struct {
	raw      []byte
	sections []section
	COR20    COR20Header
}

// LoadImage parses just enough of raw's PE structure to resolve RVAs
// against it later, without yet touching the metadata root.
func LoadImage(raw []byte) (*Image, error) {
	h, sections, err := LocateCOR20Header(raw)
	if err != nil {
		return nil, err
	}
	return &Image{raw: raw, sections: sections, COR20: h}, nil
}

// MetadataRoot slices out this image's BSJB metadata root.
func (img *Image) MetadataRoot() ([]byte, error) {
	off, err := rvaToOffset(img.sections, img.COR20.MetaDataRVA)
	if err != nil {
		return nil, err
	}
	end := uint64(off) + uint64(img.COR20.MetaDataSize)
	if end > uint64(len(img.raw)) {
		return nil, fmt.Errorf("metadata: metadata root [%d,%d) out of range of %d-byte image", off, end, len(img.raw))
	}
	return img.raw[off:end], nil
}

// RVABytes returns size bytes of image data starting at the given RVA
// (e.g. a MethodDef's body, or a FieldRVA's initial static value).
func (img *Image) RVABytes(rva uint32, size uint32) ([]byte, error) {
	off, err := rvaToOffset(img.sections, rva)
	if err != nil {
		return nil, err
	}
	end := uint64(off) + uint64(size)
	if end > uint64(len(img.raw)) {
		return nil, fmt.Errorf("metadata: RVA range [%d,%d) out of range of %d-byte image", off, end, len(img.raw))
	}
	return img.raw[off:end], nil
}

// RVAOffset exposes the raw file-offset translation for callers (like a
// method body reader) that need to keep scanning past a size they don't
// know up front, such as a method header whose total length depends on
// flags read from the header itself.
func (img *Image) RVAOffset(rva uint32) (uint32, error) {
	return rvaToOffset(img.sections, rva)
}

// Bytes gives read access to the raw image past a given file offset, for
// readers (like the method-body header parser) that need to keep consuming
// past a size known only after decoding a few bytes.
func (img *Image) Bytes() []byte { return img.raw }
