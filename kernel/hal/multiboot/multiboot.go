// Package multiboot decodes the Multiboot 1 information structure that the
// bootloader leaves behind in memory and hands off to the kernel in EBX. All
// accessors here read directly out of that structure (or out of the module
// and memory-map arrays it points to); none of it is copied until a caller
// asks for it.
package multiboot

import (
	"reflect"
	"strings"
	"unsafe"
)

// infoFlag identifies one bit of the Multiboot 1 info "flags" word. A flag
// must be set before the corresponding field of multibootInfo is considered
// valid; an unset flag means the bootloader never populated that part of the
// structure.
type infoFlag uint32

const (
	flagMem infoFlag = 1 << iota
	flagBootDevice
	flagCmdline
	flagMods
	flagSymsAOut
	flagSymsElf
	flagMmap
	flagDrives
	flagConfig
	flagBootLoaderName
	flagApm
	flagVbe
	flagFramebuffer
)

// multibootInfo mirrors the Multiboot 1 "multiboot_info" structure exactly
// as the bootloader lays it out: a flat, packed struct with no tags, fixed
// field offsets, and a trailing union (here read back as the ELF section
// fields; aout symbol tables are not supported). The framebuffer color
// union that follows framebufferType is read separately via
// mbColorInfoOffset since its shape (palette vs. RGB) depends on
// framebufferType and Go would otherwise insert alignment padding the real
// C struct doesn't have.
type multibootInfo struct {
	flags      uint32
	memLower   uint32
	memUpper   uint32
	bootDevice uint32
	cmdline    uint32
	modsCount  uint32
	modsAddr   uint32

	// multiboot_elf_table when flagSymsElf is set.
	elfNum   uint32
	elfSize  uint32
	elfAddr  uint32
	elfShndx uint32

	mmapLength uint32
	mmapAddr   uint32

	drivesLength uint32
	drivesAddr   uint32

	configTable    uint32
	bootLoaderName uint32
	apmTable       uint32

	vbeControlInfo  uint32
	vbeModeInfo     uint32
	vbeMode         uint32
	vbeInterfaceSeg uint32
	vbeInterfaceOff uint32
	vbeInterfaceLen uint32

	framebufferAddrLow  uint32
	framebufferAddrHigh uint32
	framebufferPitch    uint32
	framebufferWidth    uint32
	framebufferHeight   uint32
	framebufferBpp      uint8
	framebufferType     uint8
}

// mbColorInfoOffset is the byte offset of the framebuffer color union from
// the start of multibootInfo (7 + 4 + 13 + 5 leading uint32 fields, plus the
// two uint8 fields immediately before it: 29*4 + 2 = 118). It is a constant
// rather than unsafe.Sizeof(multibootInfo{}) because Go rounds a struct's
// size up to its largest field's alignment, which would overstate the real,
// packed C offset by 2 bytes.
const mbColorInfoOffset = 118

// mbModule mirrors multiboot_module: (start, end, name*, reserved).
type mbModule struct {
	start    uint32
	end      uint32
	name     uint32
	reserved uint32
}

// mbMmapEntry mirrors multiboot_mmap. size is the length of the record that
// follows it, not counting the size field itself.
type mbMmapEntry struct {
	size         uint32
	baseAddrLow  uint32
	baseAddrHigh uint32
	lengthLow    uint32
	lengthHigh   uint32
	entryType    uint32
}

// elfSection32 mirrors an Elf32_Shdr entry. The kernel this package serves
// is a 32-bit protected-mode image, so its section headers - unlike a
// 64-bit kernel's - are 32-bit throughout.
type elfSection32 struct {
	nameIndex   uint32
	sectionType uint32
	flags       uint32
	address     uint32
	offset      uint32
	size        uint32
	link        uint32
	info        uint32
	addrAlign   uint32
	entSize     uint32
}

// ElfSectionFlag defines an OR-able flag associated with an ElfSection.
type ElfSectionFlag uint32

const (
	// ElfSectionWritable marks the section as writable.
	ElfSectionWritable ElfSectionFlag = 1 << iota

	// ElfSectionAllocated means that the section is allocated in memory
	// when the image is loaded (e.g .bss sections)
	ElfSectionAllocated

	// ElfSectionExecutable marks the section as executable.
	ElfSectionExecutable
)

// ElfSectionVisitor defines a visitor function that gets invoked by
// VisitElfSections for each ELF section that belongs to the loaded kernel
// image.
type ElfSectionVisitor func(name string, flags ElfSectionFlag, address uintptr, size uint64)

// FramebufferType defines the type of the initialized framebuffer.
type FramebufferType uint8

const (
	// FramebufferTypeIndexed specifies a 256-color palette.
	FramebufferTypeIndexed FramebufferType = iota

	// FramebufferTypeRGB specifies direct RGB mode.
	FramebufferTypeRGB

	// FramebufferTypeEGA specifies EGA text mode.
	FramebufferTypeEGA
)

// FramebufferInfo provides information about the initialized framebuffer.
type FramebufferInfo struct {
	// The framebuffer physical address.
	PhysAddr uint64

	// Row pitch in bytes.
	Pitch uint32

	// Width and height in pixels (or characters if Type = FramebufferTypeEGA)
	Width, Height uint32

	// Bits per pixel (non EGA modes only).
	Bpp uint8

	// Framebuffer type.
	Type FramebufferType

	// rgbColorInfo holds the color channel layout when Type is
	// FramebufferTypeRGB. Unlike the tag-based Multiboot 2 layout, the
	// Multiboot 1 color union lives inline inside multibootInfo, so it is
	// copied out once in GetFramebufferInfo rather than addressed in place.
	rgbColorInfo FramebufferRGBColorInfo
}

// RGBColorInfo returns the FramebufferRGBColorInfo for a RGB framebuffer.
func (i *FramebufferInfo) RGBColorInfo() *FramebufferRGBColorInfo {
	if i.Type != FramebufferTypeRGB {
		return nil
	}
	return &i.rgbColorInfo
}

// FramebufferRGBColorInfo describes the order and width of each color component
// for a 15-, 16-, 24- or 32-bit framebuffer.
type FramebufferRGBColorInfo struct {
	// The position and width (in bits) of the red component.
	RedPosition uint8
	RedMaskSize uint8

	// The position and width (in bits) of the green component.
	GreenPosition uint8
	GreenMaskSize uint8

	// The position and width (in bits) of the blue component.
	BluePosition uint8
	BlueMaskSize uint8
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

var (
	infoData  uintptr
	cmdLineKV map[string]string
)

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// SetInfoPtr updates the internal multiboot information pointer to the given
// value. This function must be invoked before invoking any other function
// exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
	cmdLineKV = nil
}

func info() *multibootInfo {
	return (*multibootInfo)(unsafe.Pointer(infoData))
}

// RequiredFlagsPresent reports whether the bootloader supplied the memory
// size, memory map and module list that the rest of the bring-up sequence
// depends on.
func RequiredFlagsPresent() bool {
	mbi := info()
	return mbi.flags&uint32(flagMem) != 0 &&
		mbi.flags&uint32(flagMods) != 0 &&
		mbi.flags&uint32(flagMmap) != 0
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	mbi := info()
	if mbi.flags&uint32(flagMmap) == 0 {
		return
	}

	curPtr := uintptr(mbi.mmapAddr)
	endPtr := curPtr + uintptr(mbi.mmapLength)

	for curPtr < endPtr {
		raw := (*mbMmapEntry)(unsafe.Pointer(curPtr))

		entry := MemoryMapEntry{
			PhysAddress: uint64(raw.baseAddrHigh)<<32 | uint64(raw.baseAddrLow),
			Length:      uint64(raw.lengthHigh)<<32 | uint64(raw.lengthLow),
			Type:        mapMmapType(raw.entryType),
		}

		if !visitor(&entry) {
			return
		}

		// "size" does not include itself; the record occupies size+4 bytes.
		curPtr += uintptr(raw.size) + 4
	}
}

// mapMmapType converts a raw MULTIBOOT_MMAP_TYPE_* value into a
// MemoryEntryType, folding the defective-RAM type into MemReserved since
// this package has no separate category for it.
func mapMmapType(raw uint32) MemoryEntryType {
	switch raw {
	case 1:
		return MemAvailable
	case 3:
		return MemAcpiReclaimable
	case 4:
		return MemNvs
	default:
		return MemReserved
	}
}

// GetFramebufferInfo returns information about the framebuffer initialized by the
// bootloader. This function returns nil if no framebuffer info is available.
func GetFramebufferInfo() *FramebufferInfo {
	mbi := info()
	if mbi.flags&uint32(flagFramebuffer) == 0 {
		return nil
	}

	fbInfo := &FramebufferInfo{
		PhysAddr: uint64(mbi.framebufferAddrHigh)<<32 | uint64(mbi.framebufferAddrLow),
		Pitch:    mbi.framebufferPitch,
		Width:    mbi.framebufferWidth,
		Height:   mbi.framebufferHeight,
		Bpp:      mbi.framebufferBpp,
		Type:     FramebufferType(mbi.framebufferType),
	}

	if fbInfo.Type == FramebufferTypeRGB {
		colorPtr := infoData + mbColorInfoOffset
		fbInfo.rgbColorInfo = *(*FramebufferRGBColorInfo)(unsafe.Pointer(colorPtr))
	}

	return fbInfo
}

// VisitElfSections invokes visitor for each ELF section that belongs to the
// loaded kernel image.
func VisitElfSections(visitor ElfSectionVisitor) {
	mbi := info()
	if mbi.flags&uint32(flagSymsElf) == 0 {
		return
	}

	var (
		secPtr          = uintptr(mbi.elfAddr)
		sizeofSection   = uintptr(mbi.elfSize)
		strTableSection = (*elfSection32)(unsafe.Pointer(secPtr + uintptr(mbi.elfShndx)*sizeofSection))
	)

	for secIndex := uint32(0); secIndex < mbi.elfNum; secIndex, secPtr = secIndex+1, secPtr+sizeofSection {
		secData := (*elfSection32)(unsafe.Pointer(secPtr))
		if secData.size == 0 {
			continue
		}

		visitor(
			cString(uintptr(strTableSection.address)+uintptr(secData.nameIndex)),
			ElfSectionFlag(secData.flags),
			uintptr(secData.address),
			uint64(secData.size),
		)
	}
}

// GetModule returns the physical start and end addresses of the boot module
// whose name matches name (e.g. "bootap.bin" or "sc2.bin"), scanning the
// mods_addr array the same way move_module does. ok is false if no module
// by that name was passed by the bootloader.
func GetModule(name string) (start, end uintptr, ok bool) {
	mbi := info()
	if mbi.flags&uint32(flagMods) == 0 {
		return 0, 0, false
	}

	modPtr := uintptr(mbi.modsAddr)
	for i := uint32(0); i < mbi.modsCount; i, modPtr = i+1, modPtr+unsafe.Sizeof(mbModule{}) {
		mod := (*mbModule)(unsafe.Pointer(modPtr))
		if cString(uintptr(mod.name)) == name {
			return uintptr(mod.start), uintptr(mod.end), true
		}
	}

	return 0, 0, false
}

// GetBootCmdLine returns the command line key-value pairs passed to the
// kernel.  This function must only be invoked after bootstrapping the memory
// allocator.
func GetBootCmdLine() map[string]string {
	if cmdLineKV != nil {
		return cmdLineKV
	}

	cmdLineKV = make(map[string]string)

	mbi := info()
	if mbi.flags&uint32(flagCmdline) != 0 {
		pairs := strings.Fields(cString(uintptr(mbi.cmdline)))
		for _, pair := range pairs {
			kv := strings.Split(pair, "=")
			switch len(kv) {
			case 2: // foo=bar
				cmdLineKV[kv[0]] = kv[1]
			case 1: // nofoo
				cmdLineKV[kv[0]] = kv[0]
			}
		}
	}

	return cmdLineKV
}

// cString reads a NULL-terminated C string starting at ptr without copying
// its bytes; it only borrows them for the lifetime of the returned string,
// which is safe here since the multiboot info block outlives the kernel.
func cString(ptr uintptr) string {
	end := ptr
	for *(*byte)(unsafe.Pointer(end)) != 0 {
		end++
	}

	var s string
	header := (*reflect.StringHeader)(unsafe.Pointer(&s))
	header.Data = ptr
	header.Len = int(end - ptr)
	return s
}
