// Package constants This file contains all the constants that can be reused across the project
package constants

const (
	KB = int64(1024)
	MB = 1024 * KB
	GB = 1024 * MB

	FilePerm = 0644
	DirPerm  = 0755

	// SectorSize is the logical sector size assumed for all layout
	// arithmetic. Tools are driven in MiB/sector units derived from it.
	SectorSize = int64(512)

	// FirstUsableOffset keeps the legacy bootloader gap free and aligns the
	// first data partition with common flash erase blocks.
	FirstUsableOffset = 4 * MB

	// AlignmentBytes is the generic partition alignment.
	AlignmentBytes = 1 * MB

	// LargeFileThreshold marks the FAT32 single-file ceiling. The boundary
	// is inclusive: a file of exactly 4 GiB counts as large.
	LargeFileThreshold = 4 * GB

	// ESPSizeDefault through MSRSizeMax bound the fixed partitions of
	// Windows-capable layouts.
	ESPSizeDefault = 260 * MB
	ESPSizeMin     = 200 * MB
	ESPSizeMax     = 512 * MB
	MSRSizeDefault = 128 * MB
	MSRSizeMin     = 16 * MB
	MSRSizeMax     = 128 * MB

	// UEFISupportSectors is the raw sector count of the trailing support
	// partition used to UEFI-boot filesystems firmware cannot read. It is
	// placed 2048 sectors minus one from the device end and is deliberately
	// left unaligned.
	UEFISupportSectors = int64(2047)

	// CopyChunkSize is the unit of large-file copies; cancellation is
	// honored between chunks.
	CopyChunkSize = 5 * MB

	// GrubBootloaderID is the removable-media id the UEFI installation
	// registers in the ESP.
	GrubBootloaderID = "bootforge"

	LogDir = "/var/log/bootforge/"
)
