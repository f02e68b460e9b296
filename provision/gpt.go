package provision

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/bootforge/bootforge/constants"
	"github.com/bootforge/bootforge/plan"
	"github.com/bootforge/bootforge/types"
)

// GPTEntry is one in-use slot of an on-disk GPT partition table.
type GPTEntry struct {
	Number     int
	Name       string
	TypeGUID   string
	UUID       string
	FirstLBA   uint64
	LastLBA    uint64
	NumSectors uint64
}

// ReadGPT parses the partition table directly from the device node. It
// reads the header at sector 1 and walks the entry array it points at.
func ReadGPT(devicePath string) ([]GPTEntry, error) {
	f, err := os.Open(devicePath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", devicePath, err)
	}
	defer f.Close()

	hdrBuf := make([]byte, constants.SectorSize)
	if _, err := f.ReadAt(hdrBuf, constants.SectorSize); err != nil {
		return nil, fmt.Errorf("reading GPT header: %w", err)
	}
	if string(hdrBuf[0:8]) != "EFI PART" {
		return nil, fmt.Errorf("%s carries no GPT signature", devicePath)
	}

	partitionEntryLBA := binary.LittleEndian.Uint64(hdrBuf[72:80])
	numPartitionEntries := binary.LittleEndian.Uint32(hdrBuf[80:84])
	sizeOfPartitionEntry := binary.LittleEndian.Uint32(hdrBuf[84:88])

	entries := []GPTEntry{}
	entryBuf := make([]byte, sizeOfPartitionEntry)

	for i := uint32(0); i < numPartitionEntries; i++ {
		offset := int64(partitionEntryLBA)*constants.SectorSize + int64(i*sizeOfPartitionEntry)
		if _, err := f.ReadAt(entryBuf, offset); err != nil {
			return nil, fmt.Errorf("reading partition entry %d: %w", i+1, err)
		}

		firstLBA := binary.LittleEndian.Uint64(entryBuf[32:40])
		lastLBA := binary.LittleEndian.Uint64(entryBuf[40:48])
		if firstLBA == 0 && lastLBA == 0 {
			continue // empty slot
		}

		entries = append(entries, GPTEntry{
			Number:     int(i + 1),
			Name:       decodeUTF16String(entryBuf[56 : 56+72]),
			TypeGUID:   decodeGUID(entryBuf[0:16]),
			UUID:       decodeGUID(entryBuf[16:32]),
			FirstLBA:   firstLBA,
			LastLBA:    lastLBA,
			NumSectors: lastLBA - firstLBA + 1,
		})
	}

	return entries, nil
}

// VerifyLayout reads the table back from the device and checks that every
// planned partition landed where the planner put it, with the right type.
// Devices the current process cannot reopen are skipped, the partitioning
// tools already reported success for them.
func (p *Provisioner) VerifyLayout(device types.Device, layout *plan.Layout) error {
	if layout.Table != types.TableGPT {
		return nil
	}
	entries, err := ReadGPT(device.Path)
	if err != nil {
		p.logger.Debug().Err(err).Str("device", device.Path).Msg("Skipping partition table readback")
		return nil
	}
	if len(entries) != len(layout.Records) {
		return fmt.Errorf("%w: table holds %d partitions, planned %d",
			types.ErrPartitionCreateFailed, len(entries), len(layout.Records))
	}
	for i, record := range layout.Records {
		entry := entries[i]
		if entry.Number != record.Index {
			return fmt.Errorf("%w: slot %d holds partition %d", types.ErrPartitionCreateFailed, record.Index, entry.Number)
		}
		if int64(entry.FirstLBA)*constants.SectorSize != record.StartBytes {
			return fmt.Errorf("%w: partition %d starts at sector %d, planned byte %d",
				types.ErrPartitionCreateFailed, record.Index, entry.FirstLBA, record.StartBytes)
		}
		if record.TypeGUID != "" && !strings.EqualFold(entry.TypeGUID, record.TypeGUID) {
			return fmt.Errorf("%w: partition %d has type %s, planned %s",
				types.ErrPartitionCreateFailed, record.Index, entry.TypeGUID, record.TypeGUID)
		}
	}
	return nil
}

// decodeGUID renders the on-disk mixed-endian GUID layout as the usual
// string form. The first three groups are little-endian, the rest are not.
func decodeGUID(b []byte) string {
	return fmt.Sprintf("%08X-%04X-%04X-%04X-%012X",
		binary.LittleEndian.Uint32(b[0:4]),
		binary.LittleEndian.Uint16(b[4:6]),
		binary.LittleEndian.Uint16(b[6:8]),
		binary.BigEndian.Uint16(b[8:10]),
		b[10:16])
}

// decodeUTF16String decodes a NUL-terminated UTF-16LE partition name.
func decodeUTF16String(b []byte) string {
	u16 := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		ch := binary.LittleEndian.Uint16(b[i : i+2])
		if ch == 0x0000 {
			break
		}
		u16 = append(u16, ch)
	}
	r := make([]rune, len(u16))
	for i, u := range u16 {
		r[i] = rune(u)
	}
	return string(r)
}
