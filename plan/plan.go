// Package plan computes partition layouts. It is pure arithmetic over the
// device geometry and the ordered requests; nothing here touches the disk.
package plan

import (
	"fmt"

	"github.com/gofrs/uuid"

	"github.com/bootforge/bootforge/constants"
	"github.com/bootforge/bootforge/types"
)

// Layout is a realized plan: the table kind plus the ordered records that
// the provisioner materializes one by one.
type Layout struct {
	Table   types.TableKind
	Records []types.PartitionRecord
}

// Input bundles what the planner needs to know about a run.
type Input struct {
	Device   types.Device
	Table    types.TableKind // empty means choose per the table rules
	Requests []types.PartitionRequest
	// ForceGPT is set by the Windows-To-Go and multiboot flows which
	// always lay out GPT regardless of the partition count.
	ForceGPT bool
}

// partitionNamespace roots the deterministic per-partition GUIDs so that
// planning the same device twice yields the same layout, byte for byte.
var partitionNamespace = uuid.NewV5(uuid.NamespaceOID, "bootforge.partition")

// Compute turns the ordered requests into concrete offsets and sizes.
// The usable area starts 4 MiB in, every start is aligned down to 1 MiB,
// and a trailing uefi-support request is pinned to the last 2048 sectors
// of the device regardless of alignment.
func Compute(in Input) (*Layout, error) {
	if in.Device.SizeBytes <= constants.FirstUsableOffset {
		return nil, fmt.Errorf("%w: device %s is only %d bytes", types.ErrInsufficientSpace, in.Device.Path, in.Device.SizeBytes)
	}

	requests, support, err := splitSupportRequest(in.Requests)
	if err != nil {
		return nil, err
	}

	table := in.Table
	if table == types.TableNone {
		table = chooseTable(requests, in.ForceGPT)
	}

	usableEnd := in.Device.SizeBytes
	if support != nil {
		usableEnd = supportStart(in.Device.SizeBytes)
	}

	sized, err := resolveSizes(requests, usableEnd-constants.FirstUsableOffset)
	if err != nil {
		return nil, err
	}

	layout := &Layout{Table: table}
	cursor := constants.FirstUsableOffset
	for i, req := range sized {
		start := alignUp(cursor)
		size := alignDown(req.SizeBytes)
		if size <= 0 || start+size > usableEnd {
			return nil, fmt.Errorf("%w: %s partition does not fit (%d bytes at offset %d, usable end %d)",
				types.ErrInsufficientSpace, req.Role, req.SizeBytes, start, usableEnd)
		}
		layout.Records = append(layout.Records, newRecord(in.Device, i+1, req, start, size, table))
		cursor = start + size
	}

	if support != nil {
		start := supportStart(in.Device.SizeBytes)
		if start < cursor {
			return nil, fmt.Errorf("%w: no room left for the UEFI support partition", types.ErrInsufficientSpace)
		}
		layout.Records = append(layout.Records,
			newRecord(in.Device, len(layout.Records)+1, *support, start, constants.UEFISupportSectors*constants.SectorSize, table))
	}

	return layout, nil
}

// supportStart is 2048 sectors minus one from the device end, so the
// partition runs to the last sector. It is intentionally not aligned, its
// size makes the penalty irrelevant.
func supportStart(deviceSize int64) int64 {
	return deviceSize - constants.UEFISupportSectors*constants.SectorSize
}

func splitSupportRequest(requests []types.PartitionRequest) ([]types.PartitionRequest, *types.PartitionRequest, error) {
	var support *types.PartitionRequest
	out := make([]types.PartitionRequest, 0, len(requests))
	for _, req := range requests {
		if req.Role == types.RoleUEFISupport {
			if support != nil {
				return nil, nil, fmt.Errorf("%w: more than one UEFI support partition requested", types.ErrPartitionCreateFailed)
			}
			r := req
			support = &r
			continue
		}
		out = append(out, req)
	}
	return out, support, nil
}

// chooseTable picks GPT when more than one non-trivial data partition is in
// play, msdos otherwise. ESP, MSR and the support partition do not count as
// data.
func chooseTable(requests []types.PartitionRequest, forceGPT bool) types.TableKind {
	if forceGPT {
		return types.TableGPT
	}
	data := 0
	for _, req := range requests {
		switch req.Role {
		case types.RoleOS, types.RoleData, types.RoleRecovery:
			data++
		}
	}
	if data > 1 {
		return types.TableGPT
	}
	return types.TableMBR
}

// resolveSizes replaces size-zero ("remaining") requests with their weighted
// share of whatever is left after the fixed sizes.
func resolveSizes(requests []types.PartitionRequest, usable int64) ([]types.PartitionRequest, error) {
	fixed := int64(0)
	totalWeight := 0
	for _, req := range requests {
		if req.SizeBytes > 0 {
			fixed += alignUp(req.SizeBytes)
			continue
		}
		w := req.Weight
		if w <= 0 {
			w = 1
		}
		totalWeight += w
	}
	remaining := usable - fixed
	if remaining < 0 || (totalWeight > 0 && remaining < constants.AlignmentBytes*int64(totalWeight)) {
		return nil, fmt.Errorf("%w: fixed requests need %d bytes of %d usable", types.ErrInsufficientSpace, fixed, usable)
	}

	out := make([]types.PartitionRequest, len(requests))
	for i, req := range requests {
		out[i] = req
		if req.SizeBytes > 0 {
			continue
		}
		w := req.Weight
		if w <= 0 {
			w = 1
		}
		out[i].SizeBytes = remaining * int64(w) / int64(totalWeight)
	}
	return out, nil
}

func newRecord(device types.Device, index int, req types.PartitionRequest, start, size int64, table types.TableKind) types.PartitionRecord {
	guid, mbr := typeCodes(req)
	label := req.Label
	id := uuid.NewV5(partitionNamespace, fmt.Sprintf("%s/%d/%s", device.Path, index, req.Role))
	return types.PartitionRecord{
		Index:      index,
		Role:       req.Role,
		StartBytes: start,
		SizeBytes:  size,
		Path:       device.PartitionName(index),
		Filesystem: req.Filesystem,
		Label:      label,
		TypeGUID:   guid,
		MBRType:    mbr,
		Bootable:   table == types.TableMBR && index == 1,
		UUID:       id.String(),
	}
}

// typeCodes is the fixed role-to-type table.
func typeCodes(req types.PartitionRequest) (string, byte) {
	switch req.Role {
	case types.RoleESP:
		return "C12A7328-F81F-11D2-BA4B-00A0C93EC93B", 0xEF
	case types.RoleMSR:
		return "E3C9E316-0B5C-4DB8-817D-F92DF00215AE", 0x0C
	case types.RoleRecovery:
		return "DE94BBA4-06D1-4D40-A16A-BFD50179D6AC", 0x27
	case types.RoleUEFISupport:
		return "C12A7328-F81F-11D2-BA4B-00A0C93EC93B", 0xEF
	}
	// Data partitions take their identity from the filesystem they will
	// carry: Windows-readable ones get the basic data GUID.
	switch req.Filesystem {
	case types.FSF2fs, types.FSBtrfs:
		return "0FC63DAF-8483-4772-8E79-3D69D8477DE4", 0x83
	case types.FSFat32:
		return "EBD0A0A2-B9E5-4433-87C0-68B6B72699C7", 0x0C
	}
	return "EBD0A0A2-B9E5-4433-87C0-68B6B72699C7", 0x07
}

func alignUp(n int64) int64 {
	if rem := n % constants.AlignmentBytes; rem != 0 {
		return n + constants.AlignmentBytes - rem
	}
	return n
}

func alignDown(n int64) int64 {
	return n - n%constants.AlignmentBytes
}
