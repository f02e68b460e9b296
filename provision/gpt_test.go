package provision_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"unicode/utf16"

	"github.com/bootforge/bootforge/constants"
	"github.com/bootforge/bootforge/executor"
	"github.com/bootforge/bootforge/fs"
	"github.com/bootforge/bootforge/plan"
	"github.com/bootforge/bootforge/provision"
	"github.com/bootforge/bootforge/types"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type gptImageEntry struct {
	name     string
	typeGUID [16]byte
	firstLBA uint64
	lastLBA  uint64
}

// espTypeGUID is C12A7328-F81F-11D2-BA4B-00A0C93EC93B in the on-disk
// mixed-endian layout.
var espTypeGUID = [16]byte{
	0x28, 0x73, 0x2a, 0xc1, 0x1f, 0xf8, 0xd2, 0x11,
	0xba, 0x4b, 0x00, 0xa0, 0xc9, 0x3e, 0xc9, 0x3b,
}

func writeGPTImage(path string, entries []gptImageEntry) {
	const entrySize = 128
	img := make([]byte, 34*constants.SectorSize)

	hdr := img[constants.SectorSize:]
	copy(hdr[0:8], "EFI PART")
	binary.LittleEndian.PutUint64(hdr[72:80], 2) // entry array at LBA 2
	binary.LittleEndian.PutUint32(hdr[80:84], uint32(len(entries)))
	binary.LittleEndian.PutUint32(hdr[84:88], entrySize)

	for i, e := range entries {
		buf := img[2*constants.SectorSize+int64(i*entrySize):]
		copy(buf[0:16], e.typeGUID[:])
		binary.LittleEndian.PutUint64(buf[32:40], e.firstLBA)
		binary.LittleEndian.PutUint64(buf[40:48], e.lastLBA)
		for j, u := range utf16.Encode([]rune(e.name)) {
			binary.LittleEndian.PutUint16(buf[56+2*j:], u)
		}
	}
	Expect(os.WriteFile(path, img, 0600)).To(Succeed())
}

var _ = Describe("Partition table readback", func() {
	var image string

	BeforeEach(func() {
		image = filepath.Join(GinkgoT().TempDir(), "disk.img")
	})

	It("parses entries, names and GUIDs from a table", func() {
		writeGPTImage(image, []gptImageEntry{
			{name: "ESP", typeGUID: espTypeGUID, firstLBA: 8192, lastLBA: 540671},
			{name: "Windows", firstLBA: 540672, lastLBA: 802815},
		})

		entries, err := provision.ReadGPT(image)
		Expect(err).ToNot(HaveOccurred())
		Expect(entries).To(HaveLen(2))
		Expect(entries[0].Number).To(Equal(1))
		Expect(entries[0].Name).To(Equal("ESP"))
		Expect(entries[0].TypeGUID).To(Equal("C12A7328-F81F-11D2-BA4B-00A0C93EC93B"))
		Expect(entries[0].FirstLBA).To(Equal(uint64(8192)))
		Expect(entries[0].NumSectors).To(Equal(uint64(532480)))
		Expect(entries[1].Name).To(Equal("Windows"))
	})

	It("rejects devices without a GPT signature", func() {
		Expect(os.WriteFile(image, make([]byte, 34*constants.SectorSize), 0600)).To(Succeed())
		_, err := provision.ReadGPT(image)
		Expect(err).To(MatchError(ContainSubstring("no GPT signature")))
	})

	Context("verifying a layout against the device", func() {
		var prov *provision.Provisioner

		BeforeEach(func() {
			logger := types.NewNullLogger()
			runner := executor.NewFake()
			prov = provision.New(runner, fs.NewRegistry(runner, logger), nil, logger)
		})

		layoutOf := func(records ...types.PartitionRecord) *plan.Layout {
			return &plan.Layout{Table: types.TableGPT, Records: records}
		}

		It("accepts a table matching the plan", func() {
			writeGPTImage(image, []gptImageEntry{
				{name: "ESP", typeGUID: espTypeGUID, firstLBA: 8192, lastLBA: 540671},
			})
			layout := layoutOf(types.PartitionRecord{
				Index:      1,
				StartBytes: 8192 * constants.SectorSize,
				TypeGUID:   "c12a7328-f81f-11d2-ba4b-00a0c93ec93b",
			})
			Expect(prov.VerifyLayout(types.Device{Path: image}, layout)).To(Succeed())
		})

		It("flags a partition that landed at the wrong offset", func() {
			writeGPTImage(image, []gptImageEntry{
				{name: "ESP", typeGUID: espTypeGUID, firstLBA: 2048, lastLBA: 540671},
			})
			layout := layoutOf(types.PartitionRecord{Index: 1, StartBytes: 8192 * constants.SectorSize})
			err := prov.VerifyLayout(types.Device{Path: image}, layout)
			Expect(err).To(MatchError(types.ErrPartitionCreateFailed))
		})

		It("flags a missing partition", func() {
			writeGPTImage(image, []gptImageEntry{
				{name: "ESP", typeGUID: espTypeGUID, firstLBA: 8192, lastLBA: 540671},
			})
			layout := layoutOf(
				types.PartitionRecord{Index: 1, StartBytes: 8192 * constants.SectorSize},
				types.PartitionRecord{Index: 2, StartBytes: 540672 * constants.SectorSize},
			)
			err := prov.VerifyLayout(types.Device{Path: image}, layout)
			Expect(err).To(MatchError(types.ErrPartitionCreateFailed))
		})

		It("skips devices that cannot be reopened", func() {
			layout := layoutOf(types.PartitionRecord{Index: 1, StartBytes: 8192 * constants.SectorSize})
			Expect(prov.VerifyLayout(types.Device{Path: "/nonexistent/disk"}, layout)).To(Succeed())
		})

		It("ignores MBR layouts", func() {
			layout := &plan.Layout{Table: types.TableMBR}
			Expect(prov.VerifyLayout(types.Device{Path: "/nonexistent/disk"}, layout)).To(Succeed())
		})
	})
})
