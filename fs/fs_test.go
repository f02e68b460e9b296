package fs_test

import (
	"context"
	"testing"

	"github.com/bootforge/bootforge/executor"
	"github.com/bootforge/bootforge/fs"
	"github.com/bootforge/bootforge/types"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestFilesystems(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Filesystem test suite")
}

var _ = Describe("Filesystem registry", func() {
	var runner *executor.Fake
	var registry *fs.Registry
	var logger types.ForgeLogger

	BeforeEach(func() {
		runner = executor.NewFake()
		logger = types.NewNullLogger()
		registry = fs.NewRegistry(runner, logger)
	})

	Describe("Formatting", func() {
		It("Runs mkdosfs for FAT32", func() {
			err := registry.Format(context.Background(), types.FSFat32, "/dev/sdz1", "BOOTFORGE", types.ClassFlash)
			Expect(err).ToNot(HaveOccurred())
			Expect(runner.Ran("mkdosfs", "-F", "32", "-n", "BOOTFORGE", "/dev/sdz1")).To(BeTrue())
		})
		It("Picks NTFS cluster size by device class", func() {
			Expect(registry.Format(context.Background(), types.FSNtfs, "/dev/sdz1", "W", types.ClassFlash)).To(Succeed())
			Expect(runner.Ran("mkntfs", "-f", "-L", "W", "-c", "4096")).To(BeTrue())
			Expect(registry.Format(context.Background(), types.FSNtfs, "/dev/sdz1", "W", types.ClassRotational)).To(Succeed())
			Expect(runner.Ran("mkntfs", "-f", "-L", "W", "-c", "16384")).To(BeTrue())
		})
		It("Picks exFAT cluster and alignment by device class", func() {
			Expect(registry.Format(context.Background(), types.FSExfat, "/dev/sdz1", "W", types.ClassFlash)).To(Succeed())
			Expect(runner.Ran("mkfs.exfat", "-L", "W", "-c", "128K", "-b", "1M")).To(BeTrue())
			Expect(registry.Format(context.Background(), types.FSExfat, "/dev/sdz1", "W", types.ClassRotational)).To(Succeed())
			Expect(runner.Ran("mkfs.exfat", "-L", "W", "-c", "32K")).To(BeTrue())
		})
		It("Maps non-zero tool exits to a format failure", func() {
			runner.Script("mkfs.btrfs", executor.Result{ExitCode: 1, Stderr: "boom"})
			err := registry.Format(context.Background(), types.FSBtrfs, "/dev/sdz1", "L", types.ClassFlash)
			Expect(err).To(MatchError(types.ErrFormatFailed))
		})
		It("Refuses kinds without formatting semantics", func() {
			err := registry.Format(context.Background(), types.FSNone, "/dev/sdz1", "L", types.ClassFlash)
			Expect(err).To(MatchError(types.ErrUnsupportedFilesystem))
		})
		It("Fails early when the tool is not installed", func() {
			runner.MissingTools["mkfs.f2fs"] = true
			err := registry.Format(context.Background(), types.FSF2fs, "/dev/sdz1", "L", types.ClassFlash)
			Expect(err).To(MatchError(types.ErrDependencyMissing))
			Expect(runner.Ran("mkfs.f2fs")).To(BeFalse())
		})
	})

	Describe("Dependency checks", func() {
		It("Reports the missing tools", func() {
			runner.MissingTools["mkntfs"] = true
			ok, missing := registry.CheckDependencies(types.FSNtfs)
			Expect(ok).To(BeFalse())
			Expect(missing).To(Equal([]string{"mkntfs"}))
		})
	})

	Describe("Capabilities", func() {
		It("Marks only FAT32 as firmware-readable", func() {
			for _, kind := range []types.FilesystemKind{types.FSNtfs, types.FSExfat, types.FSF2fs, types.FSBtrfs} {
				c, err := registry.Capability(kind)
				Expect(err).ToNot(HaveOccurred())
				Expect(c.NeedsUEFISupport).To(BeTrue(), string(kind))
				Expect(c.SupportsLargeFiles).To(BeTrue(), string(kind))
			}
			c, err := registry.Capability(types.FSFat32)
			Expect(err).ToNot(HaveOccurred())
			Expect(c.NeedsUEFISupport).To(BeFalse())
			Expect(c.SupportsLargeFiles).To(BeFalse())
		})
	})

	Describe("Selection", func() {
		It("Chooses FAT32 when no large files exist", func() {
			kind, degraded := registry.SelectOptimal(false, nil)
			Expect(kind).To(Equal(types.FSFat32))
			Expect(degraded).To(BeFalse())
		})
		It("Walks the preference order when large files exist", func() {
			kind, degraded := registry.SelectOptimal(true, nil)
			Expect(kind).To(Equal(types.FSExfat))
			Expect(degraded).To(BeFalse())
		})
		It("Chooses NTFS when only FAT32 and NTFS tools are installed", func() {
			runner.MissingTools["mkfs.exfat"] = true
			runner.MissingTools["mkfs.f2fs"] = true
			runner.MissingTools["mkfs.btrfs"] = true
			kind, degraded := registry.SelectOptimal(true, nil)
			Expect(kind).To(Equal(types.FSNtfs))
			Expect(degraded).To(BeFalse())
		})
		It("Degrades to FAT32 when nothing else is installed", func() {
			for _, tool := range []string{"mkfs.exfat", "mkntfs", "mkfs.f2fs", "mkfs.btrfs"} {
				runner.MissingTools[tool] = true
			}
			kind, degraded := registry.SelectOptimal(true, nil)
			Expect(kind).To(Equal(types.FSFat32))
			Expect(degraded).To(BeTrue())
		})
		It("Honors a custom preference order", func() {
			kind, degraded := registry.SelectOptimal(true, []types.FilesystemKind{types.FSBtrfs, types.FSExfat})
			Expect(kind).To(Equal(types.FSBtrfs))
			Expect(degraded).To(BeFalse())
		})
	})
})
