package session_test

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"k8s.io/mount-utils"

	"github.com/bootforge/bootforge/constants"
	"github.com/bootforge/bootforge/executor"
	"github.com/bootforge/bootforge/probe"
	"github.com/bootforge/bootforge/probe/mocks"
	"github.com/bootforge/bootforge/session"
	"github.com/bootforge/bootforge/types"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestSession(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Session test suite")
}

// stuckMounter refuses to unmount, like a target filesystem with open files.
type stuckMounter struct {
	*mount.FakeMounter
}

func (s *stuckMounter) Unmount(target string) error {
	return errors.New("target is busy")
}

// espWatcher looks inside every mountpoint as it is released, once its
// contents are final.
type espWatcher struct {
	*mount.FakeMounter
	sawLoader bool
	sawMenu   bool
}

func (w *espWatcher) Unmount(target string) error {
	if _, err := os.Stat(filepath.Join(target, "EFI", "Boot", "bootx64.efi")); err == nil {
		w.sawLoader = true
	}
	if _, err := os.Stat(filepath.Join(target, "boot", "grub", "grub.cfg")); err == nil {
		w.sawMenu = true
	}
	return w.FakeMounter.Unmount(target)
}

// writeEFIImage writes a minimal PE32+ EFI application, enough for the
// loader validation to accept it.
func writeEFIImage(path string) {
	img := make([]byte, 0x400)
	copy(img, "MZ")
	binary.LittleEndian.PutUint32(img[0x3c:], 0x80)
	copy(img[0x80:], "PE\x00\x00")

	fh := img[0x84:]
	binary.LittleEndian.PutUint16(fh[0:], 0x8664) // x86-64
	binary.LittleEndian.PutUint16(fh[2:], 1)      // one section
	binary.LittleEndian.PutUint16(fh[16:], 240)   // PE32+ optional header
	binary.LittleEndian.PutUint16(fh[18:], 0x0022)

	oh := img[0x98:]
	binary.LittleEndian.PutUint16(oh[0:], 0x20b) // PE32+
	binary.LittleEndian.PutUint32(oh[16:], 0x1000)
	binary.LittleEndian.PutUint32(oh[20:], 0x1000)
	binary.LittleEndian.PutUint64(oh[24:], 0x140000000)
	binary.LittleEndian.PutUint32(oh[32:], 0x1000) // section alignment
	binary.LittleEndian.PutUint32(oh[36:], 0x200)  // file alignment
	binary.LittleEndian.PutUint16(oh[40:], 6)
	binary.LittleEndian.PutUint16(oh[48:], 6)
	binary.LittleEndian.PutUint32(oh[56:], 0x2000) // size of image
	binary.LittleEndian.PutUint32(oh[60:], 0x200)  // size of headers
	binary.LittleEndian.PutUint16(oh[68:], 10)     // EFI application
	binary.LittleEndian.PutUint64(oh[72:], 0x100000)
	binary.LittleEndian.PutUint64(oh[80:], 0x1000)
	binary.LittleEndian.PutUint64(oh[88:], 0x100000)
	binary.LittleEndian.PutUint64(oh[96:], 0x1000)
	binary.LittleEndian.PutUint32(oh[108:], 16) // data directories

	sh := img[0x188:]
	copy(sh, ".text")
	binary.LittleEndian.PutUint32(sh[8:], 0x200)
	binary.LittleEndian.PutUint32(sh[12:], 0x1000)
	binary.LittleEndian.PutUint32(sh[16:], 0x200)
	binary.LittleEndian.PutUint32(sh[20:], 0x200)
	binary.LittleEndian.PutUint32(sh[36:], 0x60000020)

	ExpectWithOffset(1, os.MkdirAll(filepath.Dir(path), 0755)).To(Succeed())
	ExpectWithOffset(1, os.WriteFile(path, img, 0644)).To(Succeed())
}

// progressRecorder keeps every report for inspection.
type progressRecorder struct {
	stages   []session.Stage
	percents []int
}

func (p *progressRecorder) OnProgress(stage session.Stage, _ string, percent int) {
	p.stages = append(p.stages, stage)
	p.percents = append(p.percents, percent)
}

var _ = Describe("Session controller", func() {
	var runner *executor.Fake
	var probeMock mocks.ProbeMock
	var progress *progressRecorder
	var device types.Device
	var sourcePath string

	BeforeEach(func() {
		runner = executor.NewFake()
		probeMock = mocks.ProbeMock{}
		progress = &progressRecorder{}
		device = types.Device{Path: "/dev/disk", SizeBytes: 16 * constants.GB, Class: types.ClassFlash}

		dir := GinkgoT().TempDir()
		sourcePath = filepath.Join(dir, "source.iso")
		Expect(os.WriteFile(sourcePath, []byte("iso"), 0644)).To(Succeed())
	})
	AfterEach(func() {
		probeMock.Clean()
	})

	newController := func(opts session.Options, mounter mount.Interface) *session.Controller {
		opts.Device = device
		opts.SourcePath = sourcePath
		return session.New(opts, runner, mounter, probe.NewPaths(probeMock.Chroot), progress, types.NewNullLogger())
	}

	Describe("Single OS run", func() {
		BeforeEach(func() {
			probeMock.AddDisk(probe.Disk{Name: "disk", UUID: "555", SizeBytes: 16 * 1024 * 1024 * 1024})
			probeMock.CreateDevices()
		})

		It("Walks every stage and finishes clean", func() {
			controller := newController(session.Options{}, mount.NewFakeMounter(nil))
			verdict, err := controller.Run(context.Background())
			Expect(err).ToNot(HaveOccurred())
			Expect(verdict).To(Equal(session.VerdictClean))
			Expect(controller.Stage()).To(Equal(session.StageFinished))

			Expect(runner.Ran("wipefs", "--all", "--force", "/dev/disk")).To(BeTrue())
			Expect(runner.Ran("parted", "--script", "/dev/disk", "mklabel", "msdos")).To(BeTrue())
			// Empty source has no large files, FAT32 wins
			Expect(runner.Ran("mkdosfs", "-F", "32", "-n", "BOOTFORGE", "/dev/disk1")).To(BeTrue())
			Expect(runner.Ran("grub-install", "--target=i386-pc")).To(BeTrue())

			Expect(progress.stages).To(ContainElements(
				session.StageSourceMounted,
				session.StagePlanComputed,
				session.StageDeviceWiped,
				session.StagePartitionsCreated,
				session.StagePartitionsFormatted,
				session.StageFilesCopied,
				session.StageBootloaderInstalled,
				session.StageFinished,
			))
		})

		It("Honors the skip-bootloader switch", func() {
			controller := newController(session.Options{SkipLegacyBootloader: true}, mount.NewFakeMounter(nil))
			_, err := controller.Run(context.Background())
			Expect(err).ToNot(HaveOccurred())
			Expect(runner.Ran("grub-install")).To(BeFalse())
		})

		It("Applies the boot flag workaround when asked", func() {
			controller := newController(session.Options{WorkaroundBootFlag: true}, mount.NewFakeMounter(nil))
			_, err := controller.Run(context.Background())
			Expect(err).ToNot(HaveOccurred())
			Expect(runner.Ran("parted", "--script", "/dev/disk", "set", "1", "boot", "on")).To(BeTrue())
		})

		It("Auto-selects exFAT when the source carries a 4 GiB file", func() {
			srcDir := GinkgoT().TempDir()
			f, err := os.Create(filepath.Join(srcDir, "install.wim"))
			Expect(err).ToNot(HaveOccurred())
			Expect(f.Truncate(constants.LargeFileThreshold)).To(Succeed())
			f.Close()
			sourcePath = srcDir

			controller := newController(session.Options{}, mount.NewFakeMounter(nil))
			verdict, err := controller.Run(context.Background())
			Expect(err).ToNot(HaveOccurred())
			Expect(verdict).To(Equal(session.VerdictClean))
			Expect(controller.Stage()).To(Equal(session.StageFinished))

			Expect(runner.Ran("mkfs.exfat")).To(BeTrue())
			Expect(runner.Ran("mkdosfs")).To(BeFalse())
			// No support image configured, so the limitation is surfaced
			// rather than silently shipping an unbootable-under-UEFI stick.
			Expect(controller.Warnings()).To(ContainElement(ContainSubstring("UEFI support partition")))
		})

		It("Pairs NTFS with the support partition when an image is configured", func() {
			controller := newController(session.Options{
				Filesystem:       types.FSNtfs,
				SupportImagePath: "/usr/share/bootforge/uefi-ntfs.img",
			}, mount.NewFakeMounter(nil))
			verdict, err := controller.Run(context.Background())
			Expect(err).ToNot(HaveOccurred())
			Expect(verdict).To(Equal(session.VerdictClean))

			Expect(runner.Ran("mkntfs")).To(BeTrue())
			Expect(runner.Ran("dd", "if=/usr/share/bootforge/uefi-ntfs.img", "of=/dev/disk2")).To(BeTrue())
			Expect(controller.Warnings()).To(BeEmpty())
		})

		It("Aborts without touching the device when cancelled up front", func() {
			controller := newController(session.Options{}, mount.NewFakeMounter(nil))
			controller.Cancel()
			verdict, err := controller.Run(context.Background())
			Expect(err).To(MatchError(types.ErrCancelledByUser))
			Expect(verdict).To(Equal(session.VerdictClean))
			Expect(controller.Stage()).To(Equal(session.StageAborting))
			Expect(runner.Ran("wipefs")).To(BeFalse())
		})

		It("Reports unsafe when the target cannot be unmounted", func() {
			runner.Script("mkdosfs", executor.Result{}) // formats fine
			runner.Script("grub-install", executor.Result{ExitCode: 1, Stderr: "no space in sector 0"})
			controller := newController(session.Options{}, &stuckMounter{mount.NewFakeMounter(nil)})
			verdict, err := controller.Run(context.Background())
			Expect(err).To(MatchError(types.ErrBootloaderInstallFailed))
			Expect(verdict).To(Equal(session.VerdictUnsafe))
		})
	})

	Describe("Windows-To-Go run", func() {
		BeforeEach(func() {
			probeMock.AddDisk(probe.Disk{Name: "disk", UUID: "555", SizeBytes: 16 * 1024 * 1024 * 1024})
			probeMock.CreateDevices()

			srcDir := GinkgoT().TempDir()
			writeEFIImage(filepath.Join(srcDir, "Windows", "Boot", "EFI", "bootmgfw.efi"))
			Expect(os.MkdirAll(filepath.Join(srcDir, "sources"), 0755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(srcDir, "sources", "appraiserres.dll"), []byte{0}, 0644)).To(Succeed())
			sourcePath = srcDir
		})

		It("Boots through the copied loader, not a grub menu", func() {
			watcher := &espWatcher{FakeMounter: mount.NewFakeMounter(nil)}
			controller := newController(session.Options{WinToGo: true}, watcher)
			verdict, err := controller.Run(context.Background())
			Expect(err).ToNot(HaveOccurred())
			Expect(verdict).To(Equal(session.VerdictClean))
			Expect(controller.Stage()).To(Equal(session.StageFinished))

			Expect(runner.Ran("parted", "--script", "/dev/disk", "mklabel", "gpt")).To(BeTrue())
			Expect(runner.Ran("mkntfs")).To(BeTrue())
			Expect(watcher.sawLoader).To(BeTrue())
			Expect(watcher.sawMenu).To(BeFalse())
			Expect(runner.Ran("grub-install")).To(BeFalse())
			// Windows 11 media gets the requirement bypass merged offline.
			Expect(runner.Ran("hivexregedit", "--merge")).To(BeTrue())
			Expect(progress.stages).To(ContainElement(session.StagePortableConfigured))
		})
	})

	Describe("Busy device", func() {
		It("Refuses to start while a partition is mounted", func() {
			probeMock.AddDisk(probe.Disk{
				Name: "disk", UUID: "555", SizeBytes: 16 * 1024 * 1024 * 1024,
				Partitions: []*probe.Partition{
					{Name: "disk1", FS: "vfat", MountPoint: "/media/usb", SizeBytes: 1024 * 1024},
				},
			})
			probeMock.CreateDevices()
			controller := newController(session.Options{}, mount.NewFakeMounter(nil))
			_, err := controller.Run(context.Background())
			Expect(err).To(MatchError(types.ErrDeviceBusy))
		})
	})
})

var _ = Describe("Copier", func() {
	var src, dst string
	BeforeEach(func() {
		src = GinkgoT().TempDir()
		dst = GinkgoT().TempDir()
	})

	It("Copies the tree and reports whole percentages", func() {
		Expect(os.MkdirAll(filepath.Join(src, "sources"), 0755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(src, "bootmgr"), make([]byte, 1024), 0644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(src, "sources", "boot.wim"), make([]byte, 4096), 0644)).To(Succeed())
		progress := &progressRecorder{}

		copier := session.NewCopier(true, progress, nil)
		Expect(copier.CopyTree(context.Background(), src, dst)).To(Succeed())

		copied, err := os.ReadFile(filepath.Join(dst, "sources", "boot.wim"))
		Expect(err).ToNot(HaveOccurred())
		Expect(copied).To(HaveLen(4096))
		Expect(progress.percents).ToNot(BeEmpty())
		Expect(progress.percents[len(progress.percents)-1]).To(Equal(100))
	})

	It("Rejects oversized files on filesystems that cannot hold them", func() {
		f, err := os.Create(filepath.Join(src, "install.wim"))
		Expect(err).ToNot(HaveOccurred())
		Expect(f.Truncate(constants.LargeFileThreshold)).To(Succeed())
		f.Close()

		copier := session.NewCopier(false, nil, nil)
		err = copier.CopyTree(context.Background(), src, dst)
		Expect(err).To(MatchError(types.ErrLargeFileUnsupported))
	})

	It("Stops between chunks when cancelled", func() {
		Expect(os.WriteFile(filepath.Join(src, "a.bin"), make([]byte, 64), 0644)).To(Succeed())
		var cancelled atomic.Bool
		cancelled.Store(true)
		copier := session.NewCopier(true, nil, &cancelled)
		err := copier.CopyTree(context.Background(), src, dst)
		Expect(err).To(MatchError(types.ErrCancelledByUser))
		_, statErr := os.Stat(filepath.Join(dst, "a.bin"))
		Expect(os.IsNotExist(statErr)).To(BeTrue())
	})
})

var _ = Describe("Device locking", func() {
	It("Refuses a second session on the same device", func() {
		first, err := session.AcquireDeviceLock("/dev/locktest")
		Expect(err).ToNot(HaveOccurred())
		defer first.Release()

		_, err = session.AcquireDeviceLock("/dev/locktest")
		Expect(err).To(MatchError(types.ErrDeviceBusy))
	})

	It("Frees the device on release", func() {
		first, err := session.AcquireDeviceLock("/dev/locktest2")
		Expect(err).ToNot(HaveOccurred())
		first.Release()

		second, err := session.AcquireDeviceLock("/dev/locktest2")
		Expect(err).ToNot(HaveOccurred())
		second.Release()
	})
})
