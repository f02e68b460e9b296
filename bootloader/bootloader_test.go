package bootloader_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bootforge/bootforge/bootloader"
	"github.com/bootforge/bootforge/executor"
	"github.com/bootforge/bootforge/types"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestBootloader(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Bootloader test suite")
}

var _ = Describe("Bootloader installer", func() {
	var runner *executor.Fake
	var installer *bootloader.Installer
	var device types.Device
	var mount string

	BeforeEach(func() {
		runner = executor.NewFake()
		logger := types.NewNullLogger()
		installer = bootloader.New(runner, logger)
		device = types.Device{Path: "/dev/sdb"}
		mount = GinkgoT().TempDir()
	})

	Describe("Legacy path", func() {
		It("Installs to the boot sector and writes the chainload config", func() {
			err := installer.InstallLegacy(context.Background(), device, mount)
			Expect(err).ToNot(HaveOccurred())
			Expect(runner.Ran("grub-install", "--target=i386-pc", "--boot-directory="+mount, "--force", "/dev/sdb")).To(BeTrue())
			cfg, err := os.ReadFile(filepath.Join(mount, "grub", "grub.cfg"))
			Expect(err).ToNot(HaveOccurred())
			Expect(string(cfg)).To(Equal("ntldr /bootmgr\nboot\n"))
		})
		It("Surfaces grub-install failures", func() {
			runner.Script("grub-install", executor.Result{ExitCode: 1, Stderr: "embedding failed"})
			err := installer.InstallLegacy(context.Background(), device, mount)
			Expect(err).To(MatchError(types.ErrBootloaderInstallFailed))
		})
	})

	Describe("UEFI path", func() {
		entries := []types.BootEntry{
			{Kind: types.OSWindows, Title: "Windows 11", PartitionUUID: "1111-AAAA", FSModule: "ntfs", ChainloaderPath: bootloader.WindowsEFILoader},
			{Kind: types.OSWindows, Title: "Windows 10", PartitionUUID: "2222-BBBB", FSModule: "ntfs"},
			{Kind: types.OSLinux, Title: "Debian", PartitionUUID: "3333-CCCC", FSModule: "ext2",
				KernelPath: "/vmlinuz", InitrdPath: "/initrd.img", KernelParams: []string{"quiet", "splash"}},
		}

		It("Installs the removable loader and the aggregate menu", func() {
			err := installer.InstallUEFI(context.Background(), device, mount, entries)
			Expect(err).ToNot(HaveOccurred())
			Expect(runner.Ran("grub-install", "--target=x86_64-efi", "--efi-directory="+mount)).To(BeTrue())
			cfg, err := os.ReadFile(filepath.Join(mount, "boot", "grub", "grub.cfg"))
			Expect(err).ToNot(HaveOccurred())
			Expect(strings.Count(string(cfg), "menuentry ")).To(Equal(3))
		})

		It("Renders entries in declaration order with the right directives", func() {
			cfg := bootloader.RenderMenu(entries)
			first := strings.Index(cfg, `menuentry "Windows 11"`)
			second := strings.Index(cfg, `menuentry "Windows 10"`)
			third := strings.Index(cfg, `menuentry "Debian"`)
			Expect(first).To(BeNumerically(">=", 0))
			Expect(second).To(BeNumerically(">", first))
			Expect(third).To(BeNumerically(">", second))

			Expect(cfg).To(ContainSubstring("search --fs-uuid --set=root 1111-AAAA"))
			Expect(cfg).To(ContainSubstring("chainloader /EFI/Microsoft/Boot/bootmgfw.efi"))
			// A Windows entry without an explicit loader chainloads bootmgr
			Expect(cfg).To(ContainSubstring("chainloader /bootmgr"))
			Expect(cfg).To(ContainSubstring("insmod chain"))
			Expect(cfg).To(ContainSubstring("linux /vmlinuz root=UUID=3333-CCCC quiet splash"))
			Expect(cfg).To(ContainSubstring("initrd /initrd.img"))
			// The Linux entry loads its filesystem module, not chain
			debian := cfg[third:]
			Expect(debian).ToNot(ContainSubstring("insmod chain"))
			Expect(debian).To(ContainSubstring("insmod ext2"))
		})
	})

	Describe("Support image", func() {
		It("Raw-writes the image onto the partition", func() {
			err := installer.WriteSupportImage(context.Background(), "/usr/share/bootforge/uefi-ntfs.img", "/dev/sdb2")
			Expect(err).ToNot(HaveOccurred())
			Expect(runner.Ran("dd", "if=/usr/share/bootforge/uefi-ntfs.img", "of=/dev/sdb2", "bs=512", "conv=fsync")).To(BeTrue())
		})
	})
})
