package multiboot_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"k8s.io/mount-utils"

	"github.com/bootforge/bootforge/constants"
	"github.com/bootforge/bootforge/executor"
	"github.com/bootforge/bootforge/multiboot"
	"github.com/bootforge/bootforge/probe"
	"github.com/bootforge/bootforge/probe/mocks"
	"github.com/bootforge/bootforge/session"
	"github.com/bootforge/bootforge/types"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestMultiboot(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Multiboot test suite")
}

// menuMounter keeps the last grub configuration seen at unmount time, since
// the orchestrator releases and removes its mount points before returning.
type menuMounter struct {
	*mount.FakeMounter
	menu string
}

func (m *menuMounter) Unmount(target string) error {
	if content, err := os.ReadFile(filepath.Join(target, "boot", "grub", "grub.cfg")); err == nil {
		m.menu = string(content)
	}
	return m.FakeMounter.Unmount(target)
}

var _ = Describe("Multiboot", func() {
	var runner *executor.Fake
	var probeMock mocks.ProbeMock
	var device types.Device
	var isoDir string

	makeISO := func(name string) string {
		path := filepath.Join(isoDir, name)
		Expect(os.WriteFile(path, []byte("iso"), 0644)).To(Succeed())
		return path
	}

	BeforeEach(func() {
		runner = executor.NewFake()
		probeMock = mocks.ProbeMock{}
		device = types.Device{Path: "/dev/disk", SizeBytes: 128 * constants.GB, Class: types.ClassFlash}
		isoDir = GinkgoT().TempDir()
	})
	AfterEach(func() {
		probeMock.Clean()
	})

	Describe("Manifest", func() {
		It("Loads and validates a full manifest", func() {
			path := filepath.Join(isoDir, "multiboot.yaml")
			Expect(os.WriteFile(path, []byte(`
device: /dev/disk
esp_size: 260M
shared:
  filesystem: exfat
  label: SHARED
systems:
  - name: Windows 11
    kind: windows
    source: /isos/win11.iso
    size: 20G
    filesystem: ntfs
  - name: Debian
    kind: linux
    source: /isos/debian.iso
    kernel: /vmlinuz
    initrd: /initrd.img
    params: quiet splash
`), 0644)).To(Succeed())

			m, err := multiboot.LoadManifest(path)
			Expect(err).ToNot(HaveOccurred())
			Expect(m.Systems).To(HaveLen(2))
			espSize, err := m.ESPSizeBytes()
			Expect(err).ToNot(HaveOccurred())
			Expect(espSize).To(Equal(260 * constants.MB))

			specs, err := m.InstallSpecs()
			Expect(err).ToNot(HaveOccurred())
			Expect(specs[0].SizeBytes).To(Equal(20 * constants.GB))
			Expect(specs[0].Filesystem).To(Equal(types.FSNtfs))
			Expect(specs[1].Kind).To(Equal(types.OSLinux))
		})

		It("Rejects systems of unknown kind", func() {
			m := &multiboot.Manifest{
				Device:  "/dev/disk",
				Systems: []multiboot.SystemSpec{{Name: "BeOS", Kind: "beos", Source: "/x.iso"}},
			}
			Expect(m.Validate()).To(HaveOccurred())
		})

		It("Splits kernel parameters shell-style", func() {
			params, err := multiboot.KernelParamsFor(`quiet splash acpi_osi="Windows 2020"`)
			Expect(err).ToNot(HaveOccurred())
			Expect(params).To(Equal([]string{"quiet", "splash", `acpi_osi=Windows 2020`}))
		})

		It("Parses suffixed sizes", func() {
			Expect(multiboot.ParseSize("512")).To(Equal(int64(512)))
			Expect(multiboot.ParseSize("64K")).To(Equal(64 * constants.KB))
			Expect(multiboot.ParseSize("20G")).To(Equal(20 * constants.GB))
			_, err := multiboot.ParseSize("lots")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Orchestration", func() {
		BeforeEach(func() {
			probeMock.AddDisk(probe.Disk{Name: "disk", UUID: "555", SizeBytes: 128 * 1024 * 1024 * 1024})
			probeMock.CreateDevices()
		})

		It("Builds two Windows, one Linux and a shared partition behind one menu", func() {
			manifest := &multiboot.Manifest{
				Device: "/dev/disk",
				Shared: &multiboot.SharedSpec{Filesystem: "exfat", Label: "SHARED"},
				Systems: []multiboot.SystemSpec{
					{Name: "Windows 11", Kind: "windows", Source: makeISO("win11.iso"), Size: "20G", Filesystem: "ntfs"},
					{Name: "Windows 10", Kind: "windows", Source: makeISO("win10.iso"), Size: "20G", Filesystem: "ntfs"},
					{Name: "Debian", Kind: "linux", Source: makeISO("debian.iso"), Size: "10G", Filesystem: "btrfs",
						Kernel: "/vmlinuz", Initrd: "/initrd.img", Params: "quiet"},
				},
			}
			Expect(manifest.Validate()).To(Succeed())

			mounter := &menuMounter{FakeMounter: mount.NewFakeMounter(nil)}
			orch := multiboot.New(runner, mounter, probe.NewPaths(probeMock.Chroot), nil, types.NewNullLogger())
			verdict, err := orch.Run(context.Background(), device, manifest)
			Expect(err).ToNot(HaveOccurred())
			Expect(verdict).To(Equal(session.VerdictClean))

			// One ESP plus four OS-purpose partitions
			created := 0
			for _, argv := range runner.Commands {
				if len(argv) > 5 && argv[0] == "parted" && argv[5] == "mkpart" {
					created++
				}
			}
			Expect(created).To(Equal(5))
			Expect(runner.Ran("parted", "--script", "/dev/disk", "mklabel", "gpt")).To(BeTrue())
			Expect(runner.Ran("mkdosfs", "-F", "32", "-n", "ESP", "/dev/disk1")).To(BeTrue())
			Expect(runner.Ran("mkntfs", "-f", "-L", "OS1", "-c", "4096", "/dev/disk2")).To(BeTrue())
			Expect(runner.Ran("mkntfs", "-f", "-L", "OS2", "-c", "4096", "/dev/disk3")).To(BeTrue())
			Expect(runner.Ran("mkfs.btrfs", "-f", "-L", "OS3", "/dev/disk4")).To(BeTrue())
			Expect(runner.Ran("mkfs.exfat", "-L", "SHARED", "-c", "128K", "-b", "1M", "/dev/disk5")).To(BeTrue())
			Expect(runner.Ran("grub-install", "--target=x86_64-efi")).To(BeTrue())

			// Exactly three menu entries, declaration order
			Expect(strings.Count(mounter.menu, "menuentry ")).To(Equal(3))
			first := strings.Index(mounter.menu, `menuentry "Windows 11"`)
			second := strings.Index(mounter.menu, `menuentry "Windows 10"`)
			third := strings.Index(mounter.menu, `menuentry "Debian"`)
			Expect(first).To(BeNumerically(">=", 0))
			Expect(second).To(BeNumerically(">", first))
			Expect(third).To(BeNumerically(">", second))
			Expect(mounter.menu).To(ContainSubstring("linux /vmlinuz root=UUID="))
		})

		It("Stops after releasing its own mounts when a copy target cannot hold the files", func() {
			manifest := &multiboot.Manifest{
				Device: "/dev/disk",
				Systems: []multiboot.SystemSpec{
					{Name: "Windows 11", Kind: "windows", Source: makeISO("win11.iso"), Filesystem: "ntfs"},
				},
			}
			runner.Script("mkntfs", executor.Result{ExitCode: 1, Stderr: "bad media"})
			mounter := &menuMounter{FakeMounter: mount.NewFakeMounter(nil)}
			orch := multiboot.New(runner, mounter, probe.NewPaths(probeMock.Chroot), nil, types.NewNullLogger())
			_, err := orch.Run(context.Background(), device, manifest)
			Expect(err).To(MatchError(types.ErrFormatFailed))
			Expect(runner.Ran("grub-install")).To(BeFalse())
		})
	})
})
