// Package memory maintains the table of guest memory regions a master
// has shared with the device and translates guest and master addresses
// into locally mapped byte slices.
package memory

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift

	// RegionsMax mirrors the vhost-user limit of 8 regions per device.
	RegionsMax = 8
)

// Region is one mapped guest memory region. A region is live iff hva is
// non-nil.
type Region struct {
	gpa   uint64
	uva   uint64
	hva   []byte
	pages uint32
	fd    int
}

func (r *Region) size() uint64 {
	return uint64(r.pages) << PageShift
}

// Map is the per-device guest memory table. Lookups are linear: the
// table is tiny and search cost is irrelevant.
type Map struct {
	regions [RegionsMax]Region
}

// Map mmaps fd shared and read-write into slot index.
//
// Re-mapping an occupied slot with the same (gpa, pages) pair keeps the
// existing mapping and closes the duplicate fd: qemu resends the table
// whenever its internal mappings change, even when nothing the device
// cares about moved. Any other collision is EBUSY.
func (m *Map) Map(index int, gpa, uva, size, offset uint64, fd int) error {
	if index < 0 || index >= RegionsMax {
		logrus.Errorf("memory: region index %d out of range (max %d)", index, RegionsMax)
		return unix.EINVAL
	}

	if size&(PageSize-1) != 0 || offset&(PageSize-1) != 0 {
		logrus.Errorf("memory: region %d not page aligned: size 0x%x, offset 0x%x", index, size, offset)
		return unix.EINVAL
	}

	pages := uint32(size >> PageShift)

	reg := &m.regions[index]
	if reg.hva != nil {
		if reg.gpa == gpa && reg.pages == pages {
			unix.Close(fd)
			return nil
		}

		logrus.Errorf("memory: region %d already mapped: stored gpa 0x%x, new gpa 0x%x", index, reg.gpa, gpa)

		return unix.EBUSY
	}

	hva, err := unix.Mmap(fd, int64(offset), int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		logrus.Errorf("memory: mmap region %d: %v", index, err)
		return errors.Wrap(err, "mmap guest region")
	}

	reg.gpa = gpa
	reg.uva = uva
	reg.hva = hva
	reg.pages = pages
	reg.fd = fd

	logrus.Debugf("memory: region %d mapped: gpa 0x%x, uva 0x%x, pages %d, fd %d", index, gpa, uva, pages, fd)

	return nil
}

// Unmap releases slot index if it is live and closes its fd.
func (m *Map) Unmap(index int) {
	if index < 0 || index >= RegionsMax {
		return
	}

	reg := &m.regions[index]
	if reg.hva == nil {
		return
	}

	if err := unix.Munmap(reg.hva); err != nil {
		logrus.Errorf("memory: munmap region %d: %v", index, err)
	}

	unix.Close(reg.fd)

	*reg = Region{}
}

// UnmapAll releases every live region.
func (m *Map) UnmapAll() {
	for i := range m.regions {
		m.Unmap(i)
	}
}

// Live returns the number of mapped regions.
func (m *Map) Live() int {
	n := 0

	for i := range m.regions {
		if m.regions[i].hva != nil {
			n++
		}
	}

	return n
}

// TranslateUVA resolves a master userspace address into the local
// mapping. The returned slice extends from uva to the end of its
// region; nil if no region covers uva.
func (m *Map) TranslateUVA(uva uint64) []byte {
	for i := range m.regions {
		reg := &m.regions[i]
		if reg.hva != nil && uva >= reg.uva && uva-reg.uva < reg.size() {
			return reg.hva[uva-reg.uva:]
		}
	}

	return nil
}

// TranslateGPA resolves a guest physical range into the local mapping.
// The whole of [gpa, gpa+length) must fall inside a single region; a
// range crossing region boundaries and a zero length both yield nil.
func (m *Map) TranslateGPA(gpa uint64, length uint32) []byte {
	if length == 0 {
		return nil
	}

	for i := range m.regions {
		reg := &m.regions[i]
		if reg.hva == nil || gpa < reg.gpa || gpa-reg.gpa >= reg.size() {
			continue
		}

		off := gpa - reg.gpa
		if off+uint64(length) > reg.size() {
			return nil
		}

		return reg.hva[off : off+uint64(length)]
	}

	return nil
}
