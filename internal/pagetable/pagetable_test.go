package pagetable

import (
	"testing"

	"duokernel/internal/addr"
	"duokernel/internal/frame"
	"duokernel/internal/pte"
)

func TestSV39MapTranslateUnmap(t *testing.T) {
	alloc := frame.NewAllocator(0, 1024)
	pt, ok := NewSV39(alloc)
	if !ok {
		t.Fatal("alloc failed")
	}
	vpn := addr.VirtPageNum(0x1234)
	data, _ := alloc.Alloc()
	pt.Map(vpn, data.PPN(), pte.Valid|pte.Read|pte.Write|pte.User)

	got, ok := pt.Translate(vpn)
	if !ok {
		t.Fatal("translate missing mapping")
	}
	if got.PPN() != data.PPN() {
		t.Fatalf("ppn mismatch: got %v want %v", got.PPN(), data.PPN())
	}
	if !got.Writable() || !got.IsUser() {
		t.Fatalf("flags lost: %v", got.Flags())
	}

	va := addr.VirtAddr(uint64(vpn)<<addr.PageShift | 0x42)
	pa, ok := pt.TranslateVA(va)
	if !ok || pa.PageOffset() != 0x42 {
		t.Fatalf("bad VA translation: %v %v", pa, ok)
	}

	pt.Unmap(vpn)
	if _, ok := pt.Translate(vpn); ok {
		t.Fatal("expected unmap to clear mapping")
	}
}

func TestMapAssertsInvalidTarget(t *testing.T) {
	alloc := frame.NewAllocator(0, 1024)
	pt, _ := NewSV39(alloc)
	data, _ := alloc.Alloc()
	pt.Map(0, data.PPN(), pte.Valid)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic remapping a valid vpn")
		}
	}()
	pt.Map(0, data.PPN(), pte.Valid)
}

func TestUnmapAssertsValidTarget(t *testing.T) {
	alloc := frame.NewAllocator(0, 1024)
	pt, _ := NewSV39(alloc)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic unmapping an invalid vpn")
		}
	}()
	pt.Unmap(0)
}

func TestTokenRoundTrip(t *testing.T) {
	alloc := frame.NewAllocator(0, 1024)
	pt, _ := NewSV39(alloc)
	tok := pt.Token()
	if tok>>60 != 8 {
		t.Fatalf("bad SV39 token mode bits: %x", tok)
	}
	borrowed := SV39FromToken(alloc, tok)
	data, _ := alloc.Alloc()
	pt.Map(7, data.PPN(), pte.Valid|pte.Read)
	got, ok := borrowed.Translate(7)
	if !ok || got.PPN() != data.PPN() {
		t.Fatal("borrowed handle should see the same mappings")
	}
	borrowed.Free() // no-op: must not release frames it doesn't own
	if _, ok := pt.Translate(7); !ok {
		t.Fatal("borrowed.Free must not affect the owning table")
	}
}

func TestLoongArchMapTranslate(t *testing.T) {
	alloc := frame.NewAllocator(0, 2048)
	pt, ok := NewLoongArch(alloc)
	if !ok {
		t.Fatal("alloc failed")
	}
	vpn := addr.VirtPageNum(0xabcd)
	data, _ := alloc.Alloc()
	pt.Map(vpn, data.PPN(), pte.Valid|pte.Read|pte.User)
	got, ok := pt.Translate(vpn)
	if !ok || got.PPN() != data.PPN() {
		t.Fatal("loongarch translate failed")
	}
	tok := pt.Token()
	borrowed := LoongFromToken(alloc, tok)
	if _, ok := borrowed.Translate(vpn); !ok {
		t.Fatal("loongarch token round trip failed")
	}
}
