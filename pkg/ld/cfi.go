package ld

import (
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/blacktop/machobj/pkg/macho"
)

// DW_EH_PE pointer encodings
const (
	ehPEAbsPtr   = 0x00
	ehPEULEB128  = 0x01
	ehPEUData2   = 0x02
	ehPEUData4   = 0x03
	ehPEUData8   = 0x04
	ehPESLEB128  = 0x09
	ehPESData2   = 0x0a
	ehPESData4   = 0x0b
	ehPESData8   = 0x0c
	ehPEPCRel    = 0x10
	ehPEIndirect = 0x80
	ehPEOmit     = 0xff
)

// cfiRecord is one decoded CIE or FDE of __eh_frame.
type cfiRecord struct {
	addr, size uint64
	isCIE      bool

	// CIE
	augmentation    string
	fdeEnc          uint8
	lsdaEnc         uint8
	personalityEnc  uint8
	personalityOff  uint32
	personalityAddr uint64
	// personalityName is set when the personality pointer was a GOT relocation.
	personalityName string
	hasPersonality  bool
	signalFrame     bool
	returnReg       uint64

	// FDE
	cieAddr    uint64
	cieOff     uint32
	funcOff    uint32
	funcAddr   uint64
	funcSize   uint64
	lsdaOff    uint32
	lsdaAddr   uint64
	hasLSDA    bool
	ptrEnc     uint8
	lsdaPtrEnc uint8
}

// encodedSize is the field width of a fixed-size pointer encoding, or 0 for LEB128.
func encodedSize(enc uint8, ptrSize int) int {
	switch enc & 0x0f {
	case ehPEAbsPtr:
		return ptrSize
	case ehPEUData2, ehPESData2:
		return 2
	case ehPEUData4, ehPESData4:
		return 4
	case ehPEUData8, ehPESData8:
		return 8
	}
	return 0
}

type cfiReader struct {
	buf     []byte
	base    uint64
	ptrSize int
	bo      binary.ByteOrder
}

// need checks that n bytes at off lie before end.
func (r *cfiReader) need(off, n, end int) error {
	if n < 0 || off < 0 || off+n > end || end > len(r.buf) {
		return errors.Errorf("__eh_frame record truncated at offset %#x", off)
	}
	return nil
}

// rest returns the record bytes from off up to end.
func (r *cfiReader) rest(off, end int) ([]byte, error) {
	if err := r.need(off, 0, end); err != nil {
		return nil, err
	}
	return r.buf[off:end], nil
}

// readPointer decodes an encoded pointer at off, which must end before end,
// and returns the resolved address and the number of bytes consumed.
func (r *cfiReader) readPointer(off, end int, enc uint8) (uint64, int, error) {
	if enc == ehPEOmit {
		return 0, 0, nil
	}
	var v uint64
	var n int
	switch enc & 0x0f {
	case ehPEULEB128, ehPESLEB128:
		b, err := r.rest(off, end)
		if err != nil {
			return 0, 0, err
		}
		if enc&0x0f == ehPEULEB128 {
			v, n, err = readULEB128(b)
		} else {
			var sv int64
			sv, n, err = readSLEB128(b)
			v = uint64(sv)
		}
		if err != nil {
			return 0, 0, err
		}
	default:
		n = encodedSize(enc, r.ptrSize)
		if n == 0 {
			return 0, 0, errors.Errorf("unsupported pointer encoding %#x in __eh_frame", enc)
		}
		if err := r.need(off, n, end); err != nil {
			return 0, 0, err
		}
		switch n {
		case 2:
			v = uint64(r.bo.Uint16(r.buf[off:]))
			if enc&0x0f == ehPESData2 {
				v = uint64(int64(int16(v)))
			}
		case 4:
			v = uint64(r.bo.Uint32(r.buf[off:]))
			if enc&0x0f == ehPESData4 || (enc&0x0f == ehPEAbsPtr && enc&0x70 == ehPEPCRel) {
				v = uint64(int64(int32(v)))
			}
		case 8:
			v = r.bo.Uint64(r.buf[off:])
		}
	}
	switch enc & 0x70 {
	case 0:
	case ehPEPCRel:
		v += r.base + uint64(off)
	default:
		return 0, 0, errors.Errorf("unsupported pointer application %#x in __eh_frame", enc&0x70)
	}
	if r.ptrSize == 4 {
		v &= 0xffffffff
	}
	return v, n, nil
}

// parseCFI decodes a relocated copy of __eh_frame into CIE and FDE records.
func parseCFI(buf []byte, base uint64, ptrSize int, bo binary.ByteOrder, gotNames map[uint32]string) ([]cfiRecord, error) {
	r := &cfiReader{buf: buf, base: base, ptrSize: ptrSize, bo: bo}
	var recs []cfiRecord
	cies := make(map[uint64]int)

	for off := 0; off < len(buf); {
		if err := r.need(off, 4, len(buf)); err != nil {
			return nil, err
		}
		start := off
		length := uint64(bo.Uint32(buf[off:]))
		p := off + 4
		if length == 0xffffffff {
			if err := r.need(p, 8, len(buf)); err != nil {
				return nil, err
			}
			length = bo.Uint64(buf[p:])
			p += 8
		}
		if length == 0 {
			break
		}
		end := p + int(length)
		if end > len(buf) || end < p {
			return nil, errors.Errorf("__eh_frame record at %#x extends past end of section", start)
		}
		if err := r.need(p, 4, end); err != nil {
			return nil, err
		}
		idOff := p
		id := bo.Uint32(buf[p:])
		p += 4
		rec := cfiRecord{addr: base + uint64(start), size: uint64(end - start)}

		if id == 0 {
			rec.isCIE = true
			if err := r.parseCIE(&rec, p, end, start, gotNames); err != nil {
				return nil, err
			}
			cies[rec.addr] = len(recs)
		} else {
			rec.cieOff = uint32(idOff - start)
			rec.cieAddr = base + uint64(idOff) - uint64(id)
			ci, ok := cies[rec.cieAddr]
			if !ok {
				return nil, errors.Errorf("FDE at %#x points to unknown CIE at %#x", rec.addr, rec.cieAddr)
			}
			if err := r.parseFDE(&rec, &recs[ci], p, end, start); err != nil {
				return nil, err
			}
		}
		recs = append(recs, rec)
		off = end
	}
	return recs, nil
}

func (r *cfiReader) parseCIE(rec *cfiRecord, p, end, start int, gotNames map[uint32]string) error {
	if err := r.need(p, 1, end); err != nil {
		return err
	}
	version := r.buf[p]
	p++
	if version != 1 && version != 3 && version != 4 {
		return errors.Errorf("CIE at %#x has unsupported version %d", rec.addr, version)
	}
	b, err := r.rest(p, end)
	if err != nil {
		return err
	}
	aug := cstringAt(b)
	rec.augmentation = aug
	p += len(aug) + 1
	if version == 4 {
		p += 2 // address_size, segment_size
	}
	if p > end {
		return errors.Errorf("CIE at %#x truncated", rec.addr)
	}
	n, err := r.skipULEB128(p, end) // code alignment
	if err != nil {
		return err
	}
	p += n
	if b, err = r.rest(p, end); err != nil {
		return err
	}
	if _, n, err = readSLEB128(b); err != nil { // data alignment
		return err
	}
	p += n
	if version == 1 {
		if err := r.need(p, 1, end); err != nil {
			return err
		}
		rec.returnReg = uint64(r.buf[p])
		p++
	} else {
		if b, err = r.rest(p, end); err != nil {
			return err
		}
		if rec.returnReg, n, err = readULEB128(b); err != nil {
			return err
		}
		p += n
	}
	rec.fdeEnc = ehPEAbsPtr
	rec.lsdaEnc = ehPEOmit
	rec.personalityEnc = ehPEOmit
	if !strings.HasPrefix(aug, "z") {
		return nil
	}
	if n, err = r.skipULEB128(p, end); err != nil {
		return err
	}
	p += n
	for _, c := range aug[1:] {
		switch c {
		case 'P':
			if err := r.need(p, 1, end); err != nil {
				return err
			}
			rec.personalityEnc = r.buf[p]
			p++
			rec.personalityOff = uint32(p - start)
			rec.hasPersonality = true
			if name, ok := gotNames[uint32(p)]; ok {
				rec.personalityName = name
				if n := encodedSize(rec.personalityEnc, r.ptrSize); n > 0 {
					if err := r.need(p, n, end); err != nil {
						return err
					}
					p += n
					continue
				}
			}
			v, n, err := r.readPointer(p, end, rec.personalityEnc)
			if err != nil {
				return err
			}
			rec.personalityAddr = v
			p += n
		case 'L':
			if err := r.need(p, 1, end); err != nil {
				return err
			}
			rec.lsdaEnc = r.buf[p]
			p++
		case 'R':
			if err := r.need(p, 1, end); err != nil {
				return err
			}
			rec.fdeEnc = r.buf[p]
			p++
		case 'S':
			rec.signalFrame = true
		case 'B', 'G':
		default:
			return errors.Errorf("CIE at %#x has unknown augmentation %q", rec.addr, aug)
		}
	}
	if p > end {
		return errors.Errorf("CIE at %#x augmentation data overruns record", rec.addr)
	}
	return nil
}

func (r *cfiReader) parseFDE(rec, cie *cfiRecord, p, end, start int) error {
	rec.ptrEnc = cie.fdeEnc
	rec.funcOff = uint32(p - start)
	v, n, err := r.readPointer(p, end, cie.fdeEnc)
	if err != nil {
		return err
	}
	rec.funcAddr = v
	p += n
	sz, n, err := r.readPointer(p, end, cie.fdeEnc&0x0f)
	if err != nil {
		return err
	}
	rec.funcSize = sz
	p += n
	if !strings.HasPrefix(cie.augmentation, "z") {
		return nil
	}
	if n, err = r.skipULEB128(p, end); err != nil { // augmentation length
		return err
	}
	p += n
	if cie.lsdaEnc == ehPEOmit {
		return nil
	}
	rec.lsdaPtrEnc = cie.lsdaEnc
	off := p
	raw, _, err := r.readPointer(p, end, cie.lsdaEnc&0x0f)
	if err != nil {
		return err
	}
	if raw == 0 {
		return nil
	}
	v, _, err = r.readPointer(p, end, cie.lsdaEnc)
	if err != nil {
		return err
	}
	rec.lsdaOff = uint32(off - start)
	rec.lsdaAddr = v
	rec.hasLSDA = true
	return nil
}

func (r *cfiReader) skipULEB128(p, end int) (int, error) {
	b, err := r.rest(p, end)
	if err != nil {
		return 0, err
	}
	_, n, err := readULEB128(b)
	return n, err
}

func cstringAt(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// relocateEHFrame applies __eh_frame's own relocations to a copy of the
// section. GOT relocations are not applied; the symbol names are returned
// keyed by section offset.
func (p *parser) relocateEHFrame(s *macho.Section) ([]byte, map[uint32]string, error) {
	buf := slices.Clone(s.Data())
	gotNames := make(map[uint32]string)
	if p.arch.ehReloc == nil {
		return buf, gotNames, nil
	}
	relocs := s.Relocs
	for i := 0; i < len(relocs); i++ {
		r := relocs[i]
		if int(r.Addr)+r.Size() > len(buf) {
			return nil, nil, formatErrorf("__eh_frame relocation at %#x out of range", r.Addr)
		}
		switch p.arch.ehReloc(r) {
		case ehRelocSubtractor:
			if i+1 >= len(relocs) || p.arch.ehReloc(relocs[i+1]) != ehRelocUnsigned ||
				relocs[i+1].Len != r.Len || relocs[i+1].Addr != r.Addr {
				return nil, nil, formatErrorf("__eh_frame subtractor relocation at %#x not followed by an unsigned relocation", r.Addr)
			}
			from, err := p.ehSymbolValue(r)
			if err != nil {
				return nil, nil, err
			}
			i++
			to, err := p.ehSymbolValue(relocs[i])
			if err != nil {
				return nil, nil, err
			}
			addContent(buf, r.Addr, r.Len, to-from)
		case ehRelocUnsigned:
			v, err := p.ehSymbolValue(r)
			if err != nil {
				return nil, nil, err
			}
			addContent(buf, r.Addr, r.Len, v)
		case ehRelocGOT:
			if !r.Extern {
				return nil, nil, formatErrorf("__eh_frame GOT relocation at %#x is not extern", r.Addr)
			}
			sym, err := p.symbol(r.Symnum)
			if err != nil {
				return nil, nil, err
			}
			gotNames[r.Addr] = sym.Name
		}
	}
	return buf, gotNames, nil
}

func (p *parser) ehSymbolValue(r macho.Reloc) (uint64, error) {
	if !r.Extern {
		return 0, nil
	}
	sym, err := p.symbol(r.Symnum)
	if err != nil {
		return 0, err
	}
	return sym.Value, nil
}

func addContent(buf []byte, off uint32, length uint8, delta uint64) {
	switch length {
	case 2:
		v := binary.LittleEndian.Uint32(buf[off:])
		binary.LittleEndian.PutUint32(buf[off:], v+uint32(delta))
	case 3:
		v := binary.LittleEndian.Uint64(buf[off:])
		binary.LittleEndian.PutUint64(buf[off:], v+delta)
	}
}
