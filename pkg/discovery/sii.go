package discovery

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/samsamfire/goethercat/pkg/netdesc"
	"github.com/samsamfire/goethercat/pkg/register"
)

// SII category tags (ETG.2000): General carries mailbox-protocol support
// bits, DC carries Distributed-Clocks capability, RxPDO/TxPDO carry the
// fallback process-data mapping used when CoE PDO assignment upload fails.
const (
	siiCatGeneral   = 10
	siiCatDC        = 60
	siiCatRxPDO     = 50
	siiCatTxPDO     = 51
	siiCatEnd       = 0xFFFF
	siiCatStart     = 0x0040
	siiMaxCategories = 64 // defensive bound against a malformed EEPROM
)

type siiCategory struct {
	tag  uint16
	data []byte
}

// readSIICategories walks the SII category chain starting at word 0x0040:
// each category is a 2-word header (tag, word-length) followed by that
// many words of data, terminated by tag 0xFFFF.
func readSIICategories(ctx context.Context, client *register.Client, slaveAddr uint16) ([]siiCategory, error) {
	var cats []siiCategory
	wordAddr := uint16(siiCatStart)
	for i := 0; i < siiMaxCategories; i++ {
		header, err := client.ReadSII(ctx, slaveAddr, wordAddr, 2)
		if err != nil {
			return cats, err
		}
		if len(header) < 4 {
			return cats, fmt.Errorf("discovery: short SII category header at word 0x%04x", wordAddr)
		}
		tag := binary.LittleEndian.Uint16(header[0:2])
		if tag == siiCatEnd {
			return cats, nil
		}
		wordSize := binary.LittleEndian.Uint16(header[2:4])
		wordAddr += 2

		var data []byte
		if wordSize > 0 {
			data, err = client.ReadSII(ctx, slaveAddr, wordAddr, int(wordSize))
			if err != nil {
				return cats, err
			}
		}
		cats = append(cats, siiCategory{tag: tag, data: data})
		wordAddr += wordSize
	}
	return cats, fmt.Errorf("discovery: SII category chain exceeded %d entries without a terminator", siiMaxCategories)
}

func findCategory(cats []siiCategory, tag uint16) ([]byte, bool) {
	for _, c := range cats {
		if c.tag == tag {
			return c.data, true
		}
	}
	return nil, false
}

// generalCategoryMailboxFlags extracts the CoE/FoE/EoE support bits from
// an SII General category's "supported mailbox protocols" byte (ETG.2000
// Table 19, byte offset 7: bit1=EoE, bit2=CoE, bit3=FoE).
func generalCategoryMailboxFlags(data []byte) (coe, foe, eoe bool) {
	if len(data) < 8 {
		return false, false, false
	}
	b := data[7]
	eoe = b&0x02 != 0
	coe = b&0x04 != 0
	foe = b&0x08 != 0
	return
}

// siiPDOEntries parses a simplified RxPDO/TxPDO SII category (tag 50/51):
// a 4-byte header (PDO index, entry count, assigned sync manager, reserved)
// followed by entryCount entries of {index uint16, subIndex uint8,
// bitLength uint8}. This mirrors the header shape of ETG.2000's PDO
// category while omitting the name/data-type string-index subfields real
// categories also carry, since nothing in this repo resolves SII string
// indices to text.
func siiPDOEntries(data []byte) ([]netdesc.PDOEntry, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("discovery: short PDO category (%d bytes)", len(data))
	}
	count := int(data[2])
	entries := make([]netdesc.PDOEntry, 0, count)
	offset := 4
	for i := 0; i < count; i++ {
		if offset+4 > len(data) {
			return nil, fmt.Errorf("discovery: truncated PDO category entry %d", i)
		}
		idx := binary.LittleEndian.Uint16(data[offset:])
		sub := data[offset+2]
		bitLen := data[offset+3]
		entries = append(entries, netdesc.PDOEntry{
			Name:      fmt.Sprintf("%04x:%02x", idx, sub),
			Index:     idx,
			SubIndex:  sub,
			BitLength: bitLen,
			DataType:  dataTypeForBitLength(bitLen),
		})
		offset += 4
	}
	return entries, nil
}

func dataTypeForBitLength(bitLen uint8) netdesc.DataType {
	switch bitLen {
	case 1:
		return netdesc.BOOL
	case 8:
		return netdesc.UINT8
	case 16:
		return netdesc.UINT16
	case 32:
		return netdesc.UINT32
	case 64:
		return netdesc.UINT64
	default:
		return netdesc.UINT8
	}
}
