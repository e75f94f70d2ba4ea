package discovery

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/samsamfire/goethercat"
	"github.com/samsamfire/goethercat/pkg/netdesc"
	"github.com/samsamfire/goethercat/pkg/register"
)

// RxPDO/TxPDO assignment object indices (ETG.1000.6).
const (
	coeRxPDOAssign uint16 = 0x1C12
	coeTxPDOAssign uint16 = 0x1C13
)

// enumeratePDOs prefers a CoE SDO upload of the RxPDO/TxPDO assignment
// objects; when that yields nothing it falls back to the SII PDO
// categories already read into cats. If both fail, the slave is flagged
// manual-configuration-required.
func enumeratePDOs(ctx context.Context, client *register.Client, slaveAddr uint16, cats []siiCategory) (rx, tx []netdesc.PDOEntry, manual bool) {
	driver := client.Driver()

	rx, rxErr := coeAssignedPDOEntries(ctx, driver, slaveAddr, coeRxPDOAssign)
	tx, txErr := coeAssignedPDOEntries(ctx, driver, slaveAddr, coeTxPDOAssign)
	if rxErr == nil && txErr == nil && (len(rx) > 0 || len(tx) > 0) {
		return rx, tx, false
	}

	rx, tx = nil, nil
	if data, ok := findCategory(cats, siiCatRxPDO); ok {
		if entries, err := siiPDOEntries(data); err == nil {
			rx = entries
		}
	}
	if data, ok := findCategory(cats, siiCatTxPDO); ok {
		if entries, err := siiPDOEntries(data); err == nil {
			tx = entries
		}
	}
	if len(rx) == 0 && len(tx) == 0 {
		return nil, nil, true
	}
	return rx, tx, false
}

// coeAssignedPDOEntries uploads the PDO assignment list at assignIndex
// (0x1C12/0x1C13): subindex 0 gives the assignment count, subindices 1..n
// each give one assigned PDO's object index, and that PDO object's own
// subindex 0/1..m give the mapped entries in the standard packed
// {index:16, subIndex:8, bitLength:8} format (ETG.1000.6).
func coeAssignedPDOEntries(ctx context.Context, driver ethercat.Driver, slaveAddr uint16, assignIndex uint16) ([]netdesc.PDOEntry, error) {
	count, err := coeUploadU8(ctx, driver, slaveAddr, assignIndex, 0)
	if err != nil {
		return nil, err
	}

	var entries []netdesc.PDOEntry
	for i := 1; i <= int(count); i++ {
		buf, err := driver.SDOUpload(ctx, slaveAddr, assignIndex, uint8(i))
		if err != nil {
			return nil, err
		}
		if len(buf) < 2 {
			return nil, fmt.Errorf("discovery: short assigned-PDO upload at 0x%04x:%02x", assignIndex, i)
		}
		pdoIndex := binary.LittleEndian.Uint16(buf)

		mapped, err := coePDOMappingEntries(ctx, driver, slaveAddr, pdoIndex)
		if err != nil {
			return nil, err
		}
		entries = append(entries, mapped...)
	}
	return entries, nil
}

func coePDOMappingEntries(ctx context.Context, driver ethercat.Driver, slaveAddr uint16, pdoIndex uint16) ([]netdesc.PDOEntry, error) {
	count, err := coeUploadU8(ctx, driver, slaveAddr, pdoIndex, 0)
	if err != nil {
		return nil, err
	}

	entries := make([]netdesc.PDOEntry, 0, count)
	for j := 1; j <= int(count); j++ {
		buf, err := driver.SDOUpload(ctx, slaveAddr, pdoIndex, uint8(j))
		if err != nil {
			return nil, err
		}
		if len(buf) < 4 {
			return nil, fmt.Errorf("discovery: short PDO mapping entry at 0x%04x:%02x", pdoIndex, j)
		}
		packed := binary.LittleEndian.Uint32(buf)
		entryIndex := uint16(packed >> 16)
		entrySub := uint8(packed >> 8)
		bitLen := uint8(packed)

		entries = append(entries, netdesc.PDOEntry{
			Name:      fmt.Sprintf("%04x:%02x", entryIndex, entrySub),
			Index:     entryIndex,
			SubIndex:  entrySub,
			BitLength: bitLen,
			DataType:  dataTypeForBitLength(bitLen),
		})
	}
	return entries, nil
}

func coeUploadU8(ctx context.Context, driver ethercat.Driver, slaveAddr uint16, index uint16, subIndex uint8) (uint8, error) {
	buf, err := driver.SDOUpload(ctx, slaveAddr, index, subIndex)
	if err != nil {
		return 0, err
	}
	if len(buf) < 1 {
		return 0, fmt.Errorf("discovery: empty SDO upload at 0x%04x:%02x", index, subIndex)
	}
	return buf[0], nil
}
