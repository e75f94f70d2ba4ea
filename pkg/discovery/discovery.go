// Package discovery walks the bus topology, reads every slave's SII
// identity and mailbox capability bits, enumerates its PDO mapping (CoE
// first, SII category fallback), allocates PDI slots, and emits a Network
// Description.
package discovery

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samsamfire/goethercat"
	"github.com/samsamfire/goethercat/pkg/netdesc"
	"github.com/samsamfire/goethercat/pkg/register"
)

// Fixed SII word offsets for the four identity fields (ETG.1000.6): each
// is a 32-bit (2-word) little-endian value.
const (
	siiWordVendorID    uint16 = 0x0008
	siiWordProductCode uint16 = 0x000A
	siiWordRevision    uint16 = 0x000C
	siiWordSerial      uint16 = 0x000E
)

// RegDCActivation is ETG.1000's DC activation register, read as a
// DC-capability fallback when SII category 60 is absent.
const RegDCActivation uint16 = 0x0980

// Discover performs the full discovery sequence and returns the resulting
// Network Description. Slaves whose SII could not be read at all are
// flagged Invalid and kept in the partial list; slaves whose PDO mapping
// could not be determined by either CoE or SII are flagged
// ManualConfigRequired and excluded from PDI slot allocation.
func Discover(ctx context.Context, client *register.Client, logger *slog.Logger) (*netdesc.NetworkDescription, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "discovery")

	count, err := walkTopology(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("discovery: topology walk: %w", err)
	}
	logger.Info("topology walk complete", "slaveCount", count)

	nd := &netdesc.NetworkDescription{
		Master: netdesc.MasterConfig{
			CyclePeriodUs: 10_000, // 10ms default cycle
			PDURetryCount: 3,
		},
	}

	outCursorBits, inCursorBits := 0, 0
	dcSeen := false

	for i := 0; i < count; i++ {
		slaveAddr := uint16(0x1000 + i)
		slave := netdesc.SlaveDescriptor{
			ConfiguredAddress:    slaveAddr,
			AutoIncrementAddress: -int16(i),
		}

		vendorID, productCode, revision, serial, err := readIdentity(ctx, client, slaveAddr)
		if err != nil {
			slave.Invalid = true
			slave.InvalidReason = err.Error()
			nd.Slaves = append(nd.Slaves, slave)
			logger.Warn("SII identity unreadable", "slave", i, "err", err)
			continue
		}
		slave.VendorID, slave.ProductCode = vendorID, productCode
		slave.RevisionNumber, slave.SerialNumber = revision, serial

		cats, catErr := readSIICategories(ctx, client, slaveAddr)
		if catErr != nil {
			logger.Warn("SII category scan incomplete", "slave", i, "err", catErr)
		}

		coe, foe, eoe := false, false, false
		if data, ok := findCategory(cats, siiCatGeneral); ok {
			coe, foe, eoe = generalCategoryMailboxFlags(data)
		}

		dcCapable := false
		if _, ok := findCategory(cats, siiCatDC); ok {
			dcCapable = true
		} else if reg, err := client.ReadRegister16(ctx, slaveAddr, RegDCActivation); err == nil && reg != 0 {
			dcCapable = true
		}
		dcSeen = dcSeen || dcCapable

		rx, tx, manual := enumeratePDOs(ctx, client, slaveAddr, cats)
		slave.ManualConfigRequired = manual
		if manual {
			logger.Warn("PDO mapping undiscoverable, manual configuration required", "slave", i)
		} else {
			outStart, inStart := outCursorBits, inCursorBits
			outCursorBits = allocateSlots(rx, outCursorBits)
			outBitLen := outCursorBits - outStart
			outCursorBits = alignByte(outCursorBits)

			inCursorBits = allocateSlots(tx, inCursorBits)
			inBitLen := inCursorBits - inStart
			inCursorBits = alignByte(inCursorBits)

			if len(rx) > 0 || len(tx) > 0 {
				slave.ProcessData = &netdesc.ProcessData{
					OutputByteOffset: outStart / 8,
					OutputBitLength:  outBitLen,
					InputByteOffset:  inStart / 8,
					InputBitLength:   inBitLen,
					Entries:          append(append([]netdesc.PDOEntry{}, rx...), tx...),
				}
			}
		}

		slave.Mailbox = netdesc.MailboxConfig{SupportsCoE: coe, SupportsFoE: foe, SupportsEoE: eoe}
		if coe {
			// ETG.1500 Class B recommendation.
			slave.Mailbox.StatusRegisterAddress = ethercat.RegMailboxStatus
			slave.Mailbox.PollPeriodMs = 20
		}

		nd.Slaves = append(nd.Slaves, slave)
	}

	nd.Master.DCSupport = dcSeen
	return nd, nil
}

// allocateSlots assigns PDIByteOffset to each entry starting at cursorBits
// (not yet byte-aligned) and returns the cursor after laying them all out.
func allocateSlots(entries []netdesc.PDOEntry, cursorBits int) int {
	for i := range entries {
		byteOffset := cursorBits / 8
		entries[i].PDIByteOffset = &byteOffset
		cursorBits += int(entries[i].BitLength)
	}
	return cursorBits
}

func alignByte(cursorBits int) int {
	if rem := cursorBits % 8; rem != 0 {
		cursorBits += 8 - rem
	}
	return cursorBits
}

// walkTopology counts the slaves on the bus via a broadcast read,
// retrying a busy/locked bus with exponential backoff and aborting
// immediately on a permission failure.
func walkTopology(ctx context.Context, client *register.Client) (int, error) {
	var lastErr error
	for attempt := 0; attempt < MaxDiscoveryAttempts; attempt++ {
		wkc, err := client.Broadcast(ctx, ethercat.CmdBRD, ethercat.RegALStatus, make([]byte, 2))
		switch {
		case err == nil:
			return wkc, nil
		case errors.Is(err, ethercat.ErrPermission):
			return 0, err
		case errors.Is(err, ethercat.ErrBusBusy):
			lastErr = err
			time.Sleep(Backoff(attempt))
			continue
		default:
			return 0, err
		}
	}
	return 0, lastErr
}

func readIdentity(ctx context.Context, client *register.Client, slaveAddr uint16) (vendorID, productCode, revision, serial uint32, err error) {
	read := func(wordAddr uint16) (uint32, error) {
		b, err := client.ReadSII(ctx, slaveAddr, wordAddr, 2)
		if err != nil {
			return 0, err
		}
		if len(b) < 4 {
			return 0, fmt.Errorf("discovery: short SII identity read at word 0x%04x", wordAddr)
		}
		return binary.LittleEndian.Uint32(b), nil
	}
	if vendorID, err = read(siiWordVendorID); err != nil {
		return
	}
	if productCode, err = read(siiWordProductCode); err != nil {
		return
	}
	if revision, err = read(siiWordRevision); err != nil {
		return
	}
	serial, err = read(siiWordSerial)
	return
}
