// Package register provides typed register and SII access: a thin wrapper
// around an ethercat.Driver that classifies every failure into a sentinel
// error category and applies the configured PDU retry count before giving
// up. The rest of the stack calls through this wrapper instead of touching
// the driver directly.
package register

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/samsamfire/goethercat"
)

// Client is the typed register/SII access point the discovery, ESM, and
// cyclic layers call through instead of touching an ethercat.Driver
// directly.
type Client struct {
	driver  ethercat.Driver
	retries int
	logger  *slog.Logger
}

// New wraps driver with pduRetryCount retries applied per operation (in
// addition to the first attempt) before a classified failure is returned.
func New(driver ethercat.Driver, pduRetryCount int, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if pduRetryCount < 0 {
		pduRetryCount = 0
	}
	return &Client{driver: driver, retries: pduRetryCount, logger: logger.With("component", "register")}
}

// Driver returns the underlying collaborator, for callers (pkg/discovery's
// CoE PDO enumeration, pkg/esm's SDO init commands) that need the mailbox
// or SDO surface this package does not wrap.
func (c *Client) Driver() ethercat.Driver { return c.driver }

// classify maps a driver exchange outcome to an error category. expectWKC
// is the WKC value a correctly-processed datagram should report (1 for a
// unicast FPRD/FPWR).
func classify(wkc int, err error, expectWKC int) error {
	switch {
	case err != nil && errors.Is(err, ethercat.ErrTimeout):
		return ethercat.ErrTimeout
	case wkc == ethercat.ExchangePDUTimeout:
		return ethercat.ErrTimeout
	case err != nil && errors.Is(err, ethercat.ErrSlaveUnreachable):
		return ethercat.ErrSlaveUnreachable
	case wkc < 0:
		return fmt.Errorf("%w: driver returned %d", ethercat.ErrDriverFatal, wkc)
	case wkc != expectWKC:
		return ethercat.ErrWKCMismatch
	default:
		return nil
	}
}

// call runs fn up to 1+retries times, stopping as soon as it classifies to
// nil. The last classified error category is returned after exhaustion.
func (c *Client) call(fn func() (wkc int, err error), expectWKC int) error {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		wkc, err := fn()
		if classErr := classify(wkc, err, expectWKC); classErr == nil {
			return nil
		} else if errors.Is(classErr, ethercat.ErrDriverFatal) {
			// Fatal driver failures are not retried.
			return classErr
		} else {
			lastErr = classErr
		}
	}
	return lastErr
}

// ReadRegister reads width bytes from addr on the slave at slaveAddr using
// FPRD (configured-address physical read), expecting WKC 1.
func (c *Client) ReadRegister(ctx context.Context, slaveAddr uint16, addr uint16, width int) ([]byte, error) {
	buf := make([]byte, width)
	err := c.call(func() (int, error) {
		return c.driver.ExchangeFrame(ctx, ethercat.CmdFPRD, slaveAddr, addr, buf)
	}, 1)
	if err != nil {
		return nil, fmt.Errorf("register: read 0x%04x from slave 0x%04x: %w", addr, slaveAddr, err)
	}
	return buf, nil
}

// WriteRegister writes data to addr on the slave at slaveAddr using FPWR
// (configured-address physical write), expecting WKC 1.
func (c *Client) WriteRegister(ctx context.Context, slaveAddr uint16, addr uint16, data []byte) error {
	return c.WriteRegisterExpect(ctx, slaveAddr, addr, data, 1)
}

// WriteRegisterExpect is WriteRegister with a caller-supplied expected
// working counter, used by init commands that carry an explicit expectedWkc.
func (c *Client) WriteRegisterExpect(ctx context.Context, slaveAddr uint16, addr uint16, data []byte, expectWKC int) error {
	err := c.call(func() (int, error) {
		return c.driver.ExchangeFrame(ctx, ethercat.CmdFPWR, slaveAddr, addr, data)
	}, expectWKC)
	if err != nil {
		return fmt.Errorf("register: write 0x%04x on slave 0x%04x: %w", addr, slaveAddr, err)
	}
	return nil
}

// ReadRegister16/WriteRegister16 are convenience wrappers for the
// little-endian 16-bit registers the ESM and watchdog paths touch.
func (c *Client) ReadRegister16(ctx context.Context, slaveAddr uint16, addr uint16) (uint16, error) {
	buf, err := c.ReadRegister(ctx, slaveAddr, addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf), nil
}

func (c *Client) WriteRegister16(ctx context.Context, slaveAddr uint16, addr uint16, value uint16) error {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, value)
	return c.WriteRegister(ctx, slaveAddr, addr, buf)
}

// ReadSII reads wordCount words (2 bytes each) starting at wordAddr from
// the slave's SII EEPROM.
func (c *Client) ReadSII(ctx context.Context, slaveAddr uint16, wordAddr uint16, wordCount int) ([]byte, error) {
	var buf []byte
	err := c.call(func() (int, error) {
		b, err := c.driver.ReadSII(ctx, slaveAddr, wordAddr, wordCount)
		if err != nil {
			return -1, err
		}
		buf = b
		return 1, nil
	}, 1)
	if err != nil {
		return nil, fmt.Errorf("register: SII read word 0x%04x (%d words) on slave 0x%04x: %w", wordAddr, wordCount, slaveAddr, err)
	}
	return buf, nil
}

// Broadcast issues a BRD/BWR datagram addressed to every slave and returns
// the raw WKC (the number of slaves that processed it), used by discovery
// to count slaves on the bus. Broadcasts are not
// retried against a WKC expectation since the expected count is the very
// thing being discovered.
func (c *Client) Broadcast(ctx context.Context, command ethercat.DatagramCommand, regAddr uint16, payload []byte) (wkc int, err error) {
	wkc, err = c.driver.ExchangeFrame(ctx, command, 0, regAddr, payload)
	if wkc == ethercat.ExchangePDUTimeout {
		return 0, ethercat.ErrTimeout
	}
	if wkc < 0 {
		return 0, fmt.Errorf("%w: driver returned %d", ethercat.ErrDriverFatal, wkc)
	}
	return wkc, nil
}
