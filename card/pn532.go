package card

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	pn532 "github.com/ZaparooProject/go-pn532"
	"github.com/ZaparooProject/go-pn532/transport/i2c"
	"github.com/ZaparooProject/go-pn532/transport/uart"
	log "github.com/sirupsen/logrus"
)

// mifareBlocksPerSector is the MIFARE Classic 1K sector size in blocks.
const mifareBlocksPerSector = 4

// PN532 implements Store for a PN532 transceiver reading MIFARE Classic
// cards. The slot is a single data block authenticated with key A.
type PN532 struct {
	device *pn532.Device
	block  uint8
	key    []byte

	// tag is the handle for the card returned by the last Probe.
	tag   *pn532.MIFARETag
	tagID string
}

// NewPN532 opens the PN532 on cfg.Device. Paths containing "i2c" use the
// I2C transport, anything else is treated as a serial port.
func NewPN532(cfg Config) (*PN532, error) {
	cfg.Defaults()

	key, err := hex.DecodeString(cfg.KeyA)
	if err != nil || len(key) != 6 {
		return nil, fmt.Errorf("key_a must be 12 hex digits, got %q", cfg.KeyA)
	}
	if cfg.Block%mifareBlocksPerSector == mifareBlocksPerSector-1 || cfg.Block < mifareBlocksPerSector {
		return nil, fmt.Errorf("block %d is a trailer or manufacturer block", cfg.Block)
	}

	device, err := pn532.ConnectDevice(cfg.Device,
		pn532.WithTransportFactory(newTransport),
		pn532.WithConnectTimeout(cfg.DetectTimeout))
	if err != nil {
		return nil, fmt.Errorf("connect pn532 %s: %w", cfg.Device, err)
	}

	if version, err := device.GetFirmwareVersion(); err == nil {
		log.Printf("PN532 firmware %s on %s", version.Version, cfg.Device)
	}

	return &PN532{
		device: device,
		block:  cfg.Block,
		key:    key,
	}, nil
}

func newTransport(path string) (pn532.Transport, error) {
	if strings.Contains(strings.ToLower(path), "i2c") {
		t, err := i2c.New(path)
		if err != nil {
			return nil, fmt.Errorf("open i2c transport: %w", err)
		}
		return t, nil
	}
	t, err := uart.New(path)
	if err != nil {
		return nil, fmt.Errorf("open uart transport: %w", err)
	}
	return t, nil
}

// Probe implements Store.Probe.
func (p *PN532) Probe(ctx context.Context) (*Card, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	detected, err := p.device.DetectTag()
	if err != nil {
		if errors.Is(err, pn532.ErrNoTagDetected) || errors.Is(err, pn532.ErrTimeout) {
			return nil, ErrNoCard
		}
		return nil, fmt.Errorf("detect tag: %w", err)
	}
	if detected == nil || len(detected.UIDBytes) == 0 {
		return nil, ErrNoCard
	}

	uid := append([]byte(nil), detected.UIDBytes...)
	p.tag = pn532.NewMIFARETag(p.device, uid, detected.SAK)
	p.tagID = hex.EncodeToString(uid)

	return &Card{ID: p.tagID, UID: uid}, nil
}

// ReadSlot implements Store.ReadSlot.
func (p *PN532) ReadSlot(ctx context.Context, c *Card) ([]byte, error) {
	if err := p.authenticate(ctx, c); err != nil {
		return nil, err
	}
	data, err := p.tag.ReadBlock(p.block)
	if err != nil {
		return nil, fmt.Errorf("read block %d: %w", p.block, err)
	}
	if len(data) != SlotSize {
		return nil, fmt.Errorf("read block %d: got %d bytes", p.block, len(data))
	}
	return data, nil
}

// WriteSlot implements Store.WriteSlot.
func (p *PN532) WriteSlot(ctx context.Context, c *Card, data []byte) error {
	if len(data) != SlotSize {
		return fmt.Errorf("slot must be %d bytes, got %d", SlotSize, len(data))
	}
	if err := p.authenticate(ctx, c); err != nil {
		return err
	}
	if err := p.tag.WriteBlock(p.block, data); err != nil {
		return fmt.Errorf("write block %d: %w", p.block, err)
	}
	return nil
}

func (p *PN532) authenticate(ctx context.Context, c *Card) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.tag == nil || c == nil || c.ID != p.tagID {
		return ErrCardChanged
	}
	sector := p.block / mifareBlocksPerSector
	if err := p.tag.Authenticate(sector, pn532.MIFAREKeyA, p.key); err != nil {
		return fmt.Errorf("%w: sector %d: %v", ErrAuth, sector, err)
	}
	return nil
}

// Close implements Store.Close.
func (p *PN532) Close() error {
	if p.device == nil {
		return nil
	}
	return p.device.Close()
}
