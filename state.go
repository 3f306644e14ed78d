package pgslot

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
)

// On-disk slot state file format. The header is fixed across versions:
//
//	u32 magic
//	u32 checksum   CRC-32C of everything after this field
//	u32 version
//	u32 length     byte length of the version-dependent body
//	body[length]
//
// The magic and the checksum itself are not covered by the checksum.
const (
	stateMagic   = 0x1051CA1
	stateVersion = 1

	stateHeaderSize = 16

	// stateMaxBodyLen bounds the body so a corrupt length field cannot
	// trigger a huge allocation.
	stateMaxBodyLen = 4096
)

// StateFilename is the name of the per-slot state file.
const StateFilename = "state"

const (
	stateFlagTwoPhase = 1 << iota
	stateFlagFailover
	stateFlagSynced
)

var crc32c = crc32.MakeTable(crc32.Castagnoli)

// encodeSlotData serializes d into a complete state file image.
func encodeSlotData(d SlotData) ([]byte, error) {
	if len(d.Name) >= MaxNameLen {
		return nil, fmt.Errorf("slot name too long: %q", d.Name)
	}
	if len(d.Plugin) >= MaxNameLen {
		return nil, fmt.Errorf("plugin name too long: %q", d.Plugin)
	}

	body := make([]byte, 0, 64)
	body = binary.BigEndian.AppendUint16(body, uint16(len(d.Name)))
	body = append(body, d.Name...)
	body = binary.BigEndian.AppendUint16(body, uint16(len(d.Plugin)))
	body = append(body, d.Plugin...)

	var flags uint8
	if d.TwoPhase {
		flags |= stateFlagTwoPhase
	}
	if d.Failover {
		flags |= stateFlagFailover
	}
	if d.Synced {
		flags |= stateFlagSynced
	}
	body = append(body, uint8(d.Kind), uint8(d.Persistency), uint8(d.Invalidated), flags)

	body = binary.BigEndian.AppendUint32(body, d.DatabaseID)
	body = binary.BigEndian.AppendUint32(body, uint32(d.Xmin))
	body = binary.BigEndian.AppendUint32(body, uint32(d.CatalogXmin))
	body = binary.BigEndian.AppendUint64(body, uint64(d.RestartLSN))
	body = binary.BigEndian.AppendUint64(body, uint64(d.ConfirmedFlush))
	body = binary.BigEndian.AppendUint64(body, uint64(d.TwoPhaseAt))

	buf := make([]byte, stateHeaderSize, stateHeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[0:4], stateMagic)
	binary.BigEndian.PutUint32(buf[8:12], stateVersion)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(body)))
	buf = append(buf, body...)

	// Checksum covers version, length & body.
	binary.BigEndian.PutUint32(buf[4:8], crc32.Checksum(buf[8:], crc32c))

	return buf, nil
}

// decodeSlotData parses a state file image produced by encodeSlotData.
func decodeSlotData(buf []byte) (SlotData, error) {
	var d SlotData
	if len(buf) < stateHeaderSize {
		return d, fmt.Errorf("%w: truncated header (%d bytes)", ErrCorruptState, len(buf))
	}

	if magic := binary.BigEndian.Uint32(buf[0:4]); magic != stateMagic {
		return d, fmt.Errorf("%w: invalid magic 0x%x, expected 0x%x", ErrCorruptState, magic, stateMagic)
	}
	if version := binary.BigEndian.Uint32(buf[8:12]); version != stateVersion {
		return d, fmt.Errorf("%w: unsupported version %d", ErrCorruptState, version)
	}

	length := binary.BigEndian.Uint32(buf[12:16])
	if length > stateMaxBodyLen {
		return d, fmt.Errorf("%w: implausible body length %d", ErrCorruptState, length)
	}
	if len(buf) != stateHeaderSize+int(length) {
		return d, fmt.Errorf("%w: body length mismatch: header says %d, file has %d", ErrCorruptState, length, len(buf)-stateHeaderSize)
	}

	checksum := binary.BigEndian.Uint32(buf[4:8])
	if sum := crc32.Checksum(buf[8:], crc32c); sum != checksum {
		return d, fmt.Errorf("%w: checksum mismatch: 0x%08x != 0x%08x", ErrCorruptState, sum, checksum)
	}

	body := buf[stateHeaderSize:]
	name, body, err := readName(body)
	if err != nil {
		return d, err
	}
	plugin, body, err := readName(body)
	if err != nil {
		return d, err
	}
	if len(body) != 40 {
		return d, fmt.Errorf("%w: unexpected body remainder of %d bytes", ErrCorruptState, len(body))
	}

	d.Name = name
	d.Plugin = plugin
	d.Kind = SlotKind(body[0])
	d.Persistency = Persistency(body[1])
	d.Invalidated = InvalidatedReason(body[2])
	flags := body[3]
	d.TwoPhase = flags&stateFlagTwoPhase != 0
	d.Failover = flags&stateFlagFailover != 0
	d.Synced = flags&stateFlagSynced != 0

	d.DatabaseID = binary.BigEndian.Uint32(body[4:8])
	d.Xmin = XID(binary.BigEndian.Uint32(body[8:12]))
	d.CatalogXmin = XID(binary.BigEndian.Uint32(body[12:16]))
	d.RestartLSN = LSN(binary.BigEndian.Uint64(body[16:24]))
	d.ConfirmedFlush = LSN(binary.BigEndian.Uint64(body[24:32]))
	d.TwoPhaseAt = LSN(binary.BigEndian.Uint64(body[32:40]))

	if d.Kind != KindPhysical && d.Kind != KindLogical {
		return d, fmt.Errorf("%w: invalid slot kind %d", ErrCorruptState, body[0])
	}
	return d, nil
}

func readName(body []byte) (string, []byte, error) {
	if len(body) < 2 {
		return "", nil, fmt.Errorf("%w: truncated name length", ErrCorruptState)
	}
	n := int(binary.BigEndian.Uint16(body))
	body = body[2:]
	if n >= MaxNameLen || len(body) < n {
		return "", nil, fmt.Errorf("%w: invalid name length %d", ErrCorruptState, n)
	}
	return string(body[:n]), body[n:], nil
}

// writeStateFile atomically replaces the state file in dir with data. The
// sequence is write temp file, fsync file, rename, fsync dir & parent, so a
// crash at any point leaves either the old or the new state, never a mix.
func writeStateFile(osys OS, dir string, d SlotData) error {
	buf, err := encodeSlotData(d)
	if err != nil {
		return err
	}

	path := filepath.Join(dir, StateFilename)
	tmpPath := path + ".tmp"

	// Remove any leftover temp file from a previous crashed write.
	if err := osys.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale temp state: %w", err)
	}

	f, err := osys.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync state: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}

	if err := osys.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	if err := fsyncPath(osys, dir); err != nil {
		return fmt.Errorf("fsync slot dir: %w", err)
	}
	if err := fsyncPath(osys, filepath.Dir(dir)); err != nil {
		return fmt.Errorf("fsync slots dir: %w", err)
	}
	return nil
}

// readStateFile loads and validates the state file in dir. Any stale temp
// file is removed first; its contents were never made visible.
func readStateFile(osys OS, dir string) (SlotData, error) {
	path := filepath.Join(dir, StateFilename)

	if err := osys.Remove(path + ".tmp"); err != nil && !os.IsNotExist(err) {
		return SlotData{}, fmt.Errorf("remove stale temp state: %w", err)
	} else if err == nil {
		if err := fsyncPath(osys, dir); err != nil {
			return SlotData{}, fmt.Errorf("fsync slot dir: %w", err)
		}
	}

	// Fsync the state file & its directory so that an earlier unsynced
	// rename cannot be undone by a crash after we started relying on it.
	f, err := osys.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return SlotData{}, fmt.Errorf("open state: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return SlotData{}, fmt.Errorf("fsync state: %w", err)
	}
	if err := f.Close(); err != nil {
		return SlotData{}, fmt.Errorf("close state: %w", err)
	}
	if err := fsyncPath(osys, dir); err != nil {
		return SlotData{}, fmt.Errorf("fsync slot dir: %w", err)
	}

	buf, err := osys.ReadFile(path)
	if err != nil {
		return SlotData{}, fmt.Errorf("read state: %w", err)
	}
	d, err := decodeSlotData(buf)
	if err != nil {
		return SlotData{}, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// fsyncPath fsyncs a file or directory by path.
func fsyncPath(osys OS, path string) error {
	f, err := osys.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Sync(); err != nil {
		return err
	}
	return f.Close()
}
