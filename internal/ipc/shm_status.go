/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package ipc

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"bitbucket.org/avd/go-ipc/mmf"
	"bitbucket.org/avd/go-ipc/shm"

	"stash.kopano.io/kgol/mailrouter/server"
)

// Status segment layout, little endian:
//
//	0    version (uint8)
//	1    payload length (uint32)
//	128  JSON payload, directly followed by its SHA-256 sum
const (
	defaultProjectID   = "mailrouterd"
	segmentSize        = 1024 * 1024
	segmentBodyOffset  = 128
	snapshotVersion1   = uint8(1)
	maxSnapshotPayload = segmentSize - segmentBodyOffset - sha256.Size
)

var errSnapshotTooLarge = errors.New("status snapshot does not fit into segment")

type snapshotHeader struct {
	Version uint8
	Length  uint32
}

// segmentName derives a stable shared memory name from the state path, so
// serve and status find the same segment.
func segmentName(statePath, projectID string) string {
	if projectID == "" {
		projectID = defaultProjectID
	}
	sum := sha256.Sum256([]byte(statePath + projectID))
	return projectID + "-status." + base64.RawURLEncoding.EncodeToString(sum[:8])
}

// encodeSnapshot returns the payload and its sum for status.
func encodeSnapshot(status *server.Status) ([]byte, [sha256.Size]byte, error) {
	payload, err := json.Marshal(status)
	if err != nil {
		return nil, [sha256.Size]byte{}, fmt.Errorf("failed to encode status: %w", err)
	}
	if len(payload) > maxSnapshotPayload {
		return nil, [sha256.Size]byte{}, errSnapshotTooLarge
	}
	return payload, sha256.Sum256(payload), nil
}

// decodeSnapshot checks body, which is payload and sum as announced by
// header, and decodes the status from it.
func decodeSnapshot(header snapshotHeader, body []byte) (*server.Status, error) {
	if header.Version != snapshotVersion1 {
		return nil, fmt.Errorf("unknown status snapshot version: %v", header.Version)
	}
	if int(header.Length) > maxSnapshotPayload || len(body) != int(header.Length)+sha256.Size {
		return nil, fmt.Errorf("invalid status snapshot size: %d", header.Length)
	}

	payload, sum := body[:header.Length], body[header.Length:]
	expected := sha256.Sum256(payload)
	if !bytes.Equal(expected[:], sum) {
		// A writer is between payload and sum, or the segment is damaged.
		return nil, errors.New("status snapshot signature mismatch")
	}

	status := &server.Status{}
	if err := json.Unmarshal(payload, status); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return status, nil
}

type shmSegment struct {
	name string
}

func (s *shmSegment) destroy() error {
	return shm.DestroyMemoryObject(s.name)
}

// write stores status. The payload goes first and its sum last, readers
// see a signature mismatch until the snapshot is complete.
func (s *shmSegment) write(status *server.Status) error {
	payload, sum, err := encodeSnapshot(status)
	if err != nil {
		return err
	}
	var header bytes.Buffer
	if err = binary.Write(&header, binary.LittleEndian, snapshotHeader{
		Version: snapshotVersion1,
		Length:  uint32(len(payload)),
	}); err != nil {
		return fmt.Errorf("failed to encode status header: %w", err)
	}

	obj, _, err := shm.NewMemoryObjectSize(s.name, os.O_CREATE|os.O_WRONLY, 0666, segmentSize)
	if err != nil {
		return fmt.Errorf("failed to open status segment: %w", err)
	}
	defer obj.Close()

	region, err := mmf.NewMemoryRegion(obj, mmf.MEM_READWRITE, 0, segmentSize)
	if err != nil {
		return fmt.Errorf("failed to map status segment: %w", err)
	}
	defer region.Close()

	w := mmf.NewMemoryRegionWriter(region)
	steps := []struct {
		what string
		data []byte
		at   int64
	}{
		{"payload", payload, segmentBodyOffset},
		{"header", header.Bytes(), 0},
		{"signature", sum[:], segmentBodyOffset + int64(len(payload))},
	}
	for _, step := range steps {
		n, writeErr := w.WriteAt(step.data, step.at)
		if writeErr == nil && n != len(step.data) {
			writeErr = io.ErrShortWrite
		}
		if writeErr != nil {
			return fmt.Errorf("failed to write status %s: %w", step.what, writeErr)
		}
		if err = region.Flush(false); err != nil {
			return fmt.Errorf("failed to flush status %s: %w", step.what, err)
		}
	}

	return nil
}

func (s *shmSegment) read() (*server.Status, error) {
	obj, err := shm.NewMemoryObject(s.name, os.O_RDONLY, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to open status segment: %w", err)
	}
	defer obj.Close()

	headerRegion, err := mmf.NewMemoryRegion(obj, mmf.MEM_READ_ONLY, 0, segmentBodyOffset)
	if err != nil {
		return nil, fmt.Errorf("failed to map status header: %w", err)
	}
	defer headerRegion.Close()

	var header snapshotHeader
	if err = binary.Read(mmf.NewMemoryRegionReader(headerRegion), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read status header: %w", err)
	}
	if int(header.Length) > maxSnapshotPayload {
		return nil, fmt.Errorf("invalid status snapshot size: %d", header.Length)
	}

	bodyRegion, err := mmf.NewMemoryRegion(obj, mmf.MEM_READ_ONLY, segmentBodyOffset, segmentSize-segmentBodyOffset)
	if err != nil {
		return nil, fmt.Errorf("failed to map status body: %w", err)
	}
	defer bodyRegion.Close()

	body := make([]byte, int(header.Length)+sha256.Size)
	if _, err = io.ReadFull(mmf.NewMemoryRegionReader(bodyRegion), body); err != nil {
		return nil, fmt.Errorf("failed to read status body: %w", err)
	}

	return decodeSnapshot(header, body)
}
