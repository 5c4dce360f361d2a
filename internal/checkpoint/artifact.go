package checkpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

/*
A restart artifact is laid out as follows:
    |-- 1 --||-- 2 --||-- ... 3 ... --||-- ... 4 ... --|

    1 - (int32) Endianness flag: 0 for big endian, -1 for little endian.
    2 - (int32) Size of the encoded header, checked on read.
    3 - (header) Magic, format version, run id, clock and the stage index
        the run resumes at.
    4 - zstd stream of the engine dump. Its decompressed length is recorded
        in the header.
*/

var (
	ErrNotFound = errors.New("checkpoint: not found")
	ErrCorrupt  = errors.New("checkpoint: corrupt artifact")
)

const formatVersion = 1

var magic = [8]byte{'J', 'E', 'T', 'P', 'O', 'O', 'L', 0}

type header struct {
	Magic   [8]byte
	Version uint32
	Resume  uint32
	RunID   [16]byte
	Step    int64
	Time    float64
	Dt      float64
	RawSize uint64
}

// Meta is the clock and run metadata stored alongside the engine dump.
type Meta struct {
	RunID uuid.UUID
	Step  int
	Time  float64
	Dt    float64
	// Resume is the index of the first stage still to run on Step.
	Resume int
}

type Artifact struct {
	Meta
	Payload []byte
}

// Encode writes a in little endian order with a compressed payload.
func Encode(w io.Writer, a Artifact) error {
	order := binary.ByteOrder(binary.LittleEndian)
	h := header{
		Magic:   magic,
		Version: formatVersion,
		Resume:  uint32(a.Resume),
		RunID:   a.RunID,
		Step:    int64(a.Step),
		Time:    a.Time,
		Dt:      a.Dt,
		RawSize: uint64(len(a.Payload)),
	}
	if err := binary.Write(w, order, int32(-1)); err != nil {
		return err
	}
	if err := binary.Write(w, order, int32(binary.Size(h))); err != nil {
		return err
	}
	if err := binary.Write(w, order, &h); err != nil {
		return err
	}

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if _, err := enc.Write(a.Payload); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

func readHeader(r io.Reader) (header, error) {
	var h header
	var flag int32
	// Flags are symmetric, so any order reads them.
	if err := binary.Read(r, binary.LittleEndian, &flag); err != nil {
		return h, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	var order binary.ByteOrder
	switch flag {
	case -1:
		order = binary.LittleEndian
	case 0:
		order = binary.BigEndian
	default:
		return h, fmt.Errorf("%w: bad endianness flag %d", ErrCorrupt, flag)
	}

	var size int32
	if err := binary.Read(r, order, &size); err != nil {
		return h, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if int(size) != binary.Size(h) {
		return h, fmt.Errorf("%w: header size %d, expected %d", ErrCorrupt, size, binary.Size(h))
	}
	if err := binary.Read(r, order, &h); err != nil {
		return h, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if h.Magic != magic {
		return h, fmt.Errorf("%w: not a restart artifact", ErrCorrupt)
	}
	if h.Version != formatVersion {
		return h, fmt.Errorf("%w: format version %d", ErrCorrupt, h.Version)
	}
	return h, nil
}

func (h header) meta() Meta {
	return Meta{
		RunID:  uuid.UUID(h.RunID),
		Step:   int(h.Step),
		Time:   h.Time,
		Dt:     h.Dt,
		Resume: int(h.Resume),
	}
}

// Decode reads an artifact written by Encode.
func Decode(r io.Reader) (Artifact, error) {
	h, err := readHeader(r)
	if err != nil {
		return Artifact{}, err
	}
	dec, err := zstd.NewReader(r)
	if err != nil {
		return Artifact{}, err
	}
	defer dec.Close()

	payload, err := io.ReadAll(dec)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if uint64(len(payload)) != h.RawSize {
		return Artifact{}, fmt.Errorf("%w: payload is %d bytes, header says %d", ErrCorrupt, len(payload), h.RawSize)
	}
	return Artifact{Meta: h.meta(), Payload: payload}, nil
}

// ReadFile loads the artifact at path. A missing file is ErrNotFound.
func ReadFile(path string) (Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Artifact{}, err
	}
	a, err := Decode(bytes.NewReader(data))
	if err != nil {
		return Artifact{}, fmt.Errorf("%s: %w", path, err)
	}
	return a, nil
}

// ReadMeta decodes only the header of the artifact at path.
func ReadMeta(path string) (Meta, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Meta{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Meta{}, err
	}
	defer f.Close()

	h, err := readHeader(f)
	if err != nil {
		return Meta{}, fmt.Errorf("%s: %w", path, err)
	}
	return h.meta(), nil
}

// WriteFile replaces path atomically, so a crash mid-write leaves the previous
// artifact intact.
func WriteFile(path string, a Artifact) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, a); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
