package libmft

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame layout for handing manifests between cooperating processes, in
// little-endian order:
//
//	stale     uint32
//	path      string
//	count     uint64
//	per file: name string, digest 32 raw bytes
//	aia, aki, ski strings
//
// where a string is a uint64 length followed by that many raw bytes. The
// peer is trusted: a fault in the middle of a frame means the stream is
// broken beyond recovery and the reader panics instead of guessing.

const maxWireString = 1 << 24

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeString(w io.Writer, s string) error {
	if err := writeUint64(w, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readBytes(r io.Reader, buf []byte) {
	if _, err := io.ReadFull(r, buf); err != nil {
		panic(fmt.Sprintf("wire: short read: %v", err))
	}
}

func readUint32(r io.Reader) uint32 {
	var buf [4]byte
	readBytes(r, buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

func readUint64(r io.Reader) uint64 {
	var buf [8]byte
	readBytes(r, buf[:])
	return binary.LittleEndian.Uint64(buf[:])
}

func readString(r io.Reader) string {
	size := readUint64(r)
	if size > maxWireString {
		panic(fmt.Sprintf("wire: implausible string length %d", size))
	}
	buf := make([]byte, size)
	readBytes(r, buf)
	return string(buf)
}

func requireString(s, field string) string {
	if s == "" {
		panic(fmt.Sprintf("wire: empty %s in manifest frame", field))
	}
	return s
}

// WriteManifest serializes one manifest frame. The sequence number and
// update times are local concerns and stay out of the frame.
func WriteManifest(w io.Writer, m *Manifest) error {
	var stale uint32
	if m.Stale {
		stale = 1
	}
	if err := writeUint32(w, stale); err != nil {
		return err
	}
	if err := writeString(w, m.Path); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(len(m.Files))); err != nil {
		return err
	}
	for _, f := range m.Files {
		if err := writeString(w, f.Name); err != nil {
			return err
		}
		if _, err := w.Write(f.Digest[:]); err != nil {
			return err
		}
	}
	if err := writeString(w, m.AIA); err != nil {
		return err
	}
	if err := writeString(w, m.AKI); err != nil {
		return err
	}
	return writeString(w, m.SKI)
}

// ReadManifest reads one manifest frame. At a frame boundary a closed
// stream returns io.EOF; any fault after the first byte panics.
func ReadManifest(r io.Reader) (*Manifest, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err == io.EOF {
		return nil, io.EOF
	} else if err != nil {
		panic(fmt.Sprintf("wire: short read: %v", err))
	}

	m := &Manifest{
		Stale: binary.LittleEndian.Uint32(buf[:]) != 0,
		Path:  requireString(readString(r), "path"),
	}
	count := readUint64(r)
	for i := uint64(0); i < count; i++ {
		var f FileEntry
		f.Name = requireString(readString(r), "filename")
		readBytes(r, f.Digest[:])
		m.Files = append(m.Files, f)
	}
	m.AIA = requireString(readString(r), "AIA")
	m.AKI = requireString(readString(r), "AKI")
	m.SKI = requireString(readString(r), "SKI")
	return m, nil
}

// Result frame status values.
const (
	wireStatusError = iota
	wireStatusOK
)

// ManifestResult is the outcome of decoding one file, as reported by a
// worker process: either a manifest or the error that stopped it.
type ManifestResult struct {
	Path     string
	Manifest *Manifest
	Err      string
}

// WriteManifestResult frames one outcome: a 4-byte status, then either a
// manifest frame or the path and error text.
func WriteManifestResult(w io.Writer, res *ManifestResult) error {
	if res.Manifest != nil {
		if err := writeUint32(w, wireStatusOK); err != nil {
			return err
		}
		return WriteManifest(w, res.Manifest)
	}
	if err := writeUint32(w, wireStatusError); err != nil {
		return err
	}
	if err := writeString(w, res.Path); err != nil {
		return err
	}
	return writeString(w, res.Err)
}

func ReadManifestResult(r io.Reader) (*ManifestResult, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err == io.EOF {
		return nil, io.EOF
	} else if err != nil {
		panic(fmt.Sprintf("wire: short read: %v", err))
	}

	res := &ManifestResult{}
	if binary.LittleEndian.Uint32(buf[:]) == wireStatusOK {
		m, err := ReadManifest(r)
		if err != nil {
			panic(fmt.Sprintf("wire: manifest frame after result header: %v", err))
		}
		res.Path = m.Path
		res.Manifest = m
		return res, nil
	}
	res.Path = readString(r)
	res.Err = readString(r)
	return res, nil
}
