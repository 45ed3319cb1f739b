// Package car reads and writes CARv1 archives: a DAG-CBOR header naming
// the root CIDs, followed by length-prefixed sections of raw CID bytes and
// block bytes. The framing is byte-exact so that archives hash identically
// across implementations.
package car

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"

	"github.com/stormlightlabs/pds/pkg/blockstore"
	"github.com/stormlightlabs/pds/pkg/cidutil"
	"github.com/stormlightlabs/pds/pkg/dagcbor"
)

var ErrMalformed = errors.New("car: malformed archive")

// Write emits a CARv1 archive: header, then the blocks in the order given.
// Duplicate blocks are written as supplied.
func Write(w io.Writer, roots []cid.Cid, blocks []blockstore.Block) error {
	header, err := encodeHeader(roots)
	if err != nil {
		return err
	}
	if _, err := w.Write(varint.ToUvarint(uint64(len(header)))); err != nil {
		return err
	}
	if _, err := w.Write(header); err != nil {
		return err
	}

	for _, b := range blocks {
		cidBytes := b.Cid.Bytes()
		if _, err := w.Write(varint.ToUvarint(uint64(len(cidBytes) + len(b.Data)))); err != nil {
			return err
		}
		if _, err := w.Write(cidBytes); err != nil {
			return err
		}
		if _, err := w.Write(b.Data); err != nil {
			return err
		}
	}
	return nil
}

// Encode is Write into a byte slice.
func Encode(roots []cid.Cid, blocks []blockstore.Block) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, roots, blocks); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeHeader(roots []cid.Cid) ([]byte, error) {
	rootVals := make([]any, len(roots))
	for i, r := range roots {
		if !r.Defined() {
			return nil, fmt.Errorf("%w: undefined root", ErrMalformed)
		}
		rootVals[i] = r
	}
	return dagcbor.Marshal(map[string]any{
		"roots":   rootVals,
		"version": int64(1),
	})
}

// Read parses a complete archive, verifying the framing and that each
// section's bytes hash to its CID.
func Read(r io.Reader) (roots []cid.Cid, blocks []blockstore.Block, err error) {
	br := bufio.NewReader(r)

	headerLen, err := varint.ReadUvarint(br)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: header length: %v", ErrMalformed, err)
	}
	if headerLen == 0 {
		return nil, nil, fmt.Errorf("%w: empty header", ErrMalformed)
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, nil, fmt.Errorf("%w: truncated header: %v", ErrMalformed, err)
	}
	roots, err = decodeHeader(header)
	if err != nil {
		return nil, nil, err
	}

	for {
		sectionLen, err := varint.ReadUvarint(br)
		if errors.Is(err, io.EOF) {
			return roots, blocks, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: section length: %v", ErrMalformed, err)
		}
		if sectionLen < cidutil.ByteLen {
			return nil, nil, fmt.Errorf("%w: section of %d bytes cannot hold a CID", ErrMalformed, sectionLen)
		}
		section := make([]byte, sectionLen)
		if _, err := io.ReadFull(br, section); err != nil {
			return nil, nil, fmt.Errorf("%w: truncated section: %v", ErrMalformed, err)
		}

		c, err := cidutil.FromBytes(section[:cidutil.ByteLen])
		if err != nil {
			return nil, nil, fmt.Errorf("%w: section CID: %v", ErrMalformed, err)
		}
		data := section[cidutil.ByteLen:]
		if !cidutil.FromData(data).Equals(c) {
			return nil, nil, fmt.Errorf("%w: block bytes do not hash to %s", ErrMalformed, c)
		}
		blocks = append(blocks, blockstore.Block{Cid: c, Data: data})
	}
}

func decodeHeader(header []byte) ([]cid.Cid, error) {
	v, err := dagcbor.Unmarshal(header)
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: header is not a map", ErrMalformed)
	}
	version, ok := m["version"].(int64)
	if !ok || version != 1 {
		return nil, fmt.Errorf("%w: unsupported version %v", ErrMalformed, m["version"])
	}
	rawRoots, ok := m["roots"].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: header roots", ErrMalformed)
	}
	roots := make([]cid.Cid, len(rawRoots))
	for i, raw := range rawRoots {
		c, ok := raw.(cid.Cid)
		if !ok {
			return nil, fmt.Errorf("%w: root %d is not a link", ErrMalformed, i)
		}
		roots[i] = c
	}
	return roots, nil
}
