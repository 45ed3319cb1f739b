package repo

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/stormlightlabs/pds/pkg/crypto"
	"github.com/stormlightlabs/pds/pkg/dagcbor"
)

// CommitVersion is the repository format version stamped on every commit.
const CommitVersion = 3

var ErrBadCommit = errors.New("repo: malformed commit")

// Commit is a signed pointer at an MST root. The unsigned form is the map
// {did, version, data, rev} plus prev when a predecessor exists; the
// signature covers the SHA-256 of that map's DAG-CBOR encoding.
type Commit struct {
	Did     string
	Version int64
	// Data is the MST root CID.
	Data cid.Cid
	// Rev is the commit's TID revision.
	Rev string
	// Prev is the previous commit's CID; nil on the first commit. An
	// absent prev is omitted from the encoding, not written as null.
	Prev *cid.Cid
	// Sig is the 64-byte R‖S signature; empty until signed.
	Sig []byte
}

func (c *Commit) fields() map[string]any {
	m := map[string]any{
		"did":     c.Did,
		"version": c.Version,
		"data":    c.Data,
		"rev":     c.Rev,
	}
	if c.Prev != nil {
		m["prev"] = *c.Prev
	}
	return m
}

// UnsignedBytes encodes the commit without its signature; these are the
// bytes the signature is computed over.
func (c *Commit) UnsignedBytes() ([]byte, error) {
	return dagcbor.Marshal(c.fields())
}

// SignedBytes encodes the commit with its signature. The CID of these
// bytes is the commit's identity.
func (c *Commit) SignedBytes() ([]byte, error) {
	if len(c.Sig) != crypto.SignatureLen {
		return nil, fmt.Errorf("%w: unsigned commit", ErrBadCommit)
	}
	m := c.fields()
	m["sig"] = c.Sig
	return dagcbor.Marshal(m)
}

// Sign computes and attaches the signature.
func (c *Commit) Sign(key *crypto.PrivateKey) error {
	unsigned, err := c.UnsignedBytes()
	if err != nil {
		return err
	}
	sig, err := key.Sign(crypto.Sum(unsigned))
	if err != nil {
		return fmt.Errorf("repo: sign commit: %w", err)
	}
	c.Sig = sig
	return nil
}

// Verify checks the signature against pub.
func (c *Commit) Verify(pub *crypto.PublicKey) bool {
	unsigned, err := c.UnsignedBytes()
	if err != nil {
		return false
	}
	return pub.Verify(crypto.Sum(unsigned), c.Sig)
}

// DecodeCommit parses and validates a signed commit block.
func DecodeCommit(data []byte) (*Commit, error) {
	v, err := dagcbor.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCommit, err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: not a map", ErrBadCommit)
	}

	c := &Commit{}
	if c.Did, ok = m["did"].(string); !ok || c.Did == "" {
		return nil, fmt.Errorf("%w: did", ErrBadCommit)
	}
	if c.Version, ok = m["version"].(int64); !ok || c.Version != CommitVersion {
		return nil, fmt.Errorf("%w: version %v", ErrBadCommit, m["version"])
	}
	if c.Data, ok = m["data"].(cid.Cid); !ok {
		return nil, fmt.Errorf("%w: data", ErrBadCommit)
	}
	if c.Rev, ok = m["rev"].(string); !ok || c.Rev == "" {
		return nil, fmt.Errorf("%w: rev", ErrBadCommit)
	}
	if raw, present := m["prev"]; present {
		prev, ok := raw.(cid.Cid)
		if !ok {
			return nil, fmt.Errorf("%w: prev", ErrBadCommit)
		}
		c.Prev = &prev
	}
	if c.Sig, ok = m["sig"].([]byte); !ok || len(c.Sig) != crypto.SignatureLen {
		return nil, fmt.Errorf("%w: signature", ErrBadCommit)
	}
	return c, nil
}
