package thread

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"meli.sh/mailcore"
)

// cacheMagic/cacheVersion tag the on-disk format so a future format
// change fails loudly instead of silently misparsing.
const (
	cacheMagic   = "mthr"
	cacheVersion = 1
)

// Serialize writes the forest's envelope set to w as a length-prefixed
// binary stream (spec.md §6: "length-prefixed binary serialization of
// the thread forest"). Only the envelope records are persisted —
// Deserialize rebuilds the node/group structure from them by replaying
// Insert, which is cheaper to keep correct than hand-rolling a
// pointer-graph format and satisfies spec.md §8 invariant #4 (cache
// round-trip) directly: a round trip is definitionally a rebuild from
// scratch.
func (f *Forest) Serialize(w io.Writer) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(cacheMagic); err != nil {
		return err
	}
	if err := writeUint32(bw, cacheVersion); err != nil {
		return err
	}
	if err := writeUint32(bw, uint32(len(f.envelopes))); err != nil {
		return err
	}
	for _, env := range f.envelopes {
		if err := writeEnvelope(bw, env); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Deserialize reads a stream written by Serialize and returns a freshly
// rebuilt Forest.
func Deserialize(r io.Reader) (*Forest, error) {
	br := bufio.NewReader(r)

	magic := make([]byte, len(cacheMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("thread: reading cache magic: %w", err)
	}
	if string(magic) != cacheMagic {
		return nil, fmt.Errorf("thread: bad cache magic %q", magic)
	}
	version, err := readUint32(br)
	if err != nil {
		return nil, err
	}
	if version != cacheVersion {
		return nil, fmt.Errorf("thread: unsupported cache version %d", version)
	}
	count, err := readUint32(br)
	if err != nil {
		return nil, err
	}

	f := NewForest()
	for i := uint32(0); i < count; i++ {
		env, err := readEnvelope(br)
		if err != nil {
			return nil, fmt.Errorf("thread: reading envelope %d: %w", i, err)
		}
		f.Insert(env)
	}
	return f, nil
}

// Update reconciles the forest against the live envelope set env:
// envelopes the forest holds that are absent from env are pruned
// (their source message vanished, e.g. a reload or EXPUNGE the cache
// predates), and envelopes in env absent from the forest are inserted
// (spec.md §4.8: "drops nodes whose envelope vanished, adds nodes for
// envelopes absent from the cache").
func (f *Forest) Update(env []Envelope) {
	f.mu.Lock()
	live := make(map[mailcore.EnvelopeHash]bool, len(env))
	var toInsert []Envelope
	for _, e := range env {
		live[e.Hash] = true
		if _, ok := f.envelopes[e.Hash]; !ok {
			toInsert = append(toInsert, e)
		}
	}
	var toPrune []mailcore.EnvelopeHash
	for hash := range f.envelopes {
		if !live[hash] {
			toPrune = append(toPrune, hash)
		}
	}
	f.mu.Unlock()

	for _, hash := range toPrune {
		f.Prune(hash)
	}
	for _, e := range toInsert {
		f.Insert(e)
	}
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func writeString(w io.Writer, s string) error {
	if err := writeUint32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeEnvelope(w io.Writer, env Envelope) error {
	if err := writeUint64(w, uint64(env.Hash)); err != nil {
		return err
	}
	if err := writeString(w, env.MessageID); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(env.References))); err != nil {
		return err
	}
	for _, ref := range env.References {
		if err := writeString(w, ref); err != nil {
			return err
		}
	}
	if err := writeString(w, env.InReplyTo); err != nil {
		return err
	}
	if err := writeString(w, env.SubjectNormalized); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(env.Date)); err != nil {
		return err
	}
	unseen := byte(0)
	if env.Unseen {
		unseen = 1
	}
	_, err := w.Write([]byte{unseen})
	return err
}

func readEnvelope(r io.Reader) (Envelope, error) {
	var env Envelope
	hash, err := readUint64(r)
	if err != nil {
		return env, err
	}
	env.Hash = mailcore.EnvelopeHash(hash)
	if env.MessageID, err = readString(r); err != nil {
		return env, err
	}
	refCount, err := readUint32(r)
	if err != nil {
		return env, err
	}
	env.References = make([]string, refCount)
	for i := range env.References {
		if env.References[i], err = readString(r); err != nil {
			return env, err
		}
	}
	if env.InReplyTo, err = readString(r); err != nil {
		return env, err
	}
	if env.SubjectNormalized, err = readString(r); err != nil {
		return env, err
	}
	date, err := readUint64(r)
	if err != nil {
		return env, err
	}
	env.Date = int64(date)
	var unseen [1]byte
	if _, err := io.ReadFull(r, unseen[:]); err != nil {
		return env, err
	}
	env.Unseen = unseen[0] == 1
	return env, nil
}
