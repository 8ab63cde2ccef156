package native

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/schema"
)

// MagicBytes identifies a valid .spdx segment file.
const (
	MagicBytes    uint32 = 0x53504458
	FormatVersion uint32 = 2
	HeaderSize    int    = 64
	FooterSize    int    = 32
)

// SegmentHeader is the 64-byte header written at the start of every segment.
type SegmentHeader struct {
	Magic      uint32
	Version    uint32
	TermCount  uint32
	DocCount   uint32
	DictOffset int64
	DictSize   int64
	PostOffset int64
	PostSize   int64
	CreatedAt  int64
}

// DictEntry maps a term key to its postings offset, length, and document
// frequency in the segment file.
type DictEntry struct {
	Key        string `json:"t"`
	PostOffset int64  `json:"o"`
	PostLen    int    `json:"l"`
	DocFreq    int    `json:"d"`
}

// segmentMeta is the JSON trailer holding everything except postings.
type segmentMeta struct {
	Terms        []DictEntry         `json:"terms"`
	Norms        map[string][]uint32 `json:"norms"`
	StoredOffset int64               `json:"stored_offset"`
	StoredSize   int64               `json:"stored_size"`
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

func segmentFileName(seq uint64) string {
	return fmt.Sprintf("seg_%06d.spdx", seq)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// writeSegment atomically creates dir/name from the builder contents. It
// writes to a .tmp file first and renames on success.
func writeSegment(dir, name string, b *builder) error {
	entries := b.entries()
	finalPath := filepath.Join(dir, name)
	tmpPath := finalPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp segment file: %w", err)
	}
	committed := false
	defer func() {
		f.Close()
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	buf := bufio.NewWriter(f)
	headerBytes := make([]byte, HeaderSize)
	if _, err := buf.Write(headerBytes); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	crc := crc32.NewIEEE()
	body := &countingWriter{w: io.MultiWriter(buf, crc), n: int64(HeaderSize)}

	postingsStart := body.n
	dict := make([]DictEntry, 0, len(entries))
	for _, entry := range entries {
		postingsData, err := json.Marshal(entry.Postings)
		if err != nil {
			return fmt.Errorf("marshaling postings for term %q: %w", entry.Key, err)
		}
		offset := body.n - postingsStart
		if _, err := body.Write(postingsData); err != nil {
			return fmt.Errorf("writing postings for term %q: %w", entry.Key, err)
		}
		dict = append(dict, DictEntry{
			Key:        entry.Key,
			PostOffset: offset,
			PostLen:    len(postingsData),
			DocFreq:    len(entry.Postings),
		})
	}
	postingsSize := body.n - postingsStart

	storedJSON, err := json.Marshal(b.docs)
	if err != nil {
		return fmt.Errorf("marshaling stored documents: %w", err)
	}
	stored := zstdEncoder.EncodeAll(storedJSON, nil)
	storedStart := body.n
	if _, err := body.Write(stored); err != nil {
		return fmt.Errorf("writing stored documents: %w", err)
	}

	dictData, err := json.Marshal(segmentMeta{
		Terms:        dict,
		Norms:        b.norms,
		StoredOffset: storedStart,
		StoredSize:   int64(len(stored)),
	})
	if err != nil {
		return fmt.Errorf("marshaling dictionary: %w", err)
	}
	dictStart := body.n
	if _, err := body.Write(dictData); err != nil {
		return fmt.Errorf("writing dictionary: %w", err)
	}
	dictSize := body.n - dictStart

	footer := make([]byte, FooterSize)
	binary.LittleEndian.PutUint32(footer[0:4], crc.Sum32())
	binary.LittleEndian.PutUint32(footer[4:8], b.numDocs())
	binary.LittleEndian.PutUint64(footer[8:16], uint64(dictStart))
	binary.LittleEndian.PutUint64(footer[16:24], uint64(dictSize))
	binary.LittleEndian.PutUint64(footer[24:32], uint64(postingsSize))
	if _, err := buf.Write(footer); err != nil {
		return fmt.Errorf("writing footer: %w", err)
	}
	if err := buf.Flush(); err != nil {
		return fmt.Errorf("flushing segment file: %w", err)
	}

	binary.LittleEndian.PutUint32(headerBytes[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(headerBytes[4:8], FormatVersion)
	binary.LittleEndian.PutUint32(headerBytes[8:12], uint32(len(entries)))
	binary.LittleEndian.PutUint32(headerBytes[12:16], b.numDocs())
	binary.LittleEndian.PutUint64(headerBytes[16:24], uint64(dictStart))
	binary.LittleEndian.PutUint64(headerBytes[24:32], uint64(dictSize))
	binary.LittleEndian.PutUint64(headerBytes[32:40], uint64(postingsStart))
	binary.LittleEndian.PutUint64(headerBytes[40:48], uint64(postingsSize))
	binary.LittleEndian.PutUint64(headerBytes[48:56], uint64(time.Now().Unix()))
	if _, err := f.WriteAt(headerBytes, 0); err != nil {
		return fmt.Errorf("updating header: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing segment file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing segment file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("renaming segment file: %w", err)
	}
	committed = true
	return nil
}

// Reader serves postings from a segment file and keeps its dictionary,
// field norms and source documents in memory.
type Reader struct {
	file     *os.File
	name     string
	header   SegmentHeader
	dict     []DictEntry
	norms    map[string][]uint32
	docs     []schema.Document
	postBase int64
}

// OpenReader opens and verifies a segment. Source documents are decoded and
// re-normalised against s so values regain their canonical Go types.
func OpenReader(path string, s schema.Schema) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening segment file: %w", err)
	}
	r, err := readSegment(f, s)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("segment %s: %w", filepath.Base(path), err)
	}
	r.name = filepath.Base(path)
	return r, nil
}

func readSegment(f *os.File, s schema.Schema) (*Reader, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < int64(HeaderSize+FooterSize) {
		return nil, fmt.Errorf("truncated segment: %d bytes", info.Size())
	}
	headerBytes := make([]byte, HeaderSize)
	if _, err := f.ReadAt(headerBytes, 0); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	magic := binary.LittleEndian.Uint32(headerBytes[0:4])
	if magic != MagicBytes {
		return nil, fmt.Errorf("invalid segment file: bad magic bytes %x", magic)
	}
	header := SegmentHeader{
		Magic:      magic,
		Version:    binary.LittleEndian.Uint32(headerBytes[4:8]),
		TermCount:  binary.LittleEndian.Uint32(headerBytes[8:12]),
		DocCount:   binary.LittleEndian.Uint32(headerBytes[12:16]),
		DictOffset: int64(binary.LittleEndian.Uint64(headerBytes[16:24])),
		DictSize:   int64(binary.LittleEndian.Uint64(headerBytes[24:32])),
		PostOffset: int64(binary.LittleEndian.Uint64(headerBytes[32:40])),
		PostSize:   int64(binary.LittleEndian.Uint64(headerBytes[40:48])),
		CreatedAt:  int64(binary.LittleEndian.Uint64(headerBytes[48:56])),
	}
	if header.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported segment version %d", header.Version)
	}

	footer := make([]byte, FooterSize)
	bodyEnd := info.Size() - int64(FooterSize)
	if _, err := f.ReadAt(footer, bodyEnd); err != nil {
		return nil, fmt.Errorf("reading footer: %w", err)
	}
	if err := verifyChecksum(f, int64(HeaderSize), bodyEnd, binary.LittleEndian.Uint32(footer[0:4])); err != nil {
		return nil, err
	}

	dictBytes := make([]byte, header.DictSize)
	if _, err := f.ReadAt(dictBytes, header.DictOffset); err != nil {
		return nil, fmt.Errorf("reading dictionary: %w", err)
	}
	var meta segmentMeta
	if err := json.Unmarshal(dictBytes, &meta); err != nil {
		return nil, fmt.Errorf("parsing dictionary: %w", err)
	}

	stored := make([]byte, meta.StoredSize)
	if _, err := f.ReadAt(stored, meta.StoredOffset); err != nil {
		return nil, fmt.Errorf("reading stored documents: %w", err)
	}
	docs, err := decodeDocs(stored, s)
	if err != nil {
		return nil, err
	}
	if uint32(len(docs)) != header.DocCount {
		return nil, fmt.Errorf("doc count mismatch: header %d, stored %d", header.DocCount, len(docs))
	}

	return &Reader{
		file:     f,
		header:   header,
		dict:     meta.Terms,
		norms:    meta.Norms,
		docs:     docs,
		postBase: header.PostOffset,
	}, nil
}

func verifyChecksum(f *os.File, start, end int64, want uint32) error {
	var crc hash.Hash32 = crc32.NewIEEE()
	if _, err := io.Copy(crc, io.NewSectionReader(f, start, end-start)); err != nil {
		return fmt.Errorf("reading segment body: %w", err)
	}
	if got := crc.Sum32(); got != want {
		return fmt.Errorf("checksum mismatch: stored %08x, computed %08x", want, got)
	}
	return nil
}

func decodeDocs(stored []byte, s schema.Schema) ([]schema.Document, error) {
	raw, err := zstdDecoder.DecodeAll(stored, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing stored documents: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var docs []schema.Document
	if err := dec.Decode(&docs); err != nil {
		return nil, fmt.Errorf("parsing stored documents: %w", err)
	}
	for i, doc := range docs {
		normalized, err := s.ValidateDocument(doc)
		if err != nil {
			return nil, fmt.Errorf("stored document %d: %w", i, err)
		}
		docs[i] = normalized
	}
	return docs, nil
}

func (r *Reader) lookup(key string) (DictEntry, bool) {
	idx := sort.Search(len(r.dict), func(i int) bool {
		return r.dict[i].Key >= key
	})
	if idx >= len(r.dict) || r.dict[idx].Key != key {
		return DictEntry{}, false
	}
	return r.dict[idx], true
}

func (r *Reader) postings(key string) (PostingList, error) {
	entry, ok := r.lookup(key)
	if !ok {
		return nil, nil
	}
	postingsBytes := make([]byte, entry.PostLen)
	if _, err := r.file.ReadAt(postingsBytes, r.postBase+entry.PostOffset); err != nil {
		return nil, fmt.Errorf("reading postings: %w", err)
	}
	var postings PostingList
	if err := json.Unmarshal(postingsBytes, &postings); err != nil {
		return nil, fmt.Errorf("parsing postings: %w", err)
	}
	return postings, nil
}

func (r *Reader) docFreq(key string) int {
	entry, _ := r.lookup(key)
	return entry.DocFreq
}

func (r *Reader) numDocs() uint32 { return r.header.DocCount }

func (r *Reader) fieldNorms(field string) []uint32 { return r.norms[field] }

func (r *Reader) source(ord uint32) schema.Document { return r.docs[ord] }

func (r *Reader) Terms() int { return len(r.dict) }

func (r *Reader) Name() string { return r.name }

func (r *Reader) Close() error {
	return r.file.Close()
}
