package storage

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"sort"

	"github.com/gogo/protobuf/proto"
	"github.com/pierrec/lz4"
	"github.com/pingcap-incubator/tinytx/snapshot"
	"github.com/pingcap/errors"
)

const (
	// CodecV1 writes the snapshot as a plain protobuf message.
	CodecV1 uint32 = 1
	// CodecV2 is CodecV1 compressed with lz4.
	CodecV2 uint32 = 2
)

var snapshotMagic = []byte("TXSN")

// Codec encodes snapshot bodies of one version. A decoder must be able to
// read every body written by the encoder of the same version.
type Codec interface {
	Version() uint32
	Encode(snap *snapshot.Snapshot) ([]byte, error)
	Decode(body []byte) (*snapshot.Snapshot, error)
}

// CodecProvider picks the codec used for writing and finds the codec for
// reading by the version tag stored in a snapshot.
type CodecProvider struct {
	codecs map[uint32]Codec
	write  Codec
}

func builtinCodec(version uint32) (Codec, bool) {
	switch version {
	case CodecV1:
		return v1Codec{}, true
	case CodecV2:
		return v2Codec{}, true
	}
	return nil, false
}

// NewCodecProvider registers the given codec versions. writeVersion must be
// one of them.
func NewCodecProvider(writeVersion uint32, versions []uint32) (*CodecProvider, error) {
	p := &CodecProvider{codecs: make(map[uint32]Codec)}
	for _, v := range versions {
		c, ok := builtinCodec(v)
		if !ok {
			return nil, errors.Errorf("snapshot codec %d is not supported", v)
		}
		p.Register(c)
	}
	c, ok := p.codecs[writeVersion]
	if !ok {
		return nil, errors.Errorf("snapshot codec %d used for writing is not registered", writeVersion)
	}
	p.write = c
	return p, nil
}

// DefaultCodecProvider writes with CodecV2 and reads every builtin version.
func DefaultCodecProvider() *CodecProvider {
	p, err := NewCodecProvider(CodecV2, []uint32{CodecV1, CodecV2})
	if err != nil {
		panic(err)
	}
	return p
}

func (p *CodecProvider) Register(c Codec) {
	p.codecs[c.Version()] = c
}

func (p *CodecProvider) WriteVersion() uint32 {
	return p.write.Version()
}

// Versions returns the registered versions in ascending order.
func (p *CodecProvider) Versions() []uint32 {
	vs := make([]uint32, 0, len(p.codecs))
	for v := range p.codecs {
		vs = append(vs, v)
	}
	sort.Slice(vs, func(i, j int) bool { return vs[i] < vs[j] })
	return vs
}

// Encode frames the snapshot as magic | uvarint version | body | crc32.
func (p *CodecProvider) Encode(snap *snapshot.Snapshot) ([]byte, error) {
	body, err := p.write.Encode(snap)
	if err != nil {
		return nil, errors.Trace(err)
	}
	buf := make([]byte, 0, len(snapshotMagic)+binary.MaxVarintLen32+len(body)+4)
	buf = append(buf, snapshotMagic...)
	buf = append(buf, proto.EncodeVarint(uint64(p.write.Version()))...)
	buf = append(buf, body...)
	var sum [4]byte
	binary.LittleEndian.PutUint32(sum[:], crc32.ChecksumIEEE(buf))
	return append(buf, sum[:]...), nil
}

// Decode checks the frame and decodes the body with the codec it was written with.
func (p *CodecProvider) Decode(data []byte) (*snapshot.Snapshot, error) {
	version, body, err := unframe(data)
	if err != nil {
		return nil, err
	}
	c, ok := p.codecs[version]
	if !ok {
		return nil, errors.Annotatef(ErrUnknownCodec, "version %d", version)
	}
	snap, err := c.Decode(body)
	if err != nil {
		return nil, errors.Annotatef(ErrCorruptSnapshot, "decode v%d body: %v", version, err)
	}
	return snap, nil
}

// FrameVersion returns the codec version of a framed snapshot.
func FrameVersion(data []byte) (uint32, error) {
	version, _, err := unframe(data)
	return version, err
}

func unframe(data []byte) (uint32, []byte, error) {
	if len(data) < len(snapshotMagic)+1+4 || !bytes.Equal(data[:len(snapshotMagic)], snapshotMagic) {
		return 0, nil, errors.Annotatef(ErrCorruptSnapshot, "bad frame of %d bytes", len(data))
	}
	payload, sum := data[:len(data)-4], binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(payload) != sum {
		return 0, nil, errors.Annotatef(ErrCorruptSnapshot, "checksum mismatch")
	}
	version, n := proto.DecodeVarint(payload[len(snapshotMagic):])
	if n == 0 {
		return 0, nil, errors.Annotatef(ErrCorruptSnapshot, "bad codec version")
	}
	return uint32(version), payload[len(snapshotMagic)+n:], nil
}

// Field numbers of the v1 body.
const (
	fieldTimestamp    = 1
	fieldReadPointer  = 2
	fieldWritePointer = 3
	fieldInvalid      = 4
	fieldInProgress   = 5
	fieldChangeSet    = 6

	fieldTxID                 = 1
	fieldExpiration           = 2
	fieldVisibilityUpperBound = 3

	fieldCommitPointer = 1
	fieldChangeSetTxID = 2
	fieldChange        = 3

	wireVarint = 0
	wireBytes  = 2
)

type v1Codec struct{}

func (v1Codec) Version() uint32 { return CodecV1 }

func putVarint(buf *proto.Buffer, field, v uint64) {
	buf.EncodeVarint(field<<3 | wireVarint)
	buf.EncodeVarint(v)
}

func putBytes(buf *proto.Buffer, field uint64, b []byte) {
	buf.EncodeVarint(field<<3 | wireBytes)
	buf.EncodeRawBytes(b)
}

func (v1Codec) Encode(snap *snapshot.Snapshot) ([]byte, error) {
	buf := proto.NewBuffer(nil)
	putVarint(buf, fieldTimestamp, uint64(snap.Timestamp()))
	putVarint(buf, fieldReadPointer, snap.ReadPointer())
	putVarint(buf, fieldWritePointer, snap.WritePointer())
	for _, id := range snap.Invalid() {
		putVarint(buf, fieldInvalid, id)
	}
	inProgress := snap.InProgress()
	for _, id := range snap.InProgressIDs() {
		tx := inProgress[id]
		sub := proto.NewBuffer(nil)
		putVarint(sub, fieldTxID, id)
		putVarint(sub, fieldExpiration, uint64(tx.Expiration))
		putVarint(sub, fieldVisibilityUpperBound, tx.VisibilityUpperBound)
		putBytes(buf, fieldInProgress, sub.Bytes())
	}
	changeSets := snap.CommittedChangeSets()
	cps := make([]uint64, 0, len(changeSets))
	for cp := range changeSets {
		cps = append(cps, cp)
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i] < cps[j] })
	for _, cp := range cps {
		cs := changeSets[cp]
		sub := proto.NewBuffer(nil)
		putVarint(sub, fieldCommitPointer, cp)
		putVarint(sub, fieldChangeSetTxID, cs.TxID)
		for _, change := range cs.Changes {
			putBytes(sub, fieldChange, change)
		}
		putBytes(buf, fieldChangeSet, sub.Bytes())
	}
	return buf.Bytes(), nil
}

// walkFields calls fn for every field of a protobuf message. Only varint and
// length delimited fields are expected.
func walkFields(data []byte, fn func(field, v uint64, b []byte) error) error {
	for len(data) > 0 {
		key, n := proto.DecodeVarint(data)
		if n == 0 {
			return errors.New("truncated field key")
		}
		data = data[n:]
		field, wire := key>>3, key&7
		var (
			v uint64
			b []byte
		)
		switch wire {
		case wireVarint:
			v, n = proto.DecodeVarint(data)
			if n == 0 {
				return errors.Errorf("truncated varint of field %d", field)
			}
			data = data[n:]
		case wireBytes:
			l, n := proto.DecodeVarint(data)
			if n == 0 || uint64(len(data)-n) < l {
				return errors.Errorf("truncated bytes of field %d", field)
			}
			b = data[n : n+int(l)]
			data = data[n+int(l):]
		default:
			return errors.Errorf("unsupported wire type %d of field %d", wire, field)
		}
		if err := fn(field, v, b); err != nil {
			return err
		}
	}
	return nil
}

func (v1Codec) Decode(body []byte) (*snapshot.Snapshot, error) {
	var (
		timestamp                 int64
		readPointer, writePointer uint64
		invalid                   []uint64
		inProgress                = make(map[uint64]snapshot.InProgressTx)
		changeSets                = make(map[uint64]snapshot.ChangeSet)
	)
	err := walkFields(body, func(field, v uint64, b []byte) error {
		switch field {
		case fieldTimestamp:
			timestamp = int64(v)
		case fieldReadPointer:
			readPointer = v
		case fieldWritePointer:
			writePointer = v
		case fieldInvalid:
			invalid = append(invalid, v)
		case fieldInProgress:
			var (
				id uint64
				tx snapshot.InProgressTx
			)
			err := walkFields(b, func(field, v uint64, _ []byte) error {
				switch field {
				case fieldTxID:
					id = v
				case fieldExpiration:
					tx.Expiration = int64(v)
				case fieldVisibilityUpperBound:
					tx.VisibilityUpperBound = v
				}
				return nil
			})
			if err != nil {
				return err
			}
			inProgress[id] = tx
		case fieldChangeSet:
			var (
				cp uint64
				cs snapshot.ChangeSet
			)
			err := walkFields(b, func(field, v uint64, b []byte) error {
				switch field {
				case fieldCommitPointer:
					cp = v
				case fieldChangeSetTxID:
					cs.TxID = v
				case fieldChange:
					cs.Changes = append(cs.Changes, b)
				}
				return nil
			})
			if err != nil {
				return err
			}
			changeSets[cp] = cs
		}
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return snapshot.NewSnapshot(timestamp, readPointer, writePointer, invalid, inProgress, changeSets), nil
}

// Compression flags of a v2 body.
const (
	v2Raw byte = 0
	v2LZ4 byte = 1
)

type v2Codec struct{}

func (v2Codec) Version() uint32 { return CodecV2 }

// Encode writes flag | uvarint raw length | block. The v1 body is kept raw
// when lz4 does not make it smaller.
func (v2Codec) Encode(snap *snapshot.Snapshot) ([]byte, error) {
	raw, err := v1Codec{}.Encode(snap)
	if err != nil {
		return nil, err
	}
	header := append([]byte{v2LZ4}, proto.EncodeVarint(uint64(len(raw)))...)
	dst := make([]byte, len(header)+lz4.CompressBlockBound(len(raw)))
	copy(dst, header)
	var ht [1 << 16]int
	n, err := lz4.CompressBlock(raw, dst[len(header):], ht[:])
	if err != nil || n == 0 || n >= len(raw) {
		header[0] = v2Raw
		return append(header, raw...), nil
	}
	return dst[:len(header)+n], nil
}

func (v2Codec) Decode(body []byte) (*snapshot.Snapshot, error) {
	if len(body) < 2 {
		return nil, errors.New("v2 body too short")
	}
	flag := body[0]
	rawLen, n := proto.DecodeVarint(body[1:])
	if n == 0 {
		return nil, errors.New("bad v2 raw length")
	}
	block := body[1+n:]
	switch flag {
	case v2Raw:
		if uint64(len(block)) != rawLen {
			return nil, errors.Errorf("v2 raw body has %d bytes, want %d", len(block), rawLen)
		}
		return v1Codec{}.Decode(block)
	case v2LZ4:
		raw := make([]byte, rawLen)
		m, err := lz4.UncompressBlock(block, raw)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if uint64(m) != rawLen {
			return nil, errors.Errorf("v2 body uncompressed to %d bytes, want %d", m, rawLen)
		}
		return v1Codec{}.Decode(raw)
	}
	return nil, errors.Errorf("unknown v2 compression flag %d", flag)
}
